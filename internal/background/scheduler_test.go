package background

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sora2api/sora-proxy/internal/cache"
	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/pool"
	"github.com/sora2api/sora-proxy/internal/sentinel"
	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

func newTestLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func TestSchedulerRunsRegisteredJob(t *testing.T) {
	s := NewScheduler(newTestLogger())

	ran := make(chan struct{})
	var once sync.Once
	err := s.Register("probe", "@every 10ms", func() {
		once.Do(func() { close(ran) })
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if next, ok := s.Status()["probe"]; !ok || !next.IsZero() {
		t.Errorf("Status before Start = %v, %v; want zero time present", next, ok)
	}

	s.Start()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}

	if next := s.Status()["probe"]; next.IsZero() {
		t.Error("Status after Start reports no next run")
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(newTestLogger())
	err := s.Register("broken", "every now and then", func() {})
	if err == nil || !strings.Contains(err.Error(), "failed to schedule broken") {
		t.Fatalf("err = %v", err)
	}
	if len(s.Status()) != 0 {
		t.Errorf("rejected job appeared in status: %v", s.Status())
	}
}

// sweepEnv wires real pool and cache components around sqlmock and an
// upstream stub, mirroring how main assembles the sweeps.
type sweepEnv struct {
	sweeps  *Sweeps
	mock    sqlmock.Sqlmock
	runtime *config.Runtime
	lock    *pool.TokenLock
	dir     string
}

func newSweepEnv(t *testing.T, upstream http.Handler) *sweepEnv {
	t.Helper()

	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)
	sentinelStub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"proofofwork":{"required":false},"turnstile":{"dx":"dx"},"token":"tok"}`))
	}))
	t.Cleanup(sentinelStub.Close)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Port:                        "8080",
		SoraBaseURL:                 server.URL,
		AuthRefreshURL:              server.URL + "/oauth/token",
		SessionAuthURL:              server.URL + "/api/auth/session",
		UpstreamTimeoutSeconds:      10,
		UpstreamMaxIdleConns:        10,
		UpstreamMaxIdleConnsPerHost: 5,
		UpstreamIdleConnTimeout:     30,
	}
	log := newTestLogger()
	queries := pg.New(db)
	runtime := config.NewRuntime(nil)

	sentinelSvc := sentinel.NewService(log, sentinelStub.URL, 1)
	t.Cleanup(sentinelSvc.Shutdown)
	client := sora.NewClient(log, cfg, runtime, sentinelSvc)

	refresher := pool.NewRefresher(log, queries, client, cfg)
	t.Cleanup(refresher.Shutdown)

	lock := pool.NewTokenLock(5 * time.Millisecond)
	dir := t.TempDir()
	cacheSvc, err := cache.NewService(log, dir, runtime, client)
	if err != nil {
		t.Fatalf("cache.NewService: %v", err)
	}

	return &sweepEnv{
		sweeps:  NewSweeps(log, runtime, queries, cacheSvc, refresher, lock),
		mock:    mock,
		runtime: runtime,
		lock:    lock,
		dir:     dir,
	}
}

func TestCleanupLocksSweep(t *testing.T) {
	env := newSweepEnv(t, http.NotFoundHandler())

	if !env.lock.TryAcquire(7) {
		t.Fatal("initial acquire failed")
	}
	if got := len(env.lock.LockedIDs()); got != 1 {
		t.Fatalf("LockedIDs = %d, want 1", got)
	}
	time.Sleep(10 * time.Millisecond)

	// LockedIDs keeps stale entries until something removes them; the sweep
	// is what keeps the admin view truthful.
	env.sweeps.CleanupLocks()
	if got := len(env.lock.LockedIDs()); got != 0 {
		t.Errorf("LockedIDs after sweep = %d, want 0", got)
	}
}

func TestEvictCacheSweep(t *testing.T) {
	env := newSweepEnv(t, http.NotFoundHandler())

	stale := filepath.Join(env.dir, "stale.mp4")
	fresh := filepath.Join(env.dir, "fresh.png")
	for _, path := range []string{stale, fresh} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	env.sweeps.EvictCache()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale file survived eviction: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh file evicted: %v", err)
	}
}

func TestRecheckCooldownsSweep(t *testing.T) {
	env := newSweepEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nf/check" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"remaining_count":5,"cooldown_until":null}`))
	}))

	lapsed := pg.Credential{
		ID: 1, Email: "a@example.com", AccessToken: "at-1", Enabled: true,
		Sora2Supported:     true,
		Sora2CooldownUntil: sql.NullTime{Time: time.Now().Add(-time.Minute), Valid: true},
	}
	uncooled := pg.Credential{
		ID: 2, Email: "b@example.com", AccessToken: "at-2", Enabled: true,
		Sora2Supported: true,
	}
	cooling := pg.Credential{
		ID: 3, Email: "c@example.com", AccessToken: "at-3", Enabled: true,
		Sora2Supported:     true,
		Sora2CooldownUntil: sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true},
	}

	env.mock.ExpectQuery("FROM credentials").WillReturnRows(credentialRows(lapsed, uncooled, cooling))
	env.mock.ExpectExec("SET sora2_remaining").
		WithArgs(int64(1), 5, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	env.sweeps.RecheckCooldowns()

	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestKickRefreshHonorsAutoRefreshSetting(t *testing.T) {
	env := newSweepEnv(t, http.NotFoundHandler())

	// Off: the sweep must not touch the refresher or the database.
	env.sweeps.KickRefresh()
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sweep ran while auto refresh disabled: %v", err)
	}

	env.runtime.Update(func(s *config.Settings) { s.AutoRefreshEnabled = true })
	env.mock.ExpectQuery("expires_at <=").WillReturnRows(credentialRows())

	env.sweeps.KickRefresh()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := env.mock.ExpectationsWereMet(); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresh sweep never queried: %v", env.mock.ExpectationsWereMet())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var credentialTestColumns = []string{
	"id", "email", "access_token", "session_token", "refresh_token", "client_id", "proxy_url",
	"remark", "enabled", "expired", "expires_at", "cooled_until", "plan_type", "plan_expires_at",
	"sora2_supported", "sora2_remaining", "sora2_cooldown_until", "image_enabled",
	"video_enabled", "image_concurrency", "video_concurrency", "last_used_at", "use_count",
	"created_at", "updated_at",
}

func nullTimeValue(t sql.NullTime) interface{} {
	if t.Valid {
		return t.Time
	}
	return nil
}

func credentialRows(creds ...pg.Credential) *sqlmock.Rows {
	rows := sqlmock.NewRows(credentialTestColumns)
	for _, c := range creds {
		rows.AddRow(
			c.ID, c.Email, c.AccessToken, c.SessionToken, c.RefreshToken, c.ClientID, c.ProxyURL,
			c.Remark, c.Enabled, c.Expired, nullTimeValue(c.ExpiresAt), nullTimeValue(c.CooledUntil),
			c.PlanType, nullTimeValue(c.PlanExpiresAt), c.Sora2Supported, int64(c.Sora2Remaining),
			nullTimeValue(c.Sora2CooldownUntil), c.ImageEnabled, c.VideoEnabled,
			int64(c.ImageConcurrency), int64(c.VideoConcurrency), nullTimeValue(c.LastUsedAt),
			c.UseCount, c.CreatedAt, c.UpdatedAt,
		)
	}
	return rows
}

package pool

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

func newTestLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
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

// poolCredential is an eligible baseline; tests break one predicate at a time.
func poolCredential(id int64) pg.Credential {
	return pg.Credential{
		ID:             id,
		Email:          "user@example.com",
		AccessToken:    "at",
		Enabled:        true,
		PlanType:       "chatgpt_plus",
		Sora2Supported: true,
		ImageEnabled:   true,
		VideoEnabled:   true,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
}

func newTestSelector(t *testing.T) (*Selector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sel := NewSelector(newTestLogger(), pg.New(db), config.NewRuntime(nil),
		NewTokenLock(5*time.Minute), NewLimiter(), nil)
	return sel, mock
}

func TestSelectImagePredicates(t *testing.T) {
	sel, mock := newTestSelector(t)

	eligible := poolCredential(1)
	imageOff := poolCredential(2)
	imageOff.ImageEnabled = false
	locked := poolCredential(3)
	exhausted := poolCredential(4)
	exhausted.ImageConcurrency = 1

	sel.lock.TryAcquire(3)
	sel.limiter.Seed([]pg.Credential{exhausted})
	if !sel.limiter.AcquireImage(4) {
		t.Fatal("seeding test slot failed")
	}

	mock.ExpectQuery("FROM credentials").
		WillReturnRows(credentialRows(eligible, imageOff, locked, exhausted))

	got, err := sel.Select(context.Background(), Predicates{ForImage: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != 1 {
		t.Fatalf("picked credential %d, want 1", got.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSelectVideoPredicates(t *testing.T) {
	sel, mock := newTestSelector(t)

	eligible := poolCredential(1)
	unsupported := poolCredential(2)
	unsupported.Sora2Supported = false
	cooling := poolCredential(3)
	cooling.Sora2CooldownUntil = sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true}
	videoOff := poolCredential(4)
	videoOff.VideoEnabled = false

	mock.ExpectQuery("FROM credentials").
		WillReturnRows(credentialRows(eligible, unsupported, cooling, videoOff))

	got, err := sel.Select(context.Background(), Predicates{ForVideo: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != 1 {
		t.Fatalf("picked credential %d, want 1", got.ID)
	}
}

func TestSelectRequirePro(t *testing.T) {
	sel, mock := newTestSelector(t)

	pro := poolCredential(1)
	pro.PlanType = ProPlanType
	plus := poolCredential(2)

	mock.ExpectQuery("FROM credentials").WillReturnRows(credentialRows(pro, plus))

	got, err := sel.Select(context.Background(), Predicates{ForVideo: true, RequirePro: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != 1 {
		t.Fatalf("picked credential %d, want 1", got.ID)
	}
}

func TestSelectNoCredentials(t *testing.T) {
	sel, mock := newTestSelector(t)

	mock.ExpectQuery("FROM credentials").WillReturnRows(credentialRows())

	if _, err := sel.Select(context.Background(), Predicates{}); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

// A lapsed quota cooldown triggers one synchronous upstream re-check. Here
// the upstream extends the cooldown, so the credential must stay out of the
// video pool.
func TestSelectLapsedCooldownRecheck(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nf/check" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"remaining_count":0,"cooldown_until":"2030-01-01T00:00:00Z"}`))
	}))
	defer upstream.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	log := newTestLogger()
	queries := pg.New(db)
	runtime := config.NewRuntime(nil)
	cfg := &config.Config{
		SoraBaseURL:            upstream.URL,
		UpstreamTimeoutSeconds: 10,
	}
	client := sora.NewClient(log, cfg, runtime, nil)
	refresher := NewRefresher(log, queries, client, cfg)
	defer refresher.Shutdown()

	sel := NewSelector(log, queries, runtime, NewTokenLock(time.Minute), NewLimiter(), refresher)

	lapsed := poolCredential(3)
	lapsed.Sora2CooldownUntil = sql.NullTime{Time: time.Now().Add(-time.Minute), Valid: true}
	extended := lapsed
	extended.Sora2CooldownUntil = sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true}

	mock.ExpectQuery("FROM credentials").WillReturnRows(credentialRows(lapsed))
	mock.ExpectExec("SET sora2_remaining").
		WithArgs(int64(3), 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM credentials WHERE id").WillReturnRows(credentialRows(extended))

	if _, err := sel.Select(context.Background(), Predicates{ForVideo: true}); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

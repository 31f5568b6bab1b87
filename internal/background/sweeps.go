package background

import (
	"context"
	"time"

	"log/slog"

	"github.com/sora2api/sora-proxy/internal/cache"
	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/pool"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

// Sweep cadences. The cache timeout and lock timeout are runtime settings,
// so the sweeps run often enough to track setting changes without re-wiring
// the cron.
const (
	cacheSweepSpec    = "@every 5m"
	lockSweepSpec     = "@every 1m"
	refreshSweepSpec  = "@every 30m"
	cooldownSweepSpec = "@every 10m"

	cooldownSweepBudget = time.Minute
)

// Sweeps bundles the maintenance jobs over the pool and cache state.
type Sweeps struct {
	log       *logger.Logger
	runtime   *config.Runtime
	queries   *pg.Queries
	cache     *cache.Service
	refresher *pool.Refresher
	lock      *pool.TokenLock

	now func() time.Time
}

func NewSweeps(
	log *logger.Logger,
	runtime *config.Runtime,
	queries *pg.Queries,
	cacheService *cache.Service,
	refresher *pool.Refresher,
	lock *pool.TokenLock,
) *Sweeps {
	return &Sweeps{
		log:       log.WithComponent("sweeps"),
		runtime:   runtime,
		queries:   queries,
		cache:     cacheService,
		refresher: refresher,
		lock:      lock,
		now:       time.Now,
	}
}

// RegisterAll wires every sweep into the scheduler.
func (w *Sweeps) RegisterAll(s *Scheduler) error {
	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"cache_eviction", cacheSweepSpec, w.EvictCache},
		{"lock_cleanup", lockSweepSpec, w.CleanupLocks},
		{"token_refresh", refreshSweepSpec, w.KickRefresh},
		{"cooldown_recheck", cooldownSweepSpec, w.RecheckCooldowns},
	}
	for _, job := range jobs {
		if err := s.Register(job.name, job.spec, job.run); err != nil {
			return err
		}
	}
	return nil
}

// EvictCache drops cached media past the configured timeout. The cache
// service itself honors a -1 timeout, so the sweep always runs.
func (w *Sweeps) EvictCache() {
	w.cache.EvictExpired()
}

// CleanupLocks drops image locks whose holder never released, so a crashed
// or hung generation cannot pin a credential past the lock timeout.
func (w *Sweeps) CleanupLocks() {
	if removed := w.lock.CleanupExpired(); removed > 0 {
		w.log.Info("released expired image locks", slog.Int("count", removed))
	}
}

// KickRefresh nudges the token refresher when auto refresh is on. The
// refresher dedupes kicks, so overlapping sweeps are harmless.
func (w *Sweeps) KickRefresh() {
	if !w.runtime.Snapshot().AutoRefreshEnabled {
		return
	}
	w.refresher.KickExpiring()
}

// RecheckCooldowns re-reads the video quota for credentials whose cooldown
// has lapsed since the last sweep. Selection does the same check inline for
// the credential it is about to use; the sweep covers the rest of the pool
// so admin stats stay current even on idle deployments.
func (w *Sweeps) RecheckCooldowns() {
	ctx, cancel := context.WithTimeout(context.Background(), cooldownSweepBudget)
	defer cancel()

	credentials, err := w.queries.ListActiveCredentials(ctx)
	if err != nil {
		w.log.Error("cooldown sweep failed to list credentials", slog.String("error", err.Error()))
		return
	}

	rechecked := 0
	for i := range credentials {
		cred := &credentials[i]
		if !cred.Sora2Supported || !cred.Sora2CooldownUntil.Valid {
			continue
		}
		if cred.Sora2CooldownUntil.Time.After(w.now()) {
			continue
		}
		if err := w.refresher.RefreshSora2Remaining(ctx, cred); err != nil {
			w.log.Warn("cooldown re-check failed",
				slog.Int64("credential_id", cred.ID),
				slog.String("error", err.Error()))
			continue
		}
		rechecked++
	}
	if rechecked > 0 {
		w.log.Info("cooldown sweep refreshed quotas", slog.Int("count", rechecked))
	}
}

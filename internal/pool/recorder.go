package pool

import (
	"context"
	"log/slog"

	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/metrics"
	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

// Recorder applies generation outcomes to a credential's stats row and
// enforces the pool's health policy: a Cloudflare shield hit is never the
// credential's fault and debits nothing, an overloaded upstream debits the
// totals without growing the error streak, a 401 marks the credential
// expired, and a streak at or past the ban threshold disables it.
type Recorder struct {
	log     *logger.Logger
	queries *pg.Queries
	runtime *config.Runtime
}

func NewRecorder(log *logger.Logger, queries *pg.Queries, runtime *config.Runtime) *Recorder {
	return &Recorder{
		log:     log.WithComponent("recorder"),
		queries: queries,
		runtime: runtime,
	}
}

// RecordUsage counts a started generation against the credential. Called
// once per accepted creation, before polling begins.
func (r *Recorder) RecordUsage(ctx context.Context, credentialID int64, isVideo bool) {
	if err := r.queries.RecordUsage(ctx, credentialID, isVideo); err != nil {
		r.log.Warn("record usage failed", slog.Int64("credential_id", credentialID), slog.Any("error", err))
	}
	if err := r.queries.TouchCredentialUsage(ctx, credentialID); err != nil {
		r.log.Warn("touch credential usage failed", slog.Int64("credential_id", credentialID), slog.Any("error", err))
	}
}

// RecordSuccess resets the credential's consecutive-error streak.
func (r *Recorder) RecordSuccess(ctx context.Context, credentialID int64) {
	if err := r.queries.RecordSuccess(ctx, credentialID); err != nil {
		r.log.Warn("record success failed", slog.Int64("credential_id", credentialID), slog.Any("error", err))
	}
}

// RecordFailure debits a failed generation. Recording failures must never
// mask the generation error itself, so storage errors are logged and
// swallowed here.
func (r *Recorder) RecordFailure(ctx context.Context, credentialID int64, cause error) {
	if cause == nil {
		return
	}
	// A Cloudflare challenge or upstream 429 says nothing about the
	// credential, only about the egress path.
	if sora.IsCfShield(cause) {
		return
	}

	overload := sora.IsOverload(cause)
	consecutive, err := r.queries.RecordError(ctx, credentialID, !overload)
	if err != nil {
		r.log.Warn("record error failed", slog.Int64("credential_id", credentialID), slog.Any("error", err))
		return
	}

	if sora.IsAuthExpired(cause) {
		if err := r.queries.MarkCredentialExpired(ctx, credentialID); err != nil {
			r.log.Warn("mark credential expired failed", slog.Int64("credential_id", credentialID), slog.Any("error", err))
		} else {
			metrics.CredentialsDisabled.WithLabelValues("expired").Inc()
			r.log.Warn("credential marked expired after upstream 401", slog.Int64("credential_id", credentialID))
		}
		return
	}

	if overload {
		return
	}
	threshold := r.runtime.Snapshot().ErrorBanThreshold
	if threshold <= 0 || int(consecutive) < threshold {
		return
	}
	if err := r.queries.SetCredentialEnabled(ctx, credentialID, false); err != nil {
		r.log.Warn("disable credential failed", slog.Int64("credential_id", credentialID), slog.Any("error", err))
		return
	}
	metrics.CredentialsDisabled.WithLabelValues("error_streak").Inc()
	r.log.Warn("credential disabled after consecutive errors",
		slog.Int64("credential_id", credentialID),
		slog.Int("consecutive", int(consecutive)),
		slog.Int("threshold", threshold))
}

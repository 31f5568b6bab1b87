package pool

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"log/slog"

	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/metrics"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

// ProPlanType is the subscription label required by pro models.
const ProPlanType = "chatgpt_pro"

// ErrNoCredentials means the filters left nothing to pick from. Callers map
// it to a user-facing message depending on which predicate emptied the pool.
var ErrNoCredentials = errors.New("no eligible credentials")

// Predicates narrows credential selection for one request.
type Predicates struct {
	ForImage   bool
	ForVideo   bool
	RequirePro bool
}

// Selector picks a credential for a generation request. Filtering runs
// against fresh rows on every call; the winner is drawn uniformly from the
// survivors so load spreads across the pool.
type Selector struct {
	log       *logger.Logger
	queries   *pg.Queries
	runtime   *config.Runtime
	lock      *TokenLock
	limiter   *Limiter
	refresher *Refresher
	now       func() time.Time
}

func NewSelector(log *logger.Logger, queries *pg.Queries, runtime *config.Runtime, lock *TokenLock, limiter *Limiter, refresher *Refresher) *Selector {
	return &Selector{
		log:       log.WithComponent("selector"),
		queries:   queries,
		runtime:   runtime,
		lock:      lock,
		limiter:   limiter,
		refresher: refresher,
		now:       time.Now,
	}
}

// Lock exposes the image lock shared with the orchestrator.
func (s *Selector) Lock() *TokenLock { return s.lock }

// Limiter exposes the concurrency limiter shared with the orchestrator.
func (s *Selector) Limiter() *Limiter { return s.limiter }

// Select returns one eligible credential or ErrNoCredentials.
func (s *Selector) Select(ctx context.Context, p Predicates) (*pg.Credential, error) {
	if s.runtime.Snapshot().AutoRefreshEnabled && s.refresher != nil {
		s.refresher.KickExpiring()
	}

	credentials, err := s.queries.ListActiveCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if len(credentials) == 0 {
		return nil, ErrNoCredentials
	}

	if p.RequirePro {
		credentials = filter(credentials, func(c *pg.Credential) bool {
			return c.PlanType == ProPlanType
		})
		if len(credentials) == 0 {
			return nil, ErrNoCredentials
		}
	}

	if p.ForVideo {
		credentials = s.filterForVideo(ctx, credentials)
		metrics.CredentialsEligible.WithLabelValues("video").Set(float64(len(credentials)))
		if len(credentials) == 0 {
			return nil, ErrNoCredentials
		}
	}

	if p.ForImage {
		credentials = filter(credentials, func(c *pg.Credential) bool {
			return c.ImageEnabled && !s.lock.IsLocked(c.ID) && s.limiter.CanUseImage(c.ID)
		})
		metrics.CredentialsEligible.WithLabelValues("image").Set(float64(len(credentials)))
		if len(credentials) == 0 {
			return nil, ErrNoCredentials
		}
	}

	picked := credentials[rand.Intn(len(credentials))]
	s.log.Debug("credential selected",
		slog.Int64("credential_id", picked.ID),
		slog.String("email", picked.Email),
		slog.Int("eligible", len(credentials)),
		slog.Bool("for_image", p.ForImage),
		slog.Bool("for_video", p.ForVideo))
	return &picked, nil
}

// filterForVideo applies the video predicates. A credential whose quota
// cooldown has just lapsed gets one synchronous upstream re-check; the
// upstream may extend the cooldown, in which case the credential stays out.
func (s *Selector) filterForVideo(ctx context.Context, credentials []pg.Credential) []pg.Credential {
	eligible := credentials[:0]
	for _, c := range credentials {
		if !c.VideoEnabled || !c.Sora2Supported {
			continue
		}

		if c.Sora2CooldownUntil.Valid && !c.Sora2CooldownUntil.Time.After(s.now()) && s.refresher != nil {
			if err := s.refresher.RefreshSora2Remaining(ctx, &c); err != nil {
				s.log.Warn("sora2 quota re-check failed",
					slog.Int64("credential_id", c.ID),
					slog.String("error", err.Error()))
			}
			fresh, err := s.queries.GetCredential(ctx, c.ID)
			if err != nil {
				continue
			}
			c = fresh
		}

		if c.Sora2CooldownUntil.Valid && c.Sora2CooldownUntil.Time.After(s.now()) {
			continue
		}
		if s.limiter != nil && !s.limiter.CanUseVideo(c.ID) {
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible
}

func filter(credentials []pg.Credential, keep func(*pg.Credential) bool) []pg.Credential {
	out := credentials[:0]
	for i := range credentials {
		if keep(&credentials[i]) {
			out = append(out, credentials[i])
		}
	}
	return out
}

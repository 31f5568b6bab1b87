package pool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"golang.org/x/oauth2"

	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

// refreshWindow is how close to expiry a credential gets before the
// refresher rotates its access token.
const refreshWindow = 24 * time.Hour

// Refresher rotates access tokens and re-checks quota cooldowns. Token
// rotation runs on a single background worker so the selection hot path
// never waits on the auth server: the scheduler only kicks the worker.
type Refresher struct {
	log        *logger.Logger
	queries    *pg.Queries
	client     *sora.Client
	authURL    string
	sessionURL string
	httpClient *http.Client

	kick     chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

func NewRefresher(log *logger.Logger, queries *pg.Queries, client *sora.Client, cfg *config.Config) *Refresher {
	r := &Refresher{
		log:        log.WithComponent("refresher"),
		queries:    queries,
		client:     client,
		authURL:    cfg.AuthRefreshURL,
		sessionURL: cfg.SessionAuthURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		kick:       make(chan struct{}, 1),
		shutdown:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.worker()
	return r
}

func (r *Refresher) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.kick:
			r.RefreshExpiring(context.Background())
		case <-r.shutdown:
			return
		}
	}
}

// KickExpiring schedules a refresh sweep without blocking. A sweep already
// pending absorbs the kick.
func (r *Refresher) KickExpiring() {
	if r.closed.Load() {
		return
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Shutdown stops the background worker. Idempotent.
func (r *Refresher) Shutdown() {
	if r == nil || !r.closed.CompareAndSwap(false, true) {
		return
	}
	close(r.shutdown)
	r.wg.Wait()
}

// RefreshExpiring rotates tokens for credentials expiring inside the window.
// Credentials without a refresh token are skipped.
func (r *Refresher) RefreshExpiring(ctx context.Context) {
	credentials, err := r.queries.ListCredentialsExpiringWithin(ctx, refreshWindow)
	if err != nil {
		r.log.Error("failed to list expiring credentials", slog.String("error", err.Error()))
		return
	}
	if len(credentials) == 0 {
		return
	}

	r.log.Info("refreshing expiring credentials", slog.Int("count", len(credentials)))
	for i := range credentials {
		cred := &credentials[i]
		if cred.RefreshToken == "" {
			continue
		}
		if err := r.RefreshAccessToken(ctx, cred); err != nil {
			r.log.Error("token refresh failed",
				slog.Int64("credential_id", cred.ID),
				slog.String("email", cred.Email),
				slog.String("error", err.Error()))
		}
	}
}

// ExchangeRefreshToken runs the refresh grant and returns the new token
// without touching the database. The admin conversion and import flows use
// it before any credential row exists.
func (r *Refresher) ExchangeRefreshToken(ctx context.Context, refreshToken, clientID string) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: r.authURL},
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh grant failed: %w", err)
	}
	return token, nil
}

// RefreshAccessToken exchanges the credential's refresh token for a new
// access token and persists it.
func (r *Refresher) RefreshAccessToken(ctx context.Context, cred *pg.Credential) error {
	if cred.RefreshToken == "" {
		return fmt.Errorf("credential %d has no refresh token", cred.ID)
	}

	token, err := r.ExchangeRefreshToken(ctx, cred.RefreshToken, cred.ClientID)
	if err != nil {
		return err
	}

	expiresAt := sql.NullTime{}
	if !token.Expiry.IsZero() {
		expiresAt = sql.NullTime{Time: token.Expiry, Valid: true}
	}

	rotated := ""
	if token.RefreshToken != "" && token.RefreshToken != cred.RefreshToken {
		rotated = token.RefreshToken
	}
	if err := r.queries.UpdateCredentialTokens(ctx, cred.ID, token.AccessToken, rotated, expiresAt); err != nil {
		return err
	}

	r.log.Info("access token refreshed",
		slog.Int64("credential_id", cred.ID),
		slog.String("email", cred.Email),
		slog.Time("expires_at", token.Expiry))
	return nil
}

// sessionResponse is the subset of the session endpoint payload we read.
type sessionResponse struct {
	AccessToken string `json:"accessToken"`
	Expires     string `json:"expires"`
	User        struct {
		Email string `json:"email"`
	} `json:"user"`
}

// SessionToAccessToken converts a web session token into an API access
// token. Used by the admin import flow.
func (r *Refresher) SessionToAccessToken(ctx context.Context, sessionToken string) (string, string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.sessionURL, nil)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: "__Secure-next-auth.session-token", Value: sessionToken})
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", time.Time{}, fmt.Errorf("session request failed: %d", resp.StatusCode)
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to decode session response: %w", err)
	}
	if session.AccessToken == "" {
		return "", "", time.Time{}, fmt.Errorf("session has no access token")
	}

	expiry := time.Time{}
	if session.Expires != "" {
		if parsed, err := time.Parse(time.RFC3339, session.Expires); err == nil {
			expiry = parsed
		}
	}
	return session.AccessToken, session.User.Email, expiry, nil
}

// RefreshSora2Remaining re-reads the quota for a credential whose cooldown
// has just expired and stores the result. When the upstream still reports a
// cooldown the credential stays out of the video pool.
func (r *Refresher) RefreshSora2Remaining(ctx context.Context, cred *pg.Credential) error {
	limits, err := r.client.Sora2Limits(ctx, sora.Auth{Token: cred.AccessToken, ProxyURL: cred.ProxyURL})
	if err != nil {
		return fmt.Errorf("failed to read sora2 limits: %w", err)
	}

	cooldown := sql.NullTime{}
	if limits.CooldownUntil != nil && *limits.CooldownUntil != "" {
		if parsed, err := time.Parse(time.RFC3339, *limits.CooldownUntil); err == nil {
			cooldown = sql.NullTime{Time: parsed, Valid: true}
		}
	}
	if err := r.queries.UpdateSora2Quota(ctx, cred.ID, int32(limits.RemainingCount), cooldown); err != nil {
		return err
	}

	r.log.Info("sora2 quota refreshed",
		slog.Int64("credential_id", cred.ID),
		slog.Int("remaining", limits.RemainingCount),
		slog.Bool("cooling", cooldown.Valid))
	return nil
}

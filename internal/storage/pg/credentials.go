package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const credentialColumns = `
	id, email, access_token, session_token, refresh_token, client_id, proxy_url,
	remark, enabled, expired, expires_at, cooled_until, plan_type, plan_expires_at,
	sora2_supported, sora2_remaining, sora2_cooldown_until, image_enabled,
	video_enabled, image_concurrency, video_concurrency, last_used_at, use_count,
	created_at, updated_at`

func scanCredential(row interface{ Scan(...interface{}) error }) (Credential, error) {
	var c Credential
	err := row.Scan(
		&c.ID, &c.Email, &c.AccessToken, &c.SessionToken, &c.RefreshToken,
		&c.ClientID, &c.ProxyURL, &c.Remark, &c.Enabled, &c.Expired,
		&c.ExpiresAt, &c.CooledUntil, &c.PlanType, &c.PlanExpiresAt,
		&c.Sora2Supported, &c.Sora2Remaining, &c.Sora2CooldownUntil,
		&c.ImageEnabled, &c.VideoEnabled, &c.ImageConcurrency, &c.VideoConcurrency,
		&c.LastUsedAt, &c.UseCount, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func (q *Queries) listCredentials(ctx context.Context, query string, args ...interface{}) ([]Credential, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}
	return creds, nil
}

// ListCredentials returns every credential, newest last.
func (q *Queries) ListCredentials(ctx context.Context) ([]Credential, error) {
	return q.listCredentials(ctx, `SELECT`+credentialColumns+` FROM credentials ORDER BY id`)
}

// ListActiveCredentials returns credentials that pass the base selection
// predicate: enabled, not marked expired, cooldown elapsed, access token and
// plan not past expiry. Modality filters are applied by the caller.
func (q *Queries) ListActiveCredentials(ctx context.Context) ([]Credential, error) {
	return q.listCredentials(ctx, `
		SELECT`+credentialColumns+`
		FROM credentials
		WHERE enabled
		  AND NOT expired
		  AND (cooled_until IS NULL OR cooled_until <= NOW())
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND (plan_expires_at IS NULL OR plan_expires_at > NOW())
		ORDER BY id`)
}

// ListCredentialsExpiringWithin returns active credentials whose access token
// expires within the given window. Used by the refresh sweep.
func (q *Queries) ListCredentialsExpiringWithin(ctx context.Context, window time.Duration) ([]Credential, error) {
	return q.listCredentials(ctx, `
		SELECT`+credentialColumns+`
		FROM credentials
		WHERE enabled
		  AND NOT expired
		  AND expires_at IS NOT NULL
		  AND expires_at <= NOW() + $1::interval
		ORDER BY expires_at`, fmt.Sprintf("%d seconds", int(window.Seconds())))
}

// GetCredential returns one credential by ID.
func (q *Queries) GetCredential(ctx context.Context, id int64) (Credential, error) {
	c, err := scanCredential(q.db.QueryRowContext(ctx,
		`SELECT`+credentialColumns+` FROM credentials WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, err
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to get credential %d: %w", id, err)
	}
	return c, nil
}

// GetCredentialByEmail returns one credential by its email natural key.
func (q *Queries) GetCredentialByEmail(ctx context.Context, email string) (Credential, error) {
	c, err := scanCredential(q.db.QueryRowContext(ctx,
		`SELECT`+credentialColumns+` FROM credentials WHERE email = $1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, err
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to get credential %s: %w", email, err)
	}
	return c, nil
}

type CreateCredentialParams struct {
	Email            string
	AccessToken      string
	SessionToken     string
	RefreshToken     string
	ClientID         string
	ProxyURL         string
	Remark           string
	PlanType         string
	ExpiresAt        sql.NullTime
	PlanExpiresAt    sql.NullTime
	Sora2Supported   bool
	ImageConcurrency int32
	VideoConcurrency int32
}

// CreateCredential inserts a new credential and its stats row.
func (q *Queries) CreateCredential(ctx context.Context, arg CreateCredentialParams) (Credential, error) {
	c, err := scanCredential(q.db.QueryRowContext(ctx, `
		INSERT INTO credentials (
			email, access_token, session_token, refresh_token, client_id,
			proxy_url, remark, plan_type, expires_at, plan_expires_at,
			sora2_supported, image_concurrency, video_concurrency
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING`+credentialColumns,
		arg.Email, arg.AccessToken, arg.SessionToken, arg.RefreshToken,
		arg.ClientID, arg.ProxyURL, arg.Remark, arg.PlanType, arg.ExpiresAt,
		arg.PlanExpiresAt, arg.Sora2Supported, arg.ImageConcurrency, arg.VideoConcurrency,
	))
	if err != nil {
		return Credential{}, fmt.Errorf("failed to create credential: %w", err)
	}

	if _, err := q.db.ExecContext(ctx, `
		INSERT INTO credential_stats (credential_id) VALUES ($1)
		ON CONFLICT (credential_id) DO NOTHING`, c.ID); err != nil {
		return Credential{}, fmt.Errorf("failed to create credential stats: %w", err)
	}

	return c, nil
}

// UpsertCredentialByEmail inserts or refreshes a credential keyed by email.
// Used by bootstrap seeding and batch import; re-imports re-enable the row and
// clear the expired flag.
func (q *Queries) UpsertCredentialByEmail(ctx context.Context, arg CreateCredentialParams) (Credential, error) {
	c, err := scanCredential(q.db.QueryRowContext(ctx, `
		INSERT INTO credentials (
			email, access_token, session_token, refresh_token, client_id,
			proxy_url, remark, plan_type, expires_at, plan_expires_at,
			sora2_supported, image_concurrency, video_concurrency
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (email) DO UPDATE SET
			access_token = COALESCE(NULLIF(EXCLUDED.access_token, ''), credentials.access_token),
			session_token = COALESCE(NULLIF(EXCLUDED.session_token, ''), credentials.session_token),
			refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), credentials.refresh_token),
			client_id = COALESCE(NULLIF(EXCLUDED.client_id, ''), credentials.client_id),
			proxy_url = COALESCE(NULLIF(EXCLUDED.proxy_url, ''), credentials.proxy_url),
			remark = COALESCE(NULLIF(EXCLUDED.remark, ''), credentials.remark),
			plan_type = COALESCE(NULLIF(EXCLUDED.plan_type, ''), credentials.plan_type),
			expires_at = COALESCE(EXCLUDED.expires_at, credentials.expires_at),
			enabled = TRUE,
			expired = FALSE,
			updated_at = NOW()
		RETURNING`+credentialColumns,
		arg.Email, arg.AccessToken, arg.SessionToken, arg.RefreshToken,
		arg.ClientID, arg.ProxyURL, arg.Remark, arg.PlanType, arg.ExpiresAt,
		arg.PlanExpiresAt, arg.Sora2Supported, arg.ImageConcurrency, arg.VideoConcurrency,
	))
	if err != nil {
		return Credential{}, fmt.Errorf("failed to upsert credential %s: %w", arg.Email, err)
	}

	if _, err := q.db.ExecContext(ctx, `
		INSERT INTO credential_stats (credential_id) VALUES ($1)
		ON CONFLICT (credential_id) DO NOTHING`, c.ID); err != nil {
		return Credential{}, fmt.Errorf("failed to create credential stats: %w", err)
	}

	return c, nil
}

type UpdateCredentialParams struct {
	ID               int64
	Email            string
	AccessToken      string
	SessionToken     string
	RefreshToken     string
	ClientID         string
	ProxyURL         string
	Remark           string
	PlanType         string
	Enabled          bool
	ImageEnabled     bool
	VideoEnabled     bool
	ImageConcurrency int32
	VideoConcurrency int32
}

// UpdateCredential applies an admin edit to a credential.
func (q *Queries) UpdateCredential(ctx context.Context, arg UpdateCredentialParams) (Credential, error) {
	c, err := scanCredential(q.db.QueryRowContext(ctx, `
		UPDATE credentials SET
			email = $2, access_token = $3, session_token = $4, refresh_token = $5,
			client_id = $6, proxy_url = $7, remark = $8, plan_type = $9,
			enabled = $10, image_enabled = $11, video_enabled = $12,
			image_concurrency = $13, video_concurrency = $14, updated_at = NOW()
		WHERE id = $1
		RETURNING`+credentialColumns,
		arg.ID, arg.Email, arg.AccessToken, arg.SessionToken, arg.RefreshToken,
		arg.ClientID, arg.ProxyURL, arg.Remark, arg.PlanType, arg.Enabled,
		arg.ImageEnabled, arg.VideoEnabled, arg.ImageConcurrency, arg.VideoConcurrency,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, err
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to update credential %d: %w", arg.ID, err)
	}
	return c, nil
}

// UpdateCredentialTokens stores a refreshed access token and its expiry, and
// clears the expired flag. refreshToken replaces the stored one only when the
// grant rotated it.
func (q *Queries) UpdateCredentialTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt sql.NullTime) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE credentials
		SET access_token = $2,
			refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
			expires_at = $4, expired = FALSE, updated_at = NOW()
		WHERE id = $1`, id, accessToken, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update credential %d tokens: %w", id, err)
	}
	return nil
}

// SetCredentialEnabled flips the enabled flag.
func (q *Queries) SetCredentialEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE credentials SET enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to set credential %d enabled=%v: %w", id, enabled, err)
	}
	return nil
}

// MarkCredentialExpired records an upstream 401: the access token is dead and
// the credential leaves the pool until re-imported or refreshed.
func (q *Queries) MarkCredentialExpired(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE credentials SET expired = TRUE, enabled = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark credential %d expired: %w", id, err)
	}
	return nil
}

// SetCredentialCooldown parks a credential until the given time.
func (q *Queries) SetCredentialCooldown(ctx context.Context, id int64, until sql.NullTime) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE credentials SET cooled_until = $2, updated_at = NOW() WHERE id = $1`, id, until)
	if err != nil {
		return fmt.Errorf("failed to set credential %d cooldown: %w", id, err)
	}
	return nil
}

// UpdateSora2Quota stores the refreshed video quota and cooldown.
func (q *Queries) UpdateSora2Quota(ctx context.Context, id int64, remaining int32, cooldownUntil sql.NullTime) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE credentials
		SET sora2_remaining = $2, sora2_cooldown_until = $3, updated_at = NOW()
		WHERE id = $1`, id, remaining, cooldownUntil)
	if err != nil {
		return fmt.Errorf("failed to update credential %d sora2 quota: %w", id, err)
	}
	return nil
}

// SetSora2Supported records whether the account can use video generation.
func (q *Queries) SetSora2Supported(ctx context.Context, id int64, supported bool) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE credentials SET sora2_supported = $2, updated_at = NOW() WHERE id = $1`, id, supported)
	if err != nil {
		return fmt.Errorf("failed to set credential %d sora2 support: %w", id, err)
	}
	return nil
}

// TouchCredentialUsage bumps the usage counter and last-used timestamp.
func (q *Queries) TouchCredentialUsage(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE credentials SET use_count = use_count + 1, last_used_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch credential %d usage: %w", id, err)
	}
	return nil
}

// DeleteCredential removes a credential; stats cascade.
func (q *Queries) DeleteCredential(ctx context.Context, id int64) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential %d: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteDisabledCredentials removes every disabled credential and reports how
// many rows went away.
func (q *Queries) DeleteDisabledCredentials(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM credentials WHERE NOT enabled`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete disabled credentials: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted credentials: %w", err)
	}
	return n, nil
}

// EnableAllCredentials re-enables every credential that is not token-expired.
func (q *Queries) EnableAllCredentials(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE credentials SET enabled = TRUE, updated_at = NOW()
		WHERE NOT enabled AND NOT expired`)
	if err != nil {
		return 0, fmt.Errorf("failed to enable credentials: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count enabled credentials: %w", err)
	}
	return n, nil
}

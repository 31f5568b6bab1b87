package pg

import (
	"context"
	"fmt"

	"github.com/sora2api/sora-proxy/internal/config"
)

// GetSettings loads the persisted runtime settings row.
func (q *Queries) GetSettings(ctx context.Context) (*config.Settings, error) {
	s := &config.Settings{}
	err := q.db.QueryRowContext(ctx, `
		SELECT api_key, admin_username, admin_password, error_ban_threshold,
			proxy_enabled, proxy_url,
			watermark_free_enabled, parse_method, custom_parse_url, custom_parse_token,
			cache_enabled, cache_timeout_secs, cache_base_url,
			image_timeout_secs, video_timeout_secs,
			auto_refresh_enabled
		FROM settings WHERE id = 1`).Scan(
		&s.APIKey, &s.AdminUsername, &s.AdminPassword, &s.ErrorBanThreshold,
		&s.ProxyEnabled, &s.ProxyURL,
		&s.WatermarkFreeEnabled, &s.ParseMethod, &s.CustomParseURL, &s.CustomParseToken,
		&s.CacheEnabled, &s.CacheTimeout, &s.CacheBaseURL,
		&s.ImageTimeout, &s.VideoTimeout,
		&s.AutoRefreshEnabled,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return s, nil
}

// SaveSettings persists the full settings row. Callers swap the runtime
// snapshot only after this write succeeds.
func (q *Queries) SaveSettings(ctx context.Context, s *config.Settings) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE settings SET
			api_key = $1, admin_username = $2, admin_password = $3, error_ban_threshold = $4,
			proxy_enabled = $5, proxy_url = $6,
			watermark_free_enabled = $7, parse_method = $8, custom_parse_url = $9, custom_parse_token = $10,
			cache_enabled = $11, cache_timeout_secs = $12, cache_base_url = $13,
			image_timeout_secs = $14, video_timeout_secs = $15,
			auto_refresh_enabled = $16,
			updated_at = NOW()
		WHERE id = 1`,
		s.APIKey, s.AdminUsername, s.AdminPassword, s.ErrorBanThreshold,
		s.ProxyEnabled, s.ProxyURL,
		s.WatermarkFreeEnabled, s.ParseMethod, s.CustomParseURL, s.CustomParseToken,
		s.CacheEnabled, s.CacheTimeout, s.CacheBaseURL,
		s.ImageTimeout, s.VideoTimeout,
		s.AutoRefreshEnabled,
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

package pg

import (
	"context"
	"fmt"
)

// rollExpr resets a daily counter when today_date is stale. Keeping the roll
// inside the upsert makes the counters safe under concurrent writers.
const statsUpsertPrefix = `
	INSERT INTO credential_stats (
		credential_id, image_count, video_count, error_count,
		today_image_count, today_video_count, today_error_count, today_date
	)`

// RecordUsage counts one generation start for the credential.
func (q *Queries) RecordUsage(ctx context.Context, credentialID int64, isVideo bool) error {
	_, err := q.db.ExecContext(ctx, statsUpsertPrefix+`
		VALUES ($1,
			CASE WHEN $2 THEN 0 ELSE 1 END,
			CASE WHEN $2 THEN 1 ELSE 0 END,
			0,
			CASE WHEN $2 THEN 0 ELSE 1 END,
			CASE WHEN $2 THEN 1 ELSE 0 END,
			0, CURRENT_DATE)
		ON CONFLICT (credential_id) DO UPDATE SET
			image_count = credential_stats.image_count + CASE WHEN $2 THEN 0 ELSE 1 END,
			video_count = credential_stats.video_count + CASE WHEN $2 THEN 1 ELSE 0 END,
			today_image_count = CASE WHEN credential_stats.today_date = CURRENT_DATE
				THEN credential_stats.today_image_count ELSE 0 END + CASE WHEN $2 THEN 0 ELSE 1 END,
			today_video_count = CASE WHEN credential_stats.today_date = CURRENT_DATE
				THEN credential_stats.today_video_count ELSE 0 END + CASE WHEN $2 THEN 1 ELSE 0 END,
			today_error_count = CASE WHEN credential_stats.today_date = CURRENT_DATE
				THEN credential_stats.today_error_count ELSE 0 END,
			today_date = CURRENT_DATE`,
		credentialID, isVideo)
	if err != nil {
		return fmt.Errorf("failed to record usage for credential %d: %w", credentialID, err)
	}
	return nil
}

// RecordSuccess clears the consecutive error streak after a completed
// generation.
func (q *Queries) RecordSuccess(ctx context.Context, credentialID int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE credential_stats SET consecutive_errors = 0
		WHERE credential_id = $1`, credentialID)
	if err != nil {
		return fmt.Errorf("failed to record success for credential %d: %w", credentialID, err)
	}
	return nil
}

// RecordError counts one failed generation. countsConsecutive is false for
// overload-class failures, which debit the totals but reset the streak: an
// overloaded upstream says nothing about the credential itself. The new
// streak length is returned so the caller can apply the ban threshold.
func (q *Queries) RecordError(ctx context.Context, credentialID int64, countsConsecutive bool) (int32, error) {
	var consecutive int32
	err := q.db.QueryRowContext(ctx, statsUpsertPrefix+`
		VALUES ($1, 0, 0, 1, 0, 0, 1, CURRENT_DATE)
		ON CONFLICT (credential_id) DO UPDATE SET
			error_count = credential_stats.error_count + 1,
			today_image_count = CASE WHEN credential_stats.today_date = CURRENT_DATE
				THEN credential_stats.today_image_count ELSE 0 END,
			today_video_count = CASE WHEN credential_stats.today_date = CURRENT_DATE
				THEN credential_stats.today_video_count ELSE 0 END,
			today_error_count = CASE WHEN credential_stats.today_date = CURRENT_DATE
				THEN credential_stats.today_error_count ELSE 0 END + 1,
			today_date = CURRENT_DATE,
			consecutive_errors = CASE WHEN $2
				THEN credential_stats.consecutive_errors + 1
				ELSE 0 END,
			last_error_at = NOW()
		RETURNING consecutive_errors`,
		credentialID, countsConsecutive).Scan(&consecutive)
	if err != nil {
		return 0, fmt.Errorf("failed to record error for credential %d: %w", credentialID, err)
	}
	return consecutive, nil
}

// ResetConsecutiveErrors zeroes the streak, e.g. when an admin re-enables a
// credential. Lifetime error totals are preserved.
func (q *Queries) ResetConsecutiveErrors(ctx context.Context, credentialID int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE credential_stats SET consecutive_errors = 0
		WHERE credential_id = $1`, credentialID)
	if err != nil {
		return fmt.Errorf("failed to reset consecutive errors for credential %d: %w", credentialID, err)
	}
	return nil
}

// ResetAllConsecutiveErrors zeroes every streak. The bulk re-enable admin
// action uses this alongside EnableAllCredentials.
func (q *Queries) ResetAllConsecutiveErrors(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `UPDATE credential_stats SET consecutive_errors = 0`)
	if err != nil {
		return fmt.Errorf("failed to reset consecutive errors: %w", err)
	}
	return nil
}

// GetStats returns the stats row for one credential.
func (q *Queries) GetStats(ctx context.Context, credentialID int64) (CredentialStats, error) {
	var s CredentialStats
	err := q.db.QueryRowContext(ctx, `
		SELECT credential_id, image_count, video_count, error_count,
			today_image_count, today_video_count, today_error_count, today_date,
			consecutive_errors, last_error_at
		FROM credential_stats WHERE credential_id = $1`, credentialID).Scan(
		&s.CredentialID, &s.ImageCount, &s.VideoCount, &s.ErrorCount,
		&s.TodayImageCount, &s.TodayVideoCount, &s.TodayErrorCount, &s.TodayDate,
		&s.ConsecutiveErrors, &s.LastErrorAt,
	)
	if err != nil {
		return CredentialStats{}, fmt.Errorf("failed to get stats for credential %d: %w", credentialID, err)
	}
	return s, nil
}

// ListStats returns stats for every credential that has a row.
func (q *Queries) ListStats(ctx context.Context) ([]CredentialStats, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT credential_id, image_count, video_count, error_count,
			today_image_count, today_video_count, today_error_count, today_date,
			consecutive_errors, last_error_at
		FROM credential_stats ORDER BY credential_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var all []CredentialStats
	for rows.Next() {
		var s CredentialStats
		if err := rows.Scan(
			&s.CredentialID, &s.ImageCount, &s.VideoCount, &s.ErrorCount,
			&s.TodayImageCount, &s.TodayVideoCount, &s.TodayErrorCount, &s.TodayDate,
			&s.ConsecutiveErrors, &s.LastErrorAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		all = append(all, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats: %w", err)
	}
	return all, nil
}

package pg

import (
	"context"
	"database/sql"
	"fmt"
)

type CreateRequestLogParams struct {
	CredentialID sql.NullInt64
	TaskID       sql.NullString
	Operation    string
	RequestBody  string
}

// CreateRequestLog opens an audit row with in-flight sentinels (-1 status,
// -1 duration). Returns the row ID for the later finish write.
func (q *Queries) CreateRequestLog(ctx context.Context, arg CreateRequestLogParams) (int64, error) {
	var id int64
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO request_logs (credential_id, task_id, operation, request_body)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		arg.CredentialID, arg.TaskID, arg.Operation, arg.RequestBody).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create request log: %w", err)
	}
	return id, nil
}

type FinishRequestLogParams struct {
	ID           int64
	TaskID       sql.NullString
	StatusCode   int32
	ResponseBody string
	DurationSecs float64
}

// FinishRequestLog records the outcome of an operation exactly once.
func (q *Queries) FinishRequestLog(ctx context.Context, arg FinishRequestLogParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE request_logs
		SET task_id = COALESCE($2, task_id), status_code = $3, response_body = $4,
			duration_secs = $5, updated_at = NOW()
		WHERE id = $1 AND status_code = -1`,
		arg.ID, arg.TaskID, arg.StatusCode, arg.ResponseBody, arg.DurationSecs)
	if err != nil {
		return fmt.Errorf("failed to finish request log %d: %w", arg.ID, err)
	}
	return nil
}

// ClearRequestLogs wipes the audit trail and returns how many rows went.
func (q *Queries) ClearRequestLogs(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM request_logs`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear request logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared request logs: %w", err)
	}
	return n, nil
}

// ListRecentRequestLogs returns the newest audit rows, most recent first.
func (q *Queries) ListRecentRequestLogs(ctx context.Context, limit int32) ([]RequestLog, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, credential_id, task_id, operation, request_body, response_body,
			status_code, duration_secs, created_at, updated_at
		FROM request_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query request logs: %w", err)
	}
	defer rows.Close()

	var logs []RequestLog
	for rows.Next() {
		var l RequestLog
		if err := rows.Scan(
			&l.ID, &l.CredentialID, &l.TaskID, &l.Operation, &l.RequestBody,
			&l.ResponseBody, &l.StatusCode, &l.DurationSecs, &l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan request log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating request logs: %w", err)
	}
	return logs, nil
}

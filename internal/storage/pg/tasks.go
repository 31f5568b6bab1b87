package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type CreateTaskParams struct {
	TaskID       string
	CredentialID int64
	Model        string
	Prompt       string
}

// CreateTask records a generation accepted by the upstream.
func (q *Queries) CreateTask(ctx context.Context, arg CreateTaskParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, credential_id, model, prompt)
		VALUES ($1, $2, $3, $4)`,
		arg.TaskID, arg.CredentialID, arg.Model, arg.Prompt)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", arg.TaskID, err)
	}
	return nil
}

// UpdateTaskProgress stores the latest progress for an in-flight task.
func (q *Queries) UpdateTaskProgress(ctx context.Context, taskID string, progress float64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET progress = $2 WHERE task_id = $1 AND status = $3`,
		taskID, progress, TaskStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update task %s progress: %w", taskID, err)
	}
	return nil
}

// CompleteTask marks a task finished with its result URLs.
func (q *Queries) CompleteTask(ctx context.Context, taskID string, resultURLs []string) error {
	urls, err := json.Marshal(resultURLs)
	if err != nil {
		return fmt.Errorf("failed to encode result urls: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, progress = 100, result_urls = $3, completed_at = NOW()
		WHERE task_id = $1`,
		taskID, TaskStatusCompleted, urls)
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}
	return nil
}

// FailTask marks a task failed with the reason.
func (q *Queries) FailTask(ctx context.Context, taskID, message string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, error_message = $3, completed_at = NOW()
		WHERE task_id = $1`,
		taskID, TaskStatusFailed, message)
	if err != nil {
		return fmt.Errorf("failed to fail task %s: %w", taskID, err)
	}
	return nil
}

func scanTask(row interface{ Scan(...interface{}) error }) (Task, error) {
	var t Task
	var urls []byte
	err := row.Scan(
		&t.ID, &t.TaskID, &t.CredentialID, &t.Model, &t.Prompt, &t.Status,
		&t.Progress, &urls, &t.ErrorMessage, &t.CreatedAt, &t.CompletedAt,
	)
	if err != nil {
		return Task{}, err
	}
	if len(urls) > 0 {
		if err := json.Unmarshal(urls, &t.ResultURLs); err != nil {
			return Task{}, fmt.Errorf("failed to decode result urls: %w", err)
		}
	}
	return t, nil
}

// GetTaskByTaskID looks a task up by its upstream ID.
func (q *Queries) GetTaskByTaskID(ctx context.Context, taskID string) (Task, error) {
	t, err := scanTask(q.db.QueryRowContext(ctx, `
		SELECT id, task_id, credential_id, model, prompt, status, progress,
			result_urls, error_message, created_at, completed_at
		FROM tasks WHERE task_id = $1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, err
	}
	if err != nil {
		return Task{}, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return t, nil
}

// ListRecentTasks returns the newest tasks, most recent first.
func (q *Queries) ListRecentTasks(ctx context.Context, limit int32) ([]Task, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, task_id, credential_id, model, prompt, status, progress,
			result_urls, error_message, created_at, completed_at
		FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

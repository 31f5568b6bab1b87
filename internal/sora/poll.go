package sora

import (
	"context"
	"fmt"
)

// UserInfo returns the raw account payload from the /me endpoint. The shape
// varies by plan, so the caller picks out what it needs.
func (c *Client) UserInfo(ctx context.Context, auth Auth) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.getJSON(ctx, "/me", auth, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PendingTasks lists video generations still queued or rendering. A task
// missing from this list has finished and shows up in the drafts feed.
func (c *Client) PendingTasks(ctx context.Context, auth Auth) ([]PendingTask, error) {
	var out []PendingTask
	if err := c.getJSON(ctx, "/nf/pending/v2", auth, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecentImageTasks lists the newest image generations for the account.
func (c *Client) RecentImageTasks(ctx context.Context, auth Auth, limit int) ([]ImageTask, error) {
	if limit <= 0 {
		limit = 20
	}
	var out recentTasksResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/v2/recent_tasks?limit=%d", limit), auth, &out); err != nil {
		return nil, err
	}
	return out.TaskResponses, nil
}

// VideoDrafts lists finished video generations, including rejected ones.
func (c *Client) VideoDrafts(ctx context.Context, auth Auth, limit int) ([]Draft, error) {
	if limit <= 0 {
		limit = 15
	}
	var out draftsResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/project_y/profile/drafts?limit=%d", limit), auth, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Sora2Limits reads the remaining-generation quota for the account. The pool
// calls this when a quota cooldown has just expired to decide whether the
// credential is eligible again.
func (c *Client) Sora2Limits(ctx context.Context, auth Auth) (*Sora2Limits, error) {
	var out Sora2Limits
	if err := c.getJSON(ctx, "/nf/check", auth, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

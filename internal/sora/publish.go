package sora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// thirdPartyPattern resolves a published post to a clean asset without any
// extra call.
const thirdPartyPattern = "https://oscdn2.dyysy.com/MP4/%s.mp4"

type publishRequest struct {
	AttachmentsToCreate []publishAttachment `json:"attachments_to_create"`
	PostText            string              `json:"post_text"`
}

type publishAttachment struct {
	GenerationID string `json:"generation_id"`
	Kind         string `json:"kind"`
}

// PublishPost publishes a finished generation and returns the post id. The
// published post carries the watermark-free asset.
func (c *Client) PublishPost(ctx context.Context, auth Auth, generationID string) (string, error) {
	req := publishRequest{
		AttachmentsToCreate: []publishAttachment{{GenerationID: generationID, Kind: "sora"}},
		PostText:            "",
	}

	var resp struct {
		Post struct {
			ID string `json:"id"`
		} `json:"post"`
	}
	if err := c.postJSON(ctx, "/project_y/post", auth, req, &resp, true); err != nil {
		return "", err
	}
	return resp.Post.ID, nil
}

// DeletePost removes a post published by PublishPost. Best effort cleanup
// after the watermark-free asset has been captured.
func (c *Client) DeletePost(ctx context.Context, auth Auth, postID string) error {
	status, body, err := c.deleteStatus(ctx, "/project_y/post/"+postID, auth)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("delete post failed: %d - %s", status, body)
	}
	return nil
}

// ThirdPartyWatermarkFreeURL derives the clean asset URL for a post id.
func ThirdPartyWatermarkFreeURL(postID string) string {
	return fmt.Sprintf(thirdPartyPattern, postID)
}

// CustomParseLink asks a self-hosted parse server for the clean asset URL of
// a published post.
func (c *Client) CustomParseLink(ctx context.Context, parseURL, parseToken, postID string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"url":   "https://sora.chatgpt.com/p/" + postID,
		"token": parseToken,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, parseURL+"/get-sora-link", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.direct.Do(req)
	if err != nil {
		return "", fmt.Errorf("custom parse request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("custom parse failed: %d", resp.StatusCode)
	}

	var result struct {
		Error        string `json:"error"`
		DownloadLink string `json:"download_link"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode custom parse response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("custom parse error: %s", result.Error)
	}
	if result.DownloadLink == "" {
		return "", fmt.Errorf("no download_link in custom parse response")
	}
	return result.DownloadLink, nil
}

package sora

import (
	"context"
)

// Model and sizing defaults used when a creation call leaves them unset.
const (
	DefaultVideoModel   = "sy_8"
	ProVideoModel       = "sy_ore"
	DefaultVideoSize    = "small"
	HDVideoSize         = "large"
	DefaultVideoFrames  = 450
	storyboardTitle     = "Draft your video"
	operationSimple     = "simple_compose"
	operationImageRemix = "remix"
)

type imageInpaintItem struct {
	Type          string `json:"type"`
	FrameIndex    int    `json:"frame_index"`
	UploadMediaID string `json:"upload_media_id"`
}

type videoInpaintItem struct {
	Kind     string `json:"kind"`
	UploadID string `json:"upload_id"`
}

type imageCreateRequest struct {
	Type         string             `json:"type"`
	Operation    string             `json:"operation"`
	Prompt       string             `json:"prompt"`
	Width        int                `json:"width"`
	Height       int                `json:"height"`
	NVariants    int                `json:"n_variants"`
	NFrames      int                `json:"n_frames"`
	InpaintItems []imageInpaintItem `json:"inpaint_items"`
}

type videoCreateRequest struct {
	Kind         string             `json:"kind"`
	Prompt       string             `json:"prompt"`
	Orientation  string             `json:"orientation"`
	Size         string             `json:"size"`
	NFrames      int                `json:"n_frames"`
	Model        string             `json:"model"`
	InpaintItems []videoInpaintItem `json:"inpaint_items"`
	StyleID      *string            `json:"style_id"`
}

type remixCreateRequest struct {
	Kind              string             `json:"kind"`
	Prompt            string             `json:"prompt"`
	InpaintItems      []videoInpaintItem `json:"inpaint_items"`
	RemixTargetID     string             `json:"remix_target_id"`
	CameoIDs          []string           `json:"cameo_ids"`
	CameoReplacements map[string]string  `json:"cameo_replacements"`
	Model             string             `json:"model"`
	Orientation       string             `json:"orientation"`
	NFrames           int                `json:"n_frames"`
	StyleID           *string            `json:"style_id"`
}

// storyboardCreateRequest mirrors the storyboard variant of the create call.
// The upstream rejects the request unless the unused fields are present as
// explicit nulls.
type storyboardCreateRequest struct {
	Kind              string             `json:"kind"`
	Prompt            string             `json:"prompt"`
	Title             string             `json:"title"`
	Orientation       string             `json:"orientation"`
	Size              string             `json:"size"`
	NFrames           int                `json:"n_frames"`
	StoryboardID      interface{}        `json:"storyboard_id"`
	InpaintItems      []videoInpaintItem `json:"inpaint_items"`
	RemixTargetID     interface{}        `json:"remix_target_id"`
	Model             string             `json:"model"`
	Metadata          interface{}        `json:"metadata"`
	StyleID           *string            `json:"style_id"`
	CameoIDs          interface{}        `json:"cameo_ids"`
	CameoReplacements interface{}        `json:"cameo_replacements"`
	AudioCaption      interface{}        `json:"audio_caption"`
	AudioTranscript   interface{}        `json:"audio_transcript"`
	VideoCaption      interface{}        `json:"video_caption"`
}

// ImageParams describes one image creation call. A non-empty MediaID turns
// the call into image-to-image.
type ImageParams struct {
	Prompt  string
	Width   int
	Height  int
	MediaID string
}

// VideoParams describes one text- or image-to-video creation call.
type VideoParams struct {
	Prompt      string
	Orientation string
	Size        string
	NFrames     int
	Model       string
	MediaID     string
	StyleID     string
}

// RemixParams describes a creation call derived from a shared post.
type RemixParams struct {
	Prompt        string
	RemixTargetID string
	Orientation   string
	NFrames       int
	StyleID       string
}

// StoryboardParams describes a multi-shot creation call. Prompt must already
// be in the shot timeline format, see FormatStoryboardPrompt.
type StoryboardParams struct {
	Prompt      string
	Orientation string
	NFrames     int
	MediaID     string
	StyleID     string
}

// CreateImage starts an image generation and returns the upstream task id.
func (c *Client) CreateImage(ctx context.Context, auth Auth, p ImageParams) (string, error) {
	operation := operationSimple
	items := []imageInpaintItem{}
	if p.MediaID != "" {
		operation = operationImageRemix
		items = append(items, imageInpaintItem{Type: "image", FrameIndex: 0, UploadMediaID: p.MediaID})
	}

	req := imageCreateRequest{
		Type:         "image_gen",
		Operation:    operation,
		Prompt:       p.Prompt,
		Width:        p.Width,
		Height:       p.Height,
		NVariants:    1,
		NFrames:      1,
		InpaintItems: items,
	}

	var resp createResponse
	if err := c.postJSON(ctx, "/video_gen", auth, req, &resp, true); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CreateVideo starts a video generation and returns the upstream task id.
func (c *Client) CreateVideo(ctx context.Context, auth Auth, p VideoParams) (string, error) {
	items := []videoInpaintItem{}
	if p.MediaID != "" {
		items = append(items, videoInpaintItem{Kind: "upload", UploadID: p.MediaID})
	}

	req := videoCreateRequest{
		Kind:         "video",
		Prompt:       p.Prompt,
		Orientation:  p.Orientation,
		Size:         p.Size,
		NFrames:      p.NFrames,
		Model:        p.Model,
		InpaintItems: items,
		StyleID:      optionalString(p.StyleID),
	}

	var resp createResponse
	if err := c.postJSON(ctx, "/nf/create", auth, req, &resp, true); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CreateRemix starts a remix of an existing shared post.
func (c *Client) CreateRemix(ctx context.Context, auth Auth, p RemixParams) (string, error) {
	req := remixCreateRequest{
		Kind:              "video",
		Prompt:            p.Prompt,
		InpaintItems:      []videoInpaintItem{},
		RemixTargetID:     p.RemixTargetID,
		CameoIDs:          []string{},
		CameoReplacements: map[string]string{},
		Model:             DefaultVideoModel,
		Orientation:       p.Orientation,
		NFrames:           p.NFrames,
		StyleID:           optionalString(p.StyleID),
	}

	var resp createResponse
	if err := c.postJSON(ctx, "/nf/create", auth, req, &resp, true); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CreateStoryboard starts a multi-shot video generation.
func (c *Client) CreateStoryboard(ctx context.Context, auth Auth, p StoryboardParams) (string, error) {
	items := []videoInpaintItem{}
	if p.MediaID != "" {
		items = append(items, videoInpaintItem{Kind: "upload", UploadID: p.MediaID})
	}

	req := storyboardCreateRequest{
		Kind:         "video",
		Prompt:       p.Prompt,
		Title:        storyboardTitle,
		Orientation:  p.Orientation,
		Size:         DefaultVideoSize,
		NFrames:      p.NFrames,
		InpaintItems: items,
		Model:        DefaultVideoModel,
		StyleID:      optionalString(p.StyleID),
	}

	var resp createResponse
	if err := c.postJSON(ctx, "/nf/create/storyboard", auth, req, &resp, true); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package sora

import (
	"context"
	"mime/multipart"
	"strings"
)

// UploadImage pushes an attachment to the upload endpoint and returns the
// media id used by creation calls.
func (c *Client) UploadImage(ctx context.Context, auth Auth, data []byte, filename string) (string, error) {
	if filename == "" {
		filename = "image.png"
	}

	var resp struct {
		ID string `json:"id"`
	}
	err := c.postMultipart(ctx, "/uploads", auth, func(w *multipart.Writer) error {
		if err := addFilePart(w, "file", filename, imageContentType(filename), data); err != nil {
			return err
		}
		return w.WriteField("file_name", filename)
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func imageContentType(filename string) string {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(name, ".webp"):
		return "image/webp"
	default:
		return "image/png"
	}
}

package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"

	apierrors "github.com/sora2api/sora-proxy/internal/errors"
	"github.com/sora2api/sora-proxy/internal/generation"
	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/streaming"
)

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type chatCompletionRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Image         string        `json:"image"`
	Video         string        `json:"video"`
	RemixTargetID string        `json:"remix_target_id"`
	Stream        bool          `json:"stream"`
}

// contentPart is one element of a multimodal message content array.
type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
	VideoURL struct {
		URL string `json:"url"`
	} `json:"video_url"`
}

func abortInvalidRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, apierrors.NewOpenAIErrorWithType(message, "invalid_request_error"))
}

// listModels handles GET /v1/models.
func (s *Server) listModels(c *gin.Context) {
	models := generation.Models()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":          m.Name,
			"object":      "model",
			"owned_by":    "sora2api",
			"description": m.Description(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// chatCompletions handles POST /v1/chat/completions. Generation runs through
// the streaming pipeline; without stream=true the response is only an
// availability report.
func (s *Server) chatCompletions(c *gin.Context) {
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalidRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		abortInvalidRequest(c, "Messages cannot be empty")
		return
	}
	if _, ok := generation.Lookup(req.Model); !ok {
		abortInvalidRequest(c, fmt.Sprintf("Invalid model: %s", req.Model))
		return
	}

	genReq, err := s.buildRequest(req)
	if err != nil {
		abortInvalidRequest(c, err.Error())
		return
	}

	if !genReq.Stream {
		var envelope *streaming.Envelope
		err := s.generator.Handle(c.Request.Context(), genReq, func(e generation.Event) {
			if e.Envelope != nil {
				envelope = e.Envelope
			}
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, apierrors.NewOpenAIError(err.Error()))
			return
		}
		if envelope == nil {
			c.JSON(http.StatusInternalServerError, apierrors.NewOpenAIError("Availability check produced no response"))
			return
		}
		c.JSON(http.StatusOK, envelope)
		return
	}

	s.streamGeneration(c, genReq)
}

// streamGeneration runs the pipeline and relays its events as SSE chunks.
// Errors after the stream opened become an error frame followed by [DONE],
// since the 200 status is already on the wire.
func (s *Server) streamGeneration(c *gin.Context, req generation.Request) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	write := func(frame string) {
		if _, err := io.WriteString(c.Writer, frame); err != nil {
			return
		}
		c.Writer.Flush()
	}

	err := s.generator.Handle(c.Request.Context(), req, func(e generation.Event) {
		switch {
		case e.Finish:
			write(streaming.Content(e.Content))
		case e.Envelope == nil:
			write(streaming.Reasoning(e.Reasoning, e.First))
		}
	})
	if err != nil {
		s.log.Warn("generation stream failed",
			slog.String("model", req.Model),
			slog.String("error", err.Error()))
		if payload, ok := sora.StructuredPayload(err); ok {
			write(streaming.RawErrorFrame(payload))
		} else {
			write(streaming.ErrorFrame(err.Error()))
		}
	}
	write(streaming.Done())
}

type imageGenerationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

var imageMarkdownRe = regexp.MustCompile(`!\[Generated Image\]\((.*?)\)`)

// imagesGenerations handles POST /v1/images/generations. It drives the same
// streaming pipeline as chat completions and lifts the image URLs out of the
// terminal markdown.
func (s *Server) imagesGenerations(c *gin.Context) {
	var req imageGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalidRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		req.Model = "gpt-image"
	}
	if _, ok := generation.Lookup(req.Model); !ok {
		abortInvalidRequest(c, fmt.Sprintf("Invalid model: %s", req.Model))
		return
	}

	var content strings.Builder
	err := s.generator.Handle(c.Request.Context(), generation.Request{
		Model:  req.Model,
		Prompt: req.Prompt,
		Stream: true,
	}, func(e generation.Event) {
		if e.Finish {
			content.WriteString(e.Content)
		}
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, apierrors.NewOpenAIError(err.Error()))
		return
	}

	matches := imageMarkdownRe.FindAllStringSubmatch(content.String(), -1)
	if len(matches) == 0 {
		c.JSON(http.StatusInternalServerError, apierrors.NewOpenAIError("Generation completed but no image URL could be extracted"))
		return
	}
	data := make([]gin.H, 0, len(matches))
	for _, m := range matches {
		data = append(data, gin.H{"url": m[1]})
	}
	c.JSON(http.StatusOK, gin.H{"created": time.Now().Unix(), "data": data})
}

// buildRequest maps the wire request onto a pipeline request. The last
// message carries the prompt and any attachments; earlier messages are
// treated as conversation history and ignored.
func (s *Server) buildRequest(req chatCompletionRequest) (generation.Request, error) {
	last := req.Messages[len(req.Messages)-1]
	prompt, image, video, videoURL, err := parseContent(last.Content)
	if err != nil {
		return generation.Request{}, err
	}

	out := generation.Request{
		Model:         req.Model,
		Prompt:        prompt,
		Image:         image,
		Video:         video,
		VideoURL:      videoURL,
		RemixTargetID: req.RemixTargetID,
		Stream:        req.Stream,
	}

	if len(out.Image) == 0 && req.Image != "" {
		decoded, err := decodeBase64Payload(req.Image)
		if err != nil {
			return generation.Request{}, fmt.Errorf("invalid image data: %w", err)
		}
		out.Image = decoded
	}
	if len(out.Video) == 0 && out.VideoURL == "" && req.Video != "" {
		if isHTTPURL(req.Video) {
			out.VideoURL = req.Video
		} else {
			decoded, err := decodeBase64Payload(req.Video)
			if err != nil {
				return generation.Request{}, fmt.Errorf("invalid video data: %w", err)
			}
			out.Video = decoded
		}
	}
	if out.RemixTargetID == "" {
		out.RemixTargetID = generation.ExtractRemixID(out.Prompt)
	}
	return out, nil
}

// parseContent accepts both plain string content and the multimodal array
// form. Text parts concatenate into the prompt; image and video parts become
// attachments.
func parseContent(raw json.RawMessage) (prompt string, image, video []byte, videoURL string, err error) {
	if len(raw) == 0 {
		return "", nil, nil, "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil, "", nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, nil, "", fmt.Errorf("Invalid content format")
	}

	var texts []string
	for _, part := range parts {
		switch part.Type {
		case "text":
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		case "image_url":
			url := part.ImageURL.URL
			if !strings.HasPrefix(url, "data:image") {
				continue
			}
			decoded, decodeErr := decodeBase64Payload(url)
			if decodeErr != nil {
				return "", nil, nil, "", fmt.Errorf("invalid image data: %v", decodeErr)
			}
			image = decoded
		case "video_url":
			url := part.VideoURL.URL
			if strings.HasPrefix(url, "data:video") || strings.HasPrefix(url, "data:application") {
				decoded, decodeErr := decodeBase64Payload(url)
				if decodeErr != nil {
					return "", nil, nil, "", fmt.Errorf("invalid video data: %v", decodeErr)
				}
				video = decoded
			} else if url != "" {
				videoURL = url
			}
		}
	}
	return strings.Join(texts, "\n"), image, video, videoURL, nil
}

// decodeBase64Payload decodes a raw base64 string or a data URL.
func decodeBase64Payload(value string) ([]byte, error) {
	if idx := strings.Index(value, "base64,"); idx >= 0 {
		value = value[idx+len("base64,"):]
	} else if strings.HasPrefix(value, "data:") {
		return nil, fmt.Errorf("data URL is not base64 encoded")
	}
	return base64.StdEncoding.DecodeString(value)
}

func isHTTPURL(value string) bool {
	return strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
}

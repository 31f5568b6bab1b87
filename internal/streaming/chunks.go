// Package streaming renders the OpenAI-compatible wire shapes of the /v1
// surface: chat.completion.chunk SSE frames for streamed generations, the
// chat.completion envelope for non-streamed responses, and the media snippets
// embedded in terminal content.
package streaming

import (
	"encoding/json"
	"fmt"
	"time"

	apierrors "github.com/sora2api/sora-proxy/internal/errors"
)

// ModelName is the model reported in every response body.
const ModelName = "sora"

// FinishStop terminates a stream; the non-streamed envelope uses lowercase
// "stop" instead.
const FinishStop = "STOP"

const doneFrame = "data: [DONE]\n\n"

// Delta is the incremental payload of one stream chunk. Content and
// ReasoningContent are always present, as JSON null when empty, which is what
// OpenAI SDK clients tolerate best.
type Delta struct {
	Role             string      `json:"role,omitempty"`
	Content          *string     `json:"content"`
	ReasoningContent *string     `json:"reasoning_content"`
	ToolCalls        interface{} `json:"tool_calls"`
}

type ChunkChoice struct {
	Index              int     `json:"index"`
	Delta              Delta   `json:"delta"`
	FinishReason       *string `json:"finish_reason"`
	NativeFinishReason *string `json:"native_finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   Usage         `json:"usage"`
}

func newChunk(delta Delta, finishReason string) Chunk {
	now := time.Now()
	usage := Usage{}
	var finish *string
	if finishReason != "" {
		finish = &finishReason
		usage.CompletionTokens = 1
		usage.TotalTokens = 1
	}
	return Chunk{
		ID:      fmt.Sprintf("chatcmpl-%d", now.UnixMilli()),
		Object:  "chat.completion.chunk",
		Created: now.Unix(),
		Model:   ModelName,
		Choices: []ChunkChoice{{
			Index:              0,
			Delta:              delta,
			FinishReason:       finish,
			NativeFinishReason: finish,
		}},
		Usage: usage,
	}
}

// Reasoning frames a progress update. The first chunk of a stream carries the
// assistant role.
func Reasoning(text string, first bool) string {
	delta := Delta{ReasoningContent: &text}
	if first {
		delta.Role = "assistant"
	}
	return frame(newChunk(delta, ""))
}

// Content frames the terminal content chunk. Every stream that produced at
// least one chunk ends with exactly one of these followed by Done.
func Content(text string) string {
	return frame(newChunk(Delta{Content: &text}, FinishStop))
}

// ErrorFrame frames a server_error envelope for mid-stream failures.
func ErrorFrame(message string) string {
	return "data: " + string(apierrors.OpenAIErrorPayload(message)) + "\n\n"
}

// RawErrorFrame frames an upstream payload that already carries its own error
// envelope, forwarded verbatim.
func RawErrorFrame(payload string) string {
	return "data: " + payload + "\n\n"
}

// Done is the stream terminator frame.
func Done() string { return doneFrame }

func frame(chunk Chunk) string {
	data, err := json.Marshal(chunk)
	if err != nil {
		return ErrorFrame("failed to encode chunk")
	}
	return "data: " + string(data) + "\n\n"
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type EnvelopeChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Envelope is the non-streamed chat.completion body.
type Envelope struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []EnvelopeChoice `json:"choices"`
}

// Completion builds a non-streamed response around the given content.
func Completion(content string) Envelope {
	now := time.Now()
	return Envelope{
		ID:      fmt.Sprintf("chatcmpl-%d", now.UnixMilli()),
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   ModelName,
		Choices: []EnvelopeChoice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
}

// VideoContent wraps a result URL in the HTML snippet chat clients render as
// a playable video.
func VideoContent(url string) string {
	return "```html\n<video src='" + url + "' controls></video>\n```"
}

// ImageContent renders one result URL as Markdown.
func ImageContent(url string) string {
	return fmt.Sprintf("![Generated Image](%s)", url)
}

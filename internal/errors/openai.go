package errors

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
)

// OpenAIError is the error envelope of the OpenAI-compatible surface. Param
// and Code are emitted as JSON null to match what OpenAI SDK clients expect.
type OpenAIError struct {
	Error OpenAIErrorDetail `json:"error"`
}

// OpenAIErrorDetail carries the error fields inside the envelope.
type OpenAIErrorDetail struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Param   interface{} `json:"param"`
	Code    interface{} `json:"code"`
}

// NewOpenAIError creates a server_error envelope with the given message.
func NewOpenAIError(message string) *OpenAIError {
	return &OpenAIError{
		Error: OpenAIErrorDetail{
			Message: message,
			Type:    "server_error",
			Param:   nil,
			Code:    nil,
		},
	}
}

// NewOpenAIErrorWithType creates an envelope with an explicit error type,
// e.g. "invalid_request_error" for caller mistakes.
func NewOpenAIErrorWithType(message, errType string) *OpenAIError {
	return &OpenAIError{
		Error: OpenAIErrorDetail{
			Message: message,
			Type:    errType,
			Param:   nil,
			Code:    nil,
		},
	}
}

// AbortWithOpenAIError sends an OpenAI-shaped error response and aborts.
func AbortWithOpenAIError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, NewOpenAIError(message))
}

// OpenAIErrorPayload renders an envelope for embedding in a stream frame.
// Structured upstream payloads are forwarded verbatim when they already carry
// an error envelope of their own.
func OpenAIErrorPayload(message string) []byte {
	data, err := json.Marshal(NewOpenAIError(message))
	if err != nil {
		return []byte(`{"error":{"message":"internal error","type":"server_error","param":null,"code":null}}`)
	}
	return data
}

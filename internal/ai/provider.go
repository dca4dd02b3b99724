package ai

import (
	"context"
	"errors"
	"fmt"
)

// Provider is an outbound chat completion service.
type Provider interface {
	Name() string
	GenerateResponse(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest is one outbound call for one (model, sub-model) target.
type GenerateRequest struct {
	Messages    []ChatMessage `json:"message"`
	Model       string        `json:"aiModel"`
	ParentModel string        `json:"parentModel,omitempty"`
	OutputType  string        `json:"outputType"`
}

// GenerateResponse is the extracted reply text.
type GenerateResponse struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// ChatMessage is a role/content pair sent as history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OutputTypeText is the only output type the gateway requests.
const OutputTypeText = "text"

// ErrMalformedResponse is returned when a 2xx body carries no reply text.
var ErrMalformedResponse = errors.New("malformed response: no aiResponse or response field")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API error: %d", e.StatusCode)
	}
	return fmt.Sprintf("API error: %d: %s", e.StatusCode, e.Body)
}

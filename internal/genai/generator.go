package genai

import (
	"context"
	"errors"
)

// ErrGenerationUnavailable wraps any failure of the downstream model
// call. The engine surfaces it with the assembled context attached so
// the caller can retry generation without re-assembling.
var ErrGenerationUnavailable = errors.New("genai: generation unavailable")

// Message is one prompt message for the downstream model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator is the opaque language-model collaborator. The engine never
// retries it internally.
type Generator interface {
	Generate(ctx context.Context, system string, messages []Message) (string, error)
}

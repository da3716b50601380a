package genai

import (
	"context"
	"strings"
)

// MockGenerator produces a deterministic reply for local runs and tests.
// It echoes the last user message so transcripts stay readable.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

func (m *MockGenerator) Generate(_ context.Context, _ string, messages []Message) (string, error) {
	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	if strings.TrimSpace(last) == "" {
		return "چطور می‌تونم کمکتون کنم؟", nil
	}
	return "ممنون از پیامتون: " + truncate(last, 120), nil
}

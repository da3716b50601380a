package genai

import (
	"fmt"
	"strings"
	"time"
)

// New selects a generator. Mode "auto" uses the HTTP generator when a
// base URL is configured and falls back to the mock otherwise.
func New(mode, baseURL, apiKey, model string, timeout time.Duration) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto":
		if strings.TrimSpace(baseURL) != "" {
			return NewHTTPGenerator(HTTPConfig{BaseURL: baseURL, APIKey: apiKey, Model: model, Timeout: timeout}), nil
		}
		return NewMockGenerator(), nil
	case "http":
		if strings.TrimSpace(baseURL) == "" {
			return nil, fmt.Errorf("GENERATOR_MODE=http requires GENERATOR_URL")
		}
		return NewHTTPGenerator(HTTPConfig{BaseURL: baseURL, APIKey: apiKey, Model: model, Timeout: timeout}), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("invalid GENERATOR_MODE: %q (expected auto|http|mock)", mode)
	}
}

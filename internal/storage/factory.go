package storage

import (
	"context"
	"fmt"
	"strings"
)

// NewBackend selects a backend from configuration. Mode "auto" prefers
// postgres, then redis, and falls back to the in-process store when
// neither is configured.
func NewBackend(ctx context.Context, mode, databaseURL, redisURL string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto":
		if strings.TrimSpace(databaseURL) != "" {
			return NewPostgresBackend(ctx, databaseURL)
		}
		if strings.TrimSpace(redisURL) != "" {
			return NewRedisBackend(ctx, redisURL)
		}
		return NewInMemoryBackend(), nil
	case "postgres":
		return NewPostgresBackend(ctx, databaseURL)
	case "redis":
		return NewRedisBackend(ctx, redisURL)
	case "memory":
		return NewInMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("invalid STORAGE_BACKEND: %q (expected auto|postgres|redis|memory)", mode)
	}
}

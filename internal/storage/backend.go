package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key has no stored document.
	ErrNotFound = errors.New("storage: key not found")
	// ErrUnavailable wraps backend transport failures so callers can
	// distinguish "no data" from "cannot reach the store".
	ErrUnavailable = errors.New("storage: backend unavailable")
)

// Backend is the durable document store the engine persists into.
// Implementations only need get/put/delete-by-key semantics; everything
// above this interface treats values as opaque JSON documents.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetJSON loads and unmarshals the document stored under key.
func GetJSON(ctx context.Context, b Backend, key string, out any) error {
	raw, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %q: %w", key, err)
	}
	return nil
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, b Backend, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	return b.Put(ctx, key, raw)
}

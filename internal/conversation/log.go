package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zibochat/engine/internal/storage"
)

// ErrEmptyMessage rejects turns whose text is empty after trimming.
var ErrEmptyMessage = errors.New("conversation: empty message")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one committed exchange unit. Seq is assigned by the log and is
// strictly increasing per key and never reused, even across Clear.
type Turn struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ChatRoomID string    `json:"chat_room_id"`
	Role       string    `json:"role"`
	Text       string    `json:"text"`
	Seq        uint64    `json:"seq"`
	CreatedAt  time.Time `json:"created_at"`
}

type thread struct {
	mu       sync.Mutex
	hydrated bool
	turns    []Turn

	// High-water mark of assigned sequence numbers. Survives Clear so a
	// post-clear append never reuses a number the summarizer has seen.
	lastSeq uint64
}

// Log keeps the authoritative per-key ordered turn history in memory and
// commits it to the storage backend outside the request path (Persist).
// Appends to the same key are serialized by a per-thread mutex; different
// keys never contend.
type Log struct {
	backend  storage.Backend
	maxLimit int
	log      zerolog.Logger

	mu      sync.Mutex
	threads map[Key]*thread
}

func NewLog(backend storage.Backend, maxLimit int, logger zerolog.Logger) *Log {
	if maxLimit <= 0 {
		maxLimit = 200
	}
	return &Log{
		backend:  backend,
		maxLimit: maxLimit,
		log:      logger,
		threads:  make(map[Key]*thread),
	}
}

func (l *Log) thread(key Key) *thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.threads[key]
	if !ok {
		t = &thread{}
		l.threads[key] = t
	}
	return t
}

type threadDoc struct {
	Turns   []Turn `json:"turns"`
	LastSeq uint64 `json:"last_seq"`
}

// hydrate loads previously committed turns once per key. Callers must
// hold t.mu.
func (l *Log) hydrate(ctx context.Context, key Key, t *thread) error {
	if t.hydrated {
		return nil
	}
	var doc threadDoc
	err := storage.GetJSON(ctx, l.backend, key.storageKey(), &doc)
	switch {
	case err == nil:
		t.turns = doc.Turns
		t.lastSeq = doc.LastSeq
		// Documents written before the marker existed carry only turns.
		if n := len(doc.Turns); n > 0 && doc.Turns[n-1].Seq > t.lastSeq {
			t.lastSeq = doc.Turns[n-1].Seq
		}
	case errors.Is(err, storage.ErrNotFound):
		// Brand-new conversation.
	default:
		return fmt.Errorf("hydrate %s: %w", key, err)
	}
	t.hydrated = true
	return nil
}

// Append assigns the next sequence number for key and records the turn.
// The returned turn is acknowledged in memory only; durable commit goes
// through Persist.
func (l *Log) Append(ctx context.Context, key Key, role, text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyMessage
	}

	t := l.thread(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := l.hydrate(ctx, key, t); err != nil {
		return Turn{}, err
	}

	t.lastSeq++
	turn := Turn{
		ID:         uuid.NewString(),
		UserID:     key.UserID,
		ChatRoomID: key.ChatRoomID,
		Role:       role,
		Text:       text,
		Seq:        t.lastSeq,
		CreatedAt:  time.Now().UTC(),
	}
	t.turns = append(t.turns, turn)
	return turn, nil
}

// Recent returns up to limit most recent turns in chronological order.
// An unknown key yields an empty slice, not an error.
func (l *Log) Recent(ctx context.Context, key Key, limit int) ([]Turn, error) {
	if limit <= 0 || limit > l.maxLimit {
		limit = l.maxLimit
	}

	t := l.thread(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := l.hydrate(ctx, key, t); err != nil {
		return nil, err
	}

	n := len(t.turns)
	if limit > n {
		limit = n
	}
	out := make([]Turn, limit)
	copy(out, t.turns[n-limit:])
	return out, nil
}

// Clear removes every turn for key, both in memory and in storage.
// Clearing an empty or unknown key returns 0 and succeeds.
func (l *Log) Clear(ctx context.Context, key Key) (int, error) {
	t := l.thread(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := l.hydrate(ctx, key, t); err != nil {
		return 0, err
	}

	removed := len(t.turns)
	t.turns = nil
	if t.lastSeq == 0 {
		if err := l.backend.Delete(ctx, key.storageKey()); err != nil {
			return 0, fmt.Errorf("clear %s: %w", key, err)
		}
	} else {
		// The stored marker keeps the sequence counter monotonic across
		// process restarts.
		if err := storage.PutJSON(ctx, l.backend, key.storageKey(), threadDoc{LastSeq: t.lastSeq}); err != nil {
			return 0, fmt.Errorf("clear %s: %w", key, err)
		}
	}
	l.log.Info().Str("key", key.String()).Int("removed", removed).Msg("conversation cleared")
	return removed, nil
}

// Persist commits the current committed turns for key to the backend.
// It is idempotent and safe to retry; the whole thread document is
// rewritten each time.
func (l *Log) Persist(ctx context.Context, key Key) error {
	t := l.thread(key)
	t.mu.Lock()
	doc := threadDoc{Turns: make([]Turn, len(t.turns)), LastSeq: t.lastSeq}
	copy(doc.Turns, t.turns)
	t.mu.Unlock()

	if doc.LastSeq == 0 {
		return nil
	}
	if err := storage.PutJSON(ctx, l.backend, key.storageKey(), doc); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

// ThreadCount reports how many conversations are currently resident.
func (l *Log) ThreadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.threads)
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zibochat/engine/internal/catalog"
	"github.com/zibochat/engine/internal/conversation"
	"github.com/zibochat/engine/internal/genai"
	"github.com/zibochat/engine/internal/memory"
	"github.com/zibochat/engine/internal/observability"
	"github.com/zibochat/engine/internal/profile"
	"github.com/zibochat/engine/internal/queue"
	"github.com/zibochat/engine/internal/storage"
)

// ErrContextUnavailable is surfaced when strict-mode retrieval fails and
// the turn cannot be assembled with product context.
var ErrContextUnavailable = errors.New("chat: retrieval context unavailable")

// Options bound the assembled context.
type Options struct {
	HistoryWindow   int
	TopK            int
	AssembleTimeout time.Duration
}

// Engine orchestrates the conversation store, profile cache, memory
// summarizer, product index, and background persistence queue behind the
// narrow interface the HTTP layer calls.
type Engine struct {
	opts      Options
	turns     *conversation.Log
	profiles  *profile.Cache
	memories  *memory.Summarizer
	index     *catalog.Index
	queue     *queue.Queue
	generator genai.Generator
	backend   storage.Backend
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewEngine(
	opts Options,
	turns *conversation.Log,
	profiles *profile.Cache,
	memories *memory.Summarizer,
	index *catalog.Index,
	q *queue.Queue,
	generator genai.Generator,
	backend storage.Backend,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 20
	}
	if opts.TopK <= 0 {
		opts.TopK = catalog.DefaultTopK
	}
	if opts.AssembleTimeout <= 0 {
		opts.AssembleTimeout = 5 * time.Second
	}
	return &Engine{
		opts:      opts,
		turns:     turns,
		profiles:  profiles,
		memories:  memories,
		index:     index,
		queue:     q,
		generator: generator,
		backend:   backend,
		metrics:   metrics,
		log:       logger,
	}
}

// Assemble is the pure read/compose step: history window, memory
// summary, profile, and product retrieval, no writes. Strict-mode
// retrieval failures come back wrapped in ErrContextUnavailable; store
// failures and deadline hits propagate as-is.
func (e *Engine) Assemble(ctx context.Context, key conversation.Key, incoming string) (Context, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.AssembleTimeout)
	defer cancel()
	start := time.Now()

	prof, err := e.profiles.Get(ctx, key.UserID)
	if err != nil {
		return Context{}, err
	}

	history, err := e.turns.Recent(ctx, key, e.opts.HistoryWindow)
	if err != nil {
		return Context{}, err
	}

	summary, err := e.memories.SummaryFor(ctx, key.UserID)
	if err != nil {
		return Context{}, err
	}

	retrieved, err := e.index.Query(ctx, incoming, e.opts.TopK)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Context{}, err
		}
		return Context{}, fmt.Errorf("%w: %w", ErrContextUnavailable, err)
	}

	e.metrics.ObserveAssembleLatency(time.Since(start))
	return Context{
		UserID:     key.UserID,
		ChatRoomID: key.ChatRoomID,
		History:    history,
		Memory:     summary,
		Profile:    prof,
		Retrieved:  retrieved,
	}, nil
}

// HandleTurn validates and assembles the context for one inbound
// message. The incoming message is included at the end of the history
// window as a pending turn; it receives its sequence number only when
// SubmitFollowup commits it.
func (e *Engine) HandleTurn(ctx context.Context, userID, chatID, chatRoomID, message string) (Context, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Context{}, conversation.ErrEmptyMessage
	}
	key := conversation.NormalizeKey(userID, chatID, chatRoomID)

	asm, err := e.Assemble(ctx, key, message)
	if err != nil {
		return Context{}, err
	}

	pending := conversation.Turn{
		UserID:     key.UserID,
		ChatRoomID: key.ChatRoomID,
		Role:       conversation.RoleUser,
		Text:       message,
		CreatedAt:  time.Now().UTC(),
	}
	asm.History = append(asm.History, pending)
	return asm, nil
}

// SubmitFollowup records the exchange: both turns are acknowledged in
// memory on the spot, then committed to storage and folded into the
// memory summary by the background queue.
func (e *Engine) SubmitFollowup(ctx context.Context, key conversation.Key, userText, assistantText string) error {
	userTurn, err := e.turns.Append(ctx, key, conversation.RoleUser, userText)
	if err != nil {
		return err
	}
	e.metrics.TurnsAppended.WithLabelValues(conversation.RoleUser).Inc()

	if strings.TrimSpace(assistantText) != "" {
		if _, err := e.turns.Append(ctx, key, conversation.RoleAssistant, assistantText); err != nil {
			return err
		}
		e.metrics.TurnsAppended.WithLabelValues(conversation.RoleAssistant).Inc()
	}

	e.queue.Submit(key.String(), "persist_turns", func(ctx context.Context) error {
		return e.turns.Persist(ctx, key)
	})
	e.queue.Submit(key.String(), "observe_memory", func(ctx context.Context) error {
		return e.memories.Observe(ctx, key.UserID, userTurn)
	})
	return nil
}

// Chat runs one full turn: assemble, generate, record. When generation
// fails the assembled context is returned alongside the error so the
// caller can retry generation without re-assembling.
func (e *Engine) Chat(ctx context.Context, userID, chatID, chatRoomID, message string) (Context, string, error) {
	asm, err := e.HandleTurn(ctx, userID, chatID, chatRoomID, message)
	if err != nil {
		e.metrics.ChatRequests.WithLabelValues("assemble_error").Inc()
		return Context{}, "", err
	}

	system, msgs := BuildMessages(asm)
	reply, err := e.generator.Generate(ctx, system, msgs)
	if err != nil {
		e.metrics.ChatRequests.WithLabelValues("generation_error").Inc()
		if !errors.Is(err, genai.ErrGenerationUnavailable) {
			err = fmt.Errorf("%w: %w", genai.ErrGenerationUnavailable, err)
		}
		return asm, "", err
	}

	key := conversation.NormalizeKey(userID, chatID, chatRoomID)
	if err := e.SubmitFollowup(ctx, key, message, reply); err != nil {
		// The caller already has a reply; persistence lag is accepted.
		e.log.Error().Err(err).Str("key", key.String()).Msg("followup submission failed")
	}
	e.metrics.ChatRequests.WithLabelValues("ok").Inc()
	return asm, reply, nil
}

// GetProfile returns the user's profile, seeding a default for unknown
// users.
func (e *Engine) GetProfile(ctx context.Context, userID string) (profile.Profile, error) {
	return e.profiles.Get(ctx, userID)
}

// SetProfile merges a partial update and returns the new version.
func (e *Engine) SetProfile(ctx context.Context, userID string, p profile.Partial) (profile.Profile, error) {
	return e.profiles.Update(ctx, userID, p)
}

// GetHistory returns up to limit turns for the conversation.
func (e *Engine) GetHistory(ctx context.Context, key conversation.Key, limit int) ([]conversation.Turn, error) {
	return e.turns.Recent(ctx, key, limit)
}

// ClearHistory removes all turns for the conversation, idempotently.
func (e *Engine) ClearHistory(ctx context.Context, key conversation.Key) (int, error) {
	return e.turns.Clear(ctx, key)
}

// GetMemory returns the user's memory summary.
func (e *Engine) GetMemory(ctx context.Context, userID string) (memory.Summary, error) {
	return e.memories.SummaryFor(ctx, userID)
}

// Reindex rebuilds the product index from the given records on the
// background queue and persists the catalog documents. The call itself
// is fire-and-forget.
func (e *Engine) Reindex(records []catalog.Product) {
	recs := make([]catalog.Product, len(records))
	copy(recs, records)
	e.queue.Submit("admin:reindex", "reindex", func(ctx context.Context) error {
		if err := e.index.Build(ctx, recs); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := storage.PutJSON(ctx, e.backend, "product/"+rec.ID, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertProducts applies a single-product correction path.
func (e *Engine) UpsertProducts(records []catalog.Product) {
	recs := make([]catalog.Product, len(records))
	copy(recs, records)
	e.queue.Submit("admin:reindex", "upsert_products", func(ctx context.Context) error {
		if err := e.index.Upsert(ctx, recs); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := storage.PutJSON(ctx, e.backend, "product/"+rec.ID, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteProduct removes a product from the index and storage.
func (e *Engine) DeleteProduct(productID string) {
	e.queue.Submit("admin:reindex", "delete_product", func(ctx context.Context) error {
		if err := e.index.Delete(ctx, productID); err != nil {
			return err
		}
		return e.backend.Delete(ctx, "product/"+productID)
	})
}

// Stats summarizes live engine state for the stats endpoint.
type Stats struct {
	CachedProfiles      int   `json:"cached_profiles"`
	ActiveConversations int   `json:"active_conversations"`
	IndexGeneration     int64 `json:"index_generation"`
	IndexSize           int   `json:"index_size"`
	QueueDepth          int   `json:"queue_depth"`
}

func (e *Engine) Stats() Stats {
	gen, size := e.index.Generation()
	return Stats{
		CachedProfiles:      e.profiles.Size(),
		ActiveConversations: e.turns.ThreadCount(),
		IndexGeneration:     gen,
		IndexSize:           size,
		QueueDepth:          e.queue.Pending(),
	}
}

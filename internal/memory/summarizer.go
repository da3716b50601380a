package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zibochat/engine/internal/conversation"
	"github.com/zibochat/engine/internal/storage"
)

// Summary holds the durable facts derived for one user. Facts are never
// deleted, only superseded when a later turn states a new value for the
// same key. EvidenceCount counts distinct turns that contributed at
// least one fact.
type Summary struct {
	UserID        string            `json:"user_id"`
	Facts         map[string]string `json:"facts"`
	EvidenceCount int               `json:"evidence_count"`
	LastUpdated   time.Time         `json:"last_updated"`

	// Seen records turns already observed, keyed by room and sequence
	// number, so re-observing a turn never double-counts.
	Seen map[string]bool `json:"seen,omitempty"`
}

func emptySummary(userID string) Summary {
	return Summary{
		UserID: userID,
		Facts:  map[string]string{},
		Seen:   map[string]bool{},
	}
}

// Summarizer derives per-user summaries from conversation turns. Observe
// runs on the background queue, never on the request path.
type Summarizer struct {
	backend storage.Backend
	log     zerolog.Logger

	mu sync.Mutex
}

func NewSummarizer(backend storage.Backend, logger zerolog.Logger) *Summarizer {
	return &Summarizer{backend: backend, log: logger}
}

func storageKey(userID string) string {
	return "memory/" + userID
}

// Observe extracts attribute signals from a user turn and merges them
// into the summary. Idempotent: the same turn observed twice is a no-op.
func (s *Summarizer) Observe(ctx context.Context, userID string, turn conversation.Turn) error {
	if turn.Role != conversation.RoleUser {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum, err := s.load(ctx, userID)
	if err != nil {
		return err
	}

	seenKey := fmt.Sprintf("%s#%d", turn.ChatRoomID, turn.Seq)
	if sum.Seen[seenKey] {
		return nil
	}
	sum.Seen[seenKey] = true

	facts := ExtractFacts(turn.Text)
	if len(facts) > 0 {
		for k, v := range facts {
			sum.Facts[k] = v
		}
		sum.EvidenceCount++
		sum.LastUpdated = time.Now().UTC()
		s.log.Debug().Str("user_id", userID).Int("facts", len(facts)).Msg("memory facts merged")
	}

	if err := storage.PutJSON(ctx, s.backend, storageKey(userID), sum); err != nil {
		return fmt.Errorf("persist memory %s: %w", userID, err)
	}
	return nil
}

// SummaryFor returns the current summary, or an empty one for users who
// have never interacted.
func (s *Summarizer) SummaryFor(ctx context.Context, userID string) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, userID)
}

func (s *Summarizer) load(ctx context.Context, userID string) (Summary, error) {
	var sum Summary
	err := storage.GetJSON(ctx, s.backend, storageKey(userID), &sum)
	switch {
	case err == nil:
		if sum.Facts == nil {
			sum.Facts = map[string]string{}
		}
		if sum.Seen == nil {
			sum.Seen = map[string]bool{}
		}
		sum.UserID = userID
		return sum, nil
	case errors.Is(err, storage.ErrNotFound):
		return emptySummary(userID), nil
	default:
		return Summary{}, fmt.Errorf("load memory %s: %w", userID, err)
	}
}

// factRule maps phrasing in a turn to one durable fact. Signals cover
// the Persian skincare domain plus English equivalents.
type factRule struct {
	needles []string
	key     string
	value   string
}

var factRules = []factRule{
	{[]string{"پوست چرب", "پوستم چربه", "oily skin"}, "skin_type", "oily"},
	{[]string{"پوست خشک", "پوستم خشکه", "dry skin"}, "skin_type", "dry"},
	{[]string{"پوست حساس", "sensitive skin"}, "skin_type", "sensitive"},
	{[]string{"پوست مختلط", "combination skin"}, "skin_type", "combination"},
	{[]string{"جوش", "آکنه", "acne"}, "concern:acne", "stated"},
	{[]string{"لک", "جای جوش", "dark spot"}, "concern:spots", "stated"},
	{[]string{"چروک", "ضد پیری", "wrinkle", "anti-aging"}, "concern:aging", "stated"},
	{[]string{"ضد آفتاب", "کرم ضدآفتاب", "sunscreen"}, "interest:sunscreen", "stated"},
	{[]string{"مرطوب کننده", "آبرسان", "moisturizer"}, "interest:moisturizer", "stated"},
	{[]string{"شوینده", "پاک کننده", "cleanser"}, "interest:cleanser", "stated"},
}

// ExtractFacts runs the best-effort signal rules over one turn's text.
// Later rules win when two rules write the same key.
func ExtractFacts(text string) map[string]string {
	lowered := strings.ToLower(text)
	facts := map[string]string{}
	for _, rule := range factRules {
		for _, needle := range rule.needles {
			if strings.Contains(lowered, needle) {
				facts[rule.key] = rule.value
				break
			}
		}
	}
	return facts
}

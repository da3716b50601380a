package memory

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/zibochat/engine/internal/conversation"
	"github.com/zibochat/engine/internal/storage"
)

func newTestSummarizer() *Summarizer {
	return NewSummarizer(storage.NewInMemoryBackend(), zerolog.Nop())
}

func userTurn(seq uint64, text string) conversation.Turn {
	return conversation.Turn{
		UserID:     "u1",
		ChatRoomID: conversation.DefaultRoom,
		Role:       conversation.RoleUser,
		Text:       text,
		Seq:        seq,
	}
}

func TestObserveExtractsSkinTypeFact(t *testing.T) {
	s := newTestSummarizer()

	if err := s.Observe(context.Background(), "u1", userTurn(1, "من پوست چرب دارم")); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	sum, err := s.SummaryFor(context.Background(), "u1")
	if err != nil {
		t.Fatalf("SummaryFor() error = %v", err)
	}
	if sum.Facts["skin_type"] != "oily" {
		t.Fatalf("Facts[skin_type] = %q, want oily", sum.Facts["skin_type"])
	}
	if sum.EvidenceCount != 1 {
		t.Fatalf("EvidenceCount = %d, want 1", sum.EvidenceCount)
	}
}

func TestObserveIsIdempotentPerTurn(t *testing.T) {
	s := newTestSummarizer()
	turn := userTurn(1, "پوست حساس دارم و دنبال ضد آفتاب هستم")

	for i := 0; i < 3; i++ {
		if err := s.Observe(context.Background(), "u1", turn); err != nil {
			t.Fatalf("Observe() #%d error = %v", i+1, err)
		}
	}

	sum, err := s.SummaryFor(context.Background(), "u1")
	if err != nil {
		t.Fatalf("SummaryFor() error = %v", err)
	}
	if sum.EvidenceCount != 1 {
		t.Fatalf("EvidenceCount = %d, want 1 after re-observing the same turn", sum.EvidenceCount)
	}
}

func TestObserveSupersedesFactValue(t *testing.T) {
	s := newTestSummarizer()

	if err := s.Observe(context.Background(), "u1", userTurn(1, "پوست خشک دارم")); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if err := s.Observe(context.Background(), "u1", userTurn(2, "الان پوست چرب دارم")); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	sum, err := s.SummaryFor(context.Background(), "u1")
	if err != nil {
		t.Fatalf("SummaryFor() error = %v", err)
	}
	if sum.Facts["skin_type"] != "oily" {
		t.Fatalf("Facts[skin_type] = %q, want superseded value oily", sum.Facts["skin_type"])
	}
	if sum.EvidenceCount != 2 {
		t.Fatalf("EvidenceCount = %d, want 2", sum.EvidenceCount)
	}
}

func TestObserveIgnoresAssistantTurns(t *testing.T) {
	s := newTestSummarizer()
	turn := conversation.Turn{
		UserID:     "u1",
		ChatRoomID: conversation.DefaultRoom,
		Role:       conversation.RoleAssistant,
		Text:       "برای پوست چرب این محصول مناسب است",
		Seq:        1,
	}

	if err := s.Observe(context.Background(), "u1", turn); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	sum, err := s.SummaryFor(context.Background(), "u1")
	if err != nil {
		t.Fatalf("SummaryFor() error = %v", err)
	}
	if sum.EvidenceCount != 0 || len(sum.Facts) != 0 {
		t.Fatalf("assistant turn contributed facts: %+v", sum)
	}
}

func TestSummaryForUnknownUserIsEmpty(t *testing.T) {
	s := newTestSummarizer()

	sum, err := s.SummaryFor(context.Background(), "stranger")
	if err != nil {
		t.Fatalf("SummaryFor() error = %v", err)
	}
	if sum.EvidenceCount != 0 {
		t.Fatalf("EvidenceCount = %d, want 0", sum.EvidenceCount)
	}
	if sum.Facts == nil {
		t.Fatalf("Facts must be non-nil for an empty summary")
	}
}

func TestExtractFactsTable(t *testing.T) {
	tests := []struct {
		name string
		text string
		key  string
		want string
	}{
		{"persian oily", "من پوست چرب دارم", "skin_type", "oily"},
		{"persian dry", "پوست خشک اذیتم میکنه", "skin_type", "dry"},
		{"english sensitive", "I have very sensitive skin", "skin_type", "sensitive"},
		{"acne concern", "جوش زیادی روی صورتم هست", "concern:acne", "stated"},
		{"sunscreen interest", "یه ضد آفتاب خوب میخوام", "interest:sunscreen", "stated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := ExtractFacts(tt.text)
			if facts[tt.key] != tt.want {
				t.Fatalf("ExtractFacts(%q)[%s] = %q, want %q", tt.text, tt.key, facts[tt.key], tt.want)
			}
		})
	}
}

func TestExtractFactsNoSignals(t *testing.T) {
	if facts := ExtractFacts("سلام، خوبی؟"); len(facts) != 0 {
		t.Fatalf("ExtractFacts() = %v, want empty", facts)
	}
}

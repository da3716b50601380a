package embed

import (
	"context"
	"math"
	"testing"
)

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestEmbedIsDeterministic(t *testing.T) {
	e := NewLocal(128)
	a, err := e.Embed(context.Background(), "کرم ضد آفتاب")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	b, err := e.Embed(context.Background(), "کرم ضد آفتاب")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestEmbedHasUnitNorm(t *testing.T) {
	e := NewLocal(128)
	v, err := e.Embed(context.Background(), "moisturizer for dry skin")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if norm := math.Sqrt(dot(v, v)); math.Abs(norm-1) > 1e-4 {
		t.Fatalf("norm = %v, want 1", norm)
	}
}

func TestEmbedEmptyTextIsZeroVector(t *testing.T) {
	e := NewLocal(64)
	v, err := e.Embed(context.Background(), "   ")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(v) != 64 {
		t.Fatalf("len = %d, want 64", len(v))
	}
	for i, x := range v {
		if x != 0 {
			t.Fatalf("v[%d] = %v, want 0 for empty text", i, x)
		}
	}
}

func TestSharedTokensIncreaseSimilarity(t *testing.T) {
	e := NewLocal(256)
	ctx := context.Background()

	query, _ := e.Embed(ctx, "ضد آفتاب")
	related, _ := e.Embed(ctx, "کرم ضد آفتاب مناسب پوست چرب")
	unrelated, _ := e.Embed(ctx, "ژل شستشو ملایم")

	if dot(query, related) <= dot(query, unrelated) {
		t.Fatalf("similarity(query, related) = %v, want > similarity(query, unrelated) = %v",
			dot(query, related), dot(query, unrelated))
	}
}

func TestDimensionsDefault(t *testing.T) {
	if got := NewLocal(0).Dimensions(); got != 384 {
		t.Fatalf("Dimensions() = %d, want default 384", got)
	}
	if got := NewLocal(32).Dimensions(); got != 32 {
		t.Fatalf("Dimensions() = %d, want 32", got)
	}
}

package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"
)

// Embedder converts text into a vector for similarity search. The engine
// only depends on this interface; production deployments can plug in a
// remote embedding service.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Local is a deterministic hashed bag-of-words embedder. Each token is
// hashed into a pseudo-random direction and the directions are summed,
// so texts sharing tokens land near each other under cosine similarity.
// No model assets required, which keeps local and test runs hermetic.
type Local struct {
	dim int
}

func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = 384
	}
	return &Local{dim: dim}
}

func (l *Local) Dimensions() int { return l.dim }

func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	acc := make([]float64, l.dim)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		seed := h.Sum64()
		for i := 0; i < l.dim; i++ {
			// LCG stream per token keeps the direction deterministic.
			seed = seed*6364136223846793005 + 1442695040888963407
			acc[i] += float64(int64(seed)) / float64(1<<63)
		}
	}

	if norm := floats.Norm(acc, 2); norm > 0 {
		floats.Scale(1/norm, acc)
	}

	out := make([]float32, l.dim)
	for i, v := range acc {
		out[i] = float32(v)
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

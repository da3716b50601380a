package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/zibochat/engine/internal/embed"
	"github.com/zibochat/engine/internal/observability"
)

var (
	// ErrIndexNotBuilt means no build has ever completed in this process.
	ErrIndexNotBuilt = errors.New("catalog: index never built")
	// ErrIndexUnavailable means a build was attempted and failed, or the
	// live generation cannot serve retrieval.
	ErrIndexUnavailable = errors.New("catalog: index unavailable")
)

// DefaultTopK bounds retrieval when the caller does not pick a k.
const DefaultTopK = 5

// generation is one immutable-by-swap index snapshot. The chromem
// collection handles vector search; products carries the full records
// the collection documents point back to.
type generation struct {
	num int64
	col *chromem.Collection

	mu       sync.RWMutex
	products map[string]Product
}

func (g *generation) product(id string) (Product, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.products[id]
	return p, ok
}

func (g *generation) setProduct(p Product) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.products[p.ID] = p
}

func (g *generation) removeProduct(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.products, id)
}

func (g *generation) size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.products)
}

// Index is the vector similarity index over the product catalog.
// Build embeds into a fresh generation and swaps it in with a single
// atomic pointer update, so queries always observe one consistent
// generation and never block on a concurrent rebuild. Deletes go
// through a tombstone set that reads filter against, covering queries
// still running against a pre-delete snapshot.
type Index struct {
	embedder embed.Embedder
	strict   bool
	metrics  *observability.Metrics
	log      zerolog.Logger

	db         *chromem.DB
	live       atomic.Pointer[generation]
	genSeq     atomic.Int64
	lastFailed atomic.Bool
	tombstones sync.Map

	// Serializes writers (Build/Upsert/Delete); readers never take it.
	writeMu sync.Mutex
}

func NewIndex(embedder embed.Embedder, strict bool, metrics *observability.Metrics, logger zerolog.Logger) *Index {
	return &Index{
		embedder: embedder,
		strict:   strict,
		metrics:  metrics,
		log:      logger,
		db:       chromem.NewDB(),
	}
}

// Build replaces the entire index atomically. The new generation is
// assembled off to the side; concurrent queries keep hitting the old one
// until the swap. On failure the old generation stays live.
func (ix *Index) Build(ctx context.Context, records []Product) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	num := ix.genSeq.Add(1)
	col, err := ix.db.CreateCollection(fmt.Sprintf("products-gen-%d", num), nil, nil)
	if err != nil {
		ix.lastFailed.Store(true)
		return fmt.Errorf("%w: create generation %d: %v", ErrIndexUnavailable, num, err)
	}

	next := &generation{num: num, col: col, products: make(map[string]Product, len(records))}
	for _, rec := range records {
		vec, err := ix.embedder.Embed(ctx, rec.Document())
		if err != nil {
			ix.lastFailed.Store(true)
			_ = ix.db.DeleteCollection(col.Name)
			return fmt.Errorf("%w: embed product %s: %v", ErrIndexUnavailable, rec.ID, err)
		}
		doc := chromem.Document{
			ID:        rec.ID,
			Content:   rec.Document(),
			Embedding: vec,
			Metadata:  map[string]string{"name": rec.Name},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			ix.lastFailed.Store(true)
			_ = ix.db.DeleteCollection(col.Name)
			return fmt.Errorf("%w: add product %s: %v", ErrIndexUnavailable, rec.ID, err)
		}
		next.products[rec.ID] = rec
	}

	prev := ix.live.Swap(next)
	ix.lastFailed.Store(false)
	ix.tombstones.Range(func(k, _ any) bool {
		ix.tombstones.Delete(k)
		return true
	})
	if prev != nil {
		_ = ix.db.DeleteCollection(prev.col.Name)
	}

	ix.metrics.IndexGeneration.Set(float64(num))
	ix.metrics.IndexSize.Set(float64(len(records)))
	ix.log.Info().Int64("generation", num).Int("products", len(records)).Msg("product index built")
	return nil
}

// Upsert adds or replaces records in the live generation without a full
// rebuild. The vector is recomputed from the current document text.
func (ix *Index) Upsert(ctx context.Context, records []Product) error {
	if ix.live.Load() == nil {
		return ix.Build(ctx, records)
	}

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	live := ix.live.Load()
	if live == nil {
		return ErrIndexNotBuilt
	}
	for _, rec := range records {
		vec, err := ix.embedder.Embed(ctx, rec.Document())
		if err != nil {
			return fmt.Errorf("embed product %s: %w", rec.ID, err)
		}
		// chromem keys documents by ID, so adding an existing ID
		// replaces the stored record under the collection lock. A
		// racing query sees either the old or the new version, never
		// neither.
		doc := chromem.Document{
			ID:        rec.ID,
			Content:   rec.Document(),
			Embedding: vec,
			Metadata:  map[string]string{"name": rec.Name},
		}
		if err := live.col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("upsert product %s: %w", rec.ID, err)
		}
		live.setProduct(rec)
		ix.tombstones.Delete(rec.ID)
	}
	ix.metrics.IndexSize.Set(float64(live.size()))
	return nil
}

// Delete removes a product. The tombstone makes the removal visible to
// queries already running against the pre-delete snapshot.
func (ix *Index) Delete(ctx context.Context, productID string) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	ix.tombstones.Store(productID, struct{}{})
	live := ix.live.Load()
	if live == nil {
		return nil
	}
	_ = live.col.Delete(ctx, nil, nil, productID)
	live.removeProduct(productID)
	ix.metrics.IndexSize.Set(float64(live.size()))
	return nil
}

// Query embeds text and returns up to k nearest products, highest
// similarity first. Non-strict mode answers an empty or unbuilt index
// with an empty result; strict mode fails instead, distinguishing a
// never-built index from one whose last build failed.
func (ix *Index) Query(ctx context.Context, text string, k int) ([]Match, error) {
	if k <= 0 {
		k = DefaultTopK
	}

	live := ix.live.Load()
	if live == nil {
		if ix.strict {
			if ix.lastFailed.Load() {
				return nil, ErrIndexUnavailable
			}
			return nil, ErrIndexNotBuilt
		}
		return nil, nil
	}

	count := live.col.Count()
	if count == 0 {
		if ix.strict {
			return nil, ErrIndexUnavailable
		}
		return nil, nil
	}
	if k > count {
		k = count
	}

	start := time.Now()
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	// Punctuation-only text embeds to the zero vector; cosine
	// similarity against it is undefined.
	if isZeroVector(vec) {
		return nil, nil
	}
	results, err := live.col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: query generation %d: %v", ErrIndexUnavailable, live.num, err)
	}
	ix.metrics.ObserveRetrievalLatency(time.Since(start))

	matches := make([]Match, 0, len(results))
	for _, res := range results {
		if _, gone := ix.tombstones.Load(res.ID); gone {
			continue
		}
		rec, ok := live.product(res.ID)
		if !ok {
			continue
		}
		matches = append(matches, Match{Product: rec, Score: res.Similarity})
	}
	return matches, nil
}

func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// Generation reports the live generation number and size, 0/0 before the
// first build.
func (ix *Index) Generation() (int64, int) {
	live := ix.live.Load()
	if live == nil {
		return 0, 0
	}
	return live.num, live.size()
}

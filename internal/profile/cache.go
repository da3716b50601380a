package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/zibochat/engine/internal/observability"
	"github.com/zibochat/engine/internal/storage"
)

// Cache is a read-through profile cache over the storage backend. The
// backend is the source of truth; eviction never loses data. Entries
// expire after the configured TTL, which forces a refresh from the
// backend on the next read.
type Cache struct {
	backend storage.Backend
	cache   *ristretto.Cache
	ttl     time.Duration
	metrics *observability.Metrics
	log     zerolog.Logger

	// Serializes updates AND miss-path load-and-seed: a load that
	// started before an update must never re-seed the pre-update value
	// after the update has refreshed the entry.
	updateMu sync.Mutex

	// Live entry count: incremented on every admitted seed, decremented
	// by ristretto's OnExit for deletes, replacements, and evictions.
	entries atomic.Int64
}

func NewCache(backend storage.Backend, capacity int64, ttl time.Duration, metrics *observability.Metrics, logger zerolog.Logger) (*Cache, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Cache{
		backend: backend,
		ttl:     ttl,
		metrics: metrics,
		log:     logger,
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
		OnExit: func(any) {
			c.entries.Add(-1)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("profile cache init: %w", err)
	}
	c.cache = rc
	return c, nil
}

func storageKey(userID string) string {
	return "profile/" + userID
}

// Get returns the cached profile, refreshing from the backend on miss or
// TTL expiry. Unknown users receive a default record.
func (c *Cache) Get(ctx context.Context, userID string) (Profile, error) {
	if v, ok := c.cache.Get(userID); ok {
		if p, ok := v.(Profile); ok {
			c.metrics.ProfileCacheEvents.WithLabelValues("hit").Inc()
			return clone(p), nil
		}
	}
	c.metrics.ProfileCacheEvents.WithLabelValues("miss").Inc()

	// The miss path holds the update lock across load-and-seed so an
	// update completing mid-load can never be overwritten by the older
	// record we read from the backend.
	c.updateMu.Lock()
	defer c.updateMu.Unlock()
	if v, ok := c.cache.Get(userID); ok {
		if p, ok := v.(Profile); ok {
			return clone(p), nil
		}
	}
	p, err := c.load(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	c.seed(userID, p)
	return p, nil
}

// Update merges p into the current record, persists it, and atomically
// replaces the cache entry so a subsequent Get never observes the
// pre-update value.
func (c *Cache) Update(ctx context.Context, userID string, p Partial) (Profile, error) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	cur, err := c.load(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	next := Merge(cur, p, time.Now().UTC())
	if err := storage.PutJSON(ctx, c.backend, storageKey(userID), next); err != nil {
		return Profile{}, fmt.Errorf("persist profile %s: %w", userID, err)
	}

	c.cache.Del(userID)
	c.seed(userID, next)
	c.metrics.ProfileCacheEvents.WithLabelValues("refresh").Inc()
	c.log.Debug().Str("user_id", userID).Msg("profile updated")
	return next, nil
}

// seed stores p and flushes the write buffers before returning;
// ristretto applies Del/Set asynchronously otherwise. Callers hold
// updateMu.
func (c *Cache) seed(userID string, p Profile) {
	if c.cache.SetWithTTL(userID, clone(p), 1, c.ttl) {
		c.entries.Add(1)
	}
	c.cache.Wait()
}

func (c *Cache) load(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	err := storage.GetJSON(ctx, c.backend, storageKey(userID), &p)
	switch {
	case err == nil:
		p.UserID = userID
		return clone(p), nil
	case errors.Is(err, storage.ErrNotFound):
		return Default(userID), nil
	default:
		return Profile{}, fmt.Errorf("load profile %s: %w", userID, err)
	}
}

// Size reports how many entries the cache currently holds.
func (c *Cache) Size() int {
	if n := c.entries.Load(); n > 0 {
		return int(n)
	}
	return 0
}

func (c *Cache) Close() {
	c.cache.Close()
}

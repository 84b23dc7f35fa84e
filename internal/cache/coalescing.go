package cache

import (
	"context"
	"log/slog"
	"weak"
)

// AsyncMissFunc resolves a key on a miss for a Coalescing cache. It may
// block (typically a database fetch); returning (nil, nil) means "do not
// cache", as with MissFunc.
type AsyncMissFunc[K comparable, V any] func(ctx context.Context, key K, extra ...any) (*V, error)

type result[V any] struct {
	value *V
	err   error
}

// Coalescing wraps an LRU with request coalescing: when several callers
// Get the same unresolved key concurrently, exactly one miss-function
// call runs and every caller receives its outcome. The waiter list for a
// key is the sole ownership signal — while it exists, that key's fetch
// belongs to the caller that created it and everyone else waits.
//
// Miss-function failures fan out to every coalesced waiter and are also
// logged, and the key is left uncached. A successful fetch records a
// single recency reference no matter how many callers coalesced on it.
type Coalescing[K comparable, V any] struct {
	lru      *LRU[K, V]
	missFn   AsyncMissFunc[K, V]
	logger   *slog.Logger
	inflight map[K][]chan result[V] // guarded by lru.mu
}

// NewCoalescing creates a coalescing cache of at most maxSize owned
// entries. Miss-function failures are reported through logger.
func NewCoalescing[K comparable, V any](missFn AsyncMissFunc[K, V], maxSize int, logger *slog.Logger) *Coalescing[K, V] {
	return &Coalescing[K, V]{
		lru:      New[K, V](nil, maxSize),
		missFn:   missFn,
		logger:   logger.With("component", "cache"),
		inflight: make(map[K][]chan result[V]),
	}
}

// Get fetches the value for key. Hits and ref-hits return immediately;
// a miss either starts the one permitted fetch for key or joins the
// fetch already in flight. Joining counts as a hit.
//
// ctx applies to the fetch this caller starts and to its own wait; a
// fetch already started runs to completion regardless of any one
// waiter's cancellation, and its result is still cached.
func (c *Coalescing[K, V]) Get(ctx context.Context, key K, extra ...any) (*V, error) {
	c.lru.mu.Lock()
	if v, ok := c.lru.getHit(key); ok {
		c.lru.mu.Unlock()
		return v, nil
	}

	if waiters, ok := c.inflight[key]; ok {
		// A fetch is in flight; join it rather than duplicate it.
		c.lru.hits++
		ch := make(chan result[V], 1)
		c.inflight[key] = append(waiters, ch)
		c.lru.mu.Unlock()

		select {
		case r := <-ch:
			return r.value, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.lru.misses++
	ch := make(chan result[V], 1)
	c.inflight[key] = []chan result[V]{ch}
	c.lru.mu.Unlock()

	v, err := c.missFn(ctx, key, extra...)
	c.complete(key, v, err)

	r := <-ch
	return r.value, r.err
}

// complete records a fetch outcome and fans it out to every waiter.
func (c *Coalescing[K, V]) complete(key K, value *V, err error) {
	c.lru.mu.Lock()
	if err == nil && value != nil {
		c.lru.cache[key] = value
		c.lru.weakrefs[key] = weak.Make(value)
		// One reference stands in for all coalesced accesses.
		c.lru.refKey(key)
		c.lru.purge()
	}
	waiters := c.inflight[key]
	delete(c.inflight, key)
	c.lru.mu.Unlock()

	if err != nil {
		c.logger.Error("cache fetch failed", "key", key, "error", err, "waiters", len(waiters))
	}
	for _, w := range waiters {
		w <- result[V]{value: value, err: err}
	}
}

// Put overwrites an existing entry; see LRU.Put.
func (c *Coalescing[K, V]) Put(key K, value *V) {
	c.lru.Put(key, value)
}

// SetMaxSize changes the capacity of the underlying LRU.
func (c *Coalescing[K, V]) SetMaxSize(maxSize int) {
	c.lru.SetMaxSize(maxSize)
}

// Stats returns a snapshot of the underlying counters.
func (c *Coalescing[K, V]) Stats() Stats {
	return c.lru.Stats()
}

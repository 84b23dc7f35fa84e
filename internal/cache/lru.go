// Package cache provides the shared object cache used across the server
// to avoid re-fetching identical database rows: a bounded LRU over an
// owning table, backed by a non-owning weak table so values still held
// elsewhere in the process remain reachable after eviction.
package cache

import (
	"fmt"
	"sync"
	"weak"
)

// queueSizeFactor bounds the recency queue at maxSize * queueSizeFactor
// before it is compacted.
const queueSizeFactor = 10

// DefaultMaxSize is used when a non-positive max size is given.
const DefaultMaxSize = 50

// MissFunc resolves a key on a cache miss. Returning (nil, nil) means
// "do not cache" — the nil is handed back to the caller but no entry is
// created, so negative lookups are not cached. The extra arguments are
// passed through from Get; callers must ensure they are functionally
// identical for a given key, since a hit never invokes the MissFunc.
type MissFunc[K comparable, V any] func(key K, extra ...any) (*V, error)

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits    int64 // lookups served from the owning table
	RefHits int64 // lookups served from the weak table
	Misses  int64 // lookups that invoked the miss function
	Len     int   // current owning-table size
}

// LRU is a least-recently-used cache with a fixed maximum size. Evicted
// values are retained in a weak table for as long as some other
// component holds them, so a later lookup re-promotes the same object
// instead of fetching a duplicate.
//
// Recency is an append-only queue of key references plus a per-key
// reference count; the queue is compacted once it exceeds
// maxSize*queueSizeFactor, keeping each key once in recency order.
//
// The zero value is not usable; construct with New. Get holds the cache
// lock across the miss function, so lookups for distinct keys serialize
// — that is what Coalescing is for.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	maxSize  int
	maxQueue int
	queue    []K
	cache    map[K]*V
	weakrefs map[K]weak.Pointer[V]
	refcount map[K]int
	missFn   MissFunc[K, V]

	hits    int64
	refhits int64
	misses  int64
}

// New creates an LRU holding at most maxSize entries in its owning
// table, resolving misses through missFn.
func New[K comparable, V any](missFn MissFunc[K, V], maxSize int) *LRU[K, V] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &LRU[K, V]{
		maxSize:  maxSize,
		maxQueue: maxSize * queueSizeFactor,
		cache:    make(map[K]*V),
		weakrefs: make(map[K]weak.Pointer[V]),
		refcount: make(map[K]int),
		missFn:   missFn,
	}
}

// Get fetches the value for key, invoking the miss function if it is in
// neither table. A miss-function error propagates to the caller and
// nothing is cached.
func (c *LRU[K, V]) Get(key K, extra ...any) (*V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.getHit(key); ok {
		return v, nil
	}

	c.misses++
	v, err := c.missFn(key, extra...)
	if err != nil {
		return nil, err
	}
	if v != nil {
		c.insert(key, v)
	}
	return v, nil
}

// Put overwrites an existing entry in either table. It never inserts a
// brand-new key; insertion only happens through a recorded miss in Get.
func (c *LRU[K, V]) Put(key K, value *V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.cache[key]; ok {
		c.cache[key] = value
		c.weakrefs[key] = weak.Make(value)
		return
	}
	if wp, ok := c.weakrefs[key]; ok {
		if wp.Value() != nil {
			c.weakrefs[key] = weak.Make(value)
		} else {
			delete(c.weakrefs, key)
		}
	}
}

// SetMaxSize changes the cache capacity, evicting immediately if the
// cache is now over size. A no-op if the size is unchanged.
func (c *LRU[K, V]) SetMaxSize(maxSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize == maxSize {
		return
	}
	c.maxSize = maxSize
	c.maxQueue = maxSize * queueSizeFactor
	c.purge()
}

// Stats returns a snapshot of the hit/miss counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, RefHits: c.refhits, Misses: c.misses, Len: len(c.cache)}
}

// getHit serves key from the owning table, or promotes it from the weak
// table. Caller holds c.mu.
func (c *LRU[K, V]) getHit(key K) (*V, bool) {
	if v, ok := c.cache[key]; ok {
		c.hits++
		c.refKey(key)
		return v, true
	}
	if wp, ok := c.weakrefs[key]; ok {
		if v := wp.Value(); v != nil {
			c.refhits++
			c.cache[key] = v
			c.refKey(key)
			return v, true
		}
		// value was collected; the entry is stale
		delete(c.weakrefs, key)
	}
	return nil, false
}

// insert records a freshly resolved value in both tables. Caller holds
// c.mu.
func (c *LRU[K, V]) insert(key K, value *V) {
	c.cache[key] = value
	c.weakrefs[key] = weak.Make(value)
	c.refKey(key)
	c.purge()
}

// refKey appends one recency reference for key, compacting the queue
// when it outgrows maxQueue. Compaction keeps each key exactly once,
// preserving relative recency. Caller holds c.mu.
func (c *LRU[K, V]) refKey(key K) {
	c.queue = append(c.queue, key)
	c.refcount[key]++

	if len(c.queue) <= c.maxQueue {
		return
	}

	// Walk newest-to-oldest keeping the first occurrence of each key,
	// then reverse back to oldest-first.
	compacted := make([]K, 0, len(c.refcount))
	seen := make(map[K]struct{}, len(c.refcount))
	for i := len(c.queue) - 1; i >= 0; i-- {
		k := c.queue[i]
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		compacted = append(compacted, k)
	}
	for i, j := 0, len(compacted)-1; i < j; i, j = i+1, j-1 {
		compacted[i], compacted[j] = compacted[j], compacted[i]
	}

	c.queue = compacted
	clear(c.refcount)
	for _, k := range compacted {
		c.refcount[k] = 1
	}
}

// purge evicts least-recently-referenced keys from the owning table
// until it fits maxSize. The weak table is never purged. Caller holds
// c.mu.
func (c *LRU[K, V]) purge() {
	for len(c.cache) > c.maxSize {
		// Pop queue entries until some key's refcount drops to zero:
		// no newer reference to it remains, so it is the LRU key.
		var k K
		for refc := 1; refc > 0; {
			k = c.queue[0]
			c.queue = c.queue[1:]
			c.refcount[k]--
			refc = c.refcount[k]
		}
		delete(c.cache, k)
		delete(c.refcount, k)
	}
}

// checkInvariants verifies internal consistency: the queue and the
// owning table hold the same key set, and each refcount equals the
// key's occurrence count in the queue. Used by tests and diagnostics.
func (c *LRU[K, V]) checkInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	queued := make(map[K]int, len(c.refcount))
	for _, k := range c.queue {
		queued[k]++
	}
	for k := range queued {
		if _, ok := c.cache[k]; !ok {
			return fmt.Errorf("queued key %v not in cache", k)
		}
	}
	for k := range c.cache {
		if _, ok := queued[k]; !ok {
			return fmt.Errorf("cached key %v not in queue", k)
		}
	}
	for k, n := range queued {
		if c.refcount[k] != n {
			return fmt.Errorf("refcount[%v] = %d, queue has %d", k, c.refcount[k], n)
		}
	}
	for k := range c.refcount {
		if _, ok := queued[k]; !ok {
			return fmt.Errorf("refcounted key %v not in queue", k)
		}
	}
	return nil
}

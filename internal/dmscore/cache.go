package dmscore

import (
	"container/list"
	"sync"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/vmihailenco/msgpack/v5"
)

// cacheKey identifies one read_history result.
type cacheKey struct {
	Symbol   string
	Interval string
	Start    int64
	End      int64
}

type cacheEntry struct {
	key     cacheKey
	encoded []byte // msgpack-encoded []barstore.Bar
	expiry  time.Time
	elem    *list.Element
}

// ReadCache is an access-order LRU in front of BarStore.Read, keyed by
// (symbol, start, end, interval), with TTL-based expiry. Values are
// stored msgpack-encoded, both to keep the resident set small and to
// give callers a copy-safe snapshot (decoding allocates a fresh slice
// each Get).
type ReadCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	entries  map[cacheKey]*cacheEntry
}

// NewReadCache creates a cache with the given capacity (entry count)
// and TTL. capacity <= 0 disables caching (Get always misses).
func NewReadCache(capacity int, ttl time.Duration) *ReadCache {
	return &ReadCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  map[cacheKey]*cacheEntry{},
	}
}

func key(sym, interval string, start, end time.Time) cacheKey {
	return cacheKey{Symbol: sym, Interval: interval, Start: start.Unix(), End: end.Unix()}
}

// Get returns a cached read_history result, if present and unexpired.
func (c *ReadCache) Get(sym, interval string, start, end time.Time) ([]barstore.Bar, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(sym, interval, start, end)
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiry) {
		c.evict(e)
		return nil, false
	}
	c.order.MoveToFront(e.elem)

	var bars []barstore.Bar
	if err := msgpack.Unmarshal(e.encoded, &bars); err != nil {
		c.evict(e)
		return nil, false
	}
	return bars, true
}

// Put stores a read_history result, evicting the least-recently-used
// entry if the cache is at capacity.
func (c *ReadCache) Put(sym, interval string, start, end time.Time, bars []barstore.Bar) {
	if c.capacity <= 0 {
		return
	}
	encoded, err := msgpack.Marshal(bars)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(sym, interval, start, end)
	if existing, ok := c.entries[k]; ok {
		existing.encoded = encoded
		existing.expiry = time.Now().Add(c.ttl)
		c.order.MoveToFront(existing.elem)
		return
	}

	e := &cacheEntry{key: k, encoded: encoded, expiry: time.Now().Add(c.ttl)}
	e.elem = c.order.PushFront(e)
	c.entries[k] = e

	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.evict(oldest.Value.(*cacheEntry))
	}
}

// evict must be called with c.mu held.
func (c *ReadCache) evict(e *cacheEntry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

// Len returns the current entry count, used by tests.
func (c *ReadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

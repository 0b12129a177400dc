package embcache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memEntry struct {
	key       string
	vec       []float32
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache with an optional LRU bound.
// Expired entries are evicted lazily: on lookup and when the same key is written.
type MemoryCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front = most recently used
}

// NewMemoryCache creates a cache. ttl <= 0 disables expiry and
// maxEntries <= 0 disables the size bound.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	return &MemoryCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		items:      make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// Get returns the vector stored under key if present and not expired.
func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*memEntry)
	if c.expired(e) {
		c.remove(el)
		return nil, false
	}
	c.lru.MoveToFront(el)
	return e.vec, true
}

// Set stores vec under key. Concurrent writers of one key are last-writer-wins.
func (c *MemoryCache) Set(_ context.Context, key string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if c.ttl > 0 {
		exp = c.now().Add(c.ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*memEntry)
		e.vec, e.expiresAt = vec, exp
		c.lru.MoveToFront(el)
		return nil
	}

	c.items[key] = c.lru.PushFront(&memEntry{key: key, vec: vec, expiresAt: exp})
	if c.maxEntries > 0 {
		for c.lru.Len() > c.maxEntries {
			c.remove(c.lru.Back())
		}
	}
	return nil
}

// Len returns the number of held entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *MemoryCache) expired(e *memEntry) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

func (c *MemoryCache) remove(el *list.Element) {
	c.lru.Remove(el)
	delete(c.items, el.Value.(*memEntry).key)
}

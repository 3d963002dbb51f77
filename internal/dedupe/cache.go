package dedupe

import (
	"sync"
	"time"
)

type entry struct {
	key string
	ts  time.Time
}

// Cache keeps a bounded set of recently handled keys (rebuild request ids)
// so that redelivered messages are not processed twice.
type Cache struct {
	mu       sync.Mutex
	items    map[string]time.Time
	order    []entry
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// NewCache creates a cache with the provided capacity and ttl.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		items:    make(map[string]time.Time, capacity),
		order:    make([]entry, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// IsSeen returns true when the key has already been observed inside the ttl
// window. It does not record the key; use MarkSeen for that.
func (c *Cache) IsSeen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenLocked(key, c.now())
}

// MarkSeen records that a key has been handled.
func (c *Cache) MarkSeen(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.items[key] = now
	c.order = append(c.order, entry{key: key, ts: now})
	c.compact(now)
}

// Claim marks key as seen and reports whether it was new. Concurrent callers
// with the same key get true exactly once per ttl window.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.seenLocked(key, now) {
		return false
	}
	c.items[key] = now
	c.order = append(c.order, entry{key: key, ts: now})
	c.compact(now)
	return true
}

// Forget drops key so that a failed request can be retried.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) seenLocked(key string, now time.Time) bool {
	ts, ok := c.items[key]
	return ok && now.Sub(ts) <= c.ttl
}

func (c *Cache) compact(now time.Time) {
	cutoff := now.Add(-c.ttl)

	for len(c.order) > 0 && (len(c.items) > c.capacity || c.order[0].ts.Before(cutoff)) {
		oldest := c.order[0]
		c.order = c.order[1:]

		if ts, ok := c.items[oldest.key]; ok && ts.Equal(oldest.ts) {
			delete(c.items, oldest.key)
		}
	}
}

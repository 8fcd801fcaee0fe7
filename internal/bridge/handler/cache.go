package handler

import (
	"sync"
	"time"
)

// requestIDCache remembers request ids until their signed timestamp can no
// longer pass the skew check. An expired id is safe to forget.
type requestIDCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func newRequestIDCache(ttl time.Duration) *requestIDCache {
	return &requestIDCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// add records id and reports whether it was unseen.
func (c *requestIDCache) add(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.entries[id]; ok && now.Before(exp) {
		return false
	}
	c.entries[id] = now.Add(c.ttl)
	return true
}

// evict removes all expired entries.
func (c *requestIDCache) evict(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *requestIDCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

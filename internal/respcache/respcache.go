// Package respcache is a short-TTL cache for rendered HTTP responses. It sits
// in front of the donation aggregator so repeated polling of the total
// endpoint does not hit the upstream API inside the freshness window.
package respcache

import (
	"sync"
	"time"
)

// Entry is a snapshot of a successful response: status, content type and body.
type Entry struct {
	Status      int
	ContentType string
	Body        []byte
}

type cacheItem struct {
	entry     Entry
	expiresAt time.Time
}

// Cache is a thread-safe in-memory response cache. Keys are request paths
// with the query string stripped, so client-supplied params cannot fragment
// or bust the cache.
type Cache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
}

// New creates an empty response cache.
func New() *Cache {
	return &Cache{items: make(map[string]cacheItem)}
}

// Lookup returns the cached entry for key if it is still fresh.
func (c *Cache) Lookup(key string) (Entry, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(item.expiresAt) {
		return Entry{}, false
	}
	return item.entry, true
}

// Store saves entry under key for ttl. The body slice is copied so callers
// may reuse their buffer.
func (c *Cache) Store(key string, entry Entry, ttl time.Duration) {
	body := make([]byte, len(entry.Body))
	copy(body, entry.Body)
	entry.Body = body

	c.mu.Lock()
	c.items[key] = cacheItem{entry: entry, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Cleanup drops expired entries.
func (c *Cache) Cleanup() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

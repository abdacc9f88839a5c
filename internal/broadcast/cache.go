package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// Cache is a single-slot holder for the most recent result. Readers never
// block and always observe either nothing or a complete result.
type Cache struct {
	writeMu sync.Mutex
	latest  atomic.Pointer[scrape.Result]
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Store replaces the cached result and returns the stored copy with its
// sequence number assigned.
func (c *Cache) Store(result scrape.Result) scrape.Result {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var seq uint64
	if prev := c.latest.Load(); prev != nil {
		seq = prev.Seq
	}
	result.Seq = seq + 1
	stored := result
	c.latest.Store(&stored)
	return stored
}

// Restore seeds the cache with a previously saved result, keeping its
// sequence number. It is a no-op once the cache holds a result.
func (c *Cache) Restore(result scrape.Result) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.latest.Load() != nil {
		return false
	}
	stored := result
	c.latest.Store(&stored)
	return true
}

// Load returns the cached result, if any.
func (c *Cache) Load() (scrape.Result, bool) {
	ptr := c.latest.Load()
	if ptr == nil {
		return scrape.Result{}, false
	}
	return *ptr, true
}

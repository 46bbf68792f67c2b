package discovery

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	upstreamID string
	models     []Model
	expiresAt  time.Time
}

// Cache is a thread-safe, bounded-TTL LRU cache of an upstream's discovered
// model list, keyed by upstream ID. Discovery calls out to the upstream's
// API, so repeated admin reads within the TTL window are served from memory
// instead of re-listing on every request.
//
// Adapted from internal/cache.Memory's container/list LRU, retyped for a
// discovery result instead of a proxied chat response.
type Cache struct {
	mu        sync.Mutex
	capacity  int
	ttl       time.Duration
	items     map[string]*list.Element
	evictList *list.List
}

// NewCache creates a bounded-TTL LRU cache for discovered model lists.
func NewCache(capacity int, ttl time.Duration) *Cache {
	return &Cache{
		capacity:  capacity,
		ttl:       ttl,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached model list for upstreamID, or false if missing or
// expired.
func (c *Cache) Get(upstreamID string) ([]Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[upstreamID]
	if !ok {
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil, false
	}

	c.evictList.MoveToFront(elem)
	return entry.models, true
}

// Set stores a discovered model list with the configured TTL.
func (c *Cache) Set(upstreamID string, models []Model) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[upstreamID]; ok {
		c.evictList.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.models = models
		entry.expiresAt = time.Now().Add(c.ttl)
		return
	}

	if c.evictList.Len() >= c.capacity {
		c.removeOldest()
	}

	entry := &cacheEntry{
		upstreamID: upstreamID,
		models:     models,
		expiresAt:  time.Now().Add(c.ttl),
	}
	elem := c.evictList.PushFront(entry)
	c.items[upstreamID] = elem
}

// Len returns the number of upstreams currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

func (c *Cache) removeOldest() {
	elem := c.evictList.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}

func (c *Cache) removeElement(elem *list.Element) {
	c.evictList.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.upstreamID)
}

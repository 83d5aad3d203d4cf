// Package cache provides the claim and counter stores behind dedup and
// velocity tracking.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRUCache is a thread-safe LRU store with TTL support.
// Used as the Community tier cache and as L1 in two-phase caching.
// Claims and counters share one recency list so memory stays bounded.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

type cacheEntry struct {
	key       string
	count     int64
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Claim records key if it is absent or expired.
func (c *LRUCache) Claim(ctx context.Context, namespace string, key string, ttl time.Duration) (bool, error) {
	fullKey := makeKey(namespace, "claim:"+key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry := c.lookup(fullKey); entry != nil {
		return false, nil
	}

	c.insert(fullKey, 1, ttl)
	return true, nil
}

// Release removes a claim.
func (c *LRUCache) Release(ctx context.Context, namespace string, key string) error {
	fullKey := makeKey(namespace, "claim:"+key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.removeElement(elem)
	}
	return nil
}

// IncrementCounter atomically increments a windowed counter.
func (c *LRUCache) IncrementCounter(ctx context.Context, namespace string, key string, window time.Duration) (int64, error) {
	fullKey := makeKey(namespace, "counter:"+key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry := c.lookup(fullKey); entry != nil {
		entry.count++
		return entry.count, nil
	}

	// Start new counter window
	c.insert(fullKey, 1, window)
	return 1, nil
}

// DecrementCounter lowers a live counter, leaving its window unchanged.
func (c *LRUCache) DecrementCounter(ctx context.Context, namespace string, key string) error {
	fullKey := makeKey(namespace, "counter:"+key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry := c.lookup(fullKey); entry != nil && entry.count > 0 {
		entry.count--
	}
	return nil
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

// lookup returns the live entry for key, dropping it if expired.
// Caller holds mu.
func (c *LRUCache) lookup(fullKey string) *cacheEntry {
	elem, ok := c.items[fullKey]
	if !ok {
		return nil
	}

	entry := elem.Value.(*cacheEntry)
	if !c.now().Before(entry.expiresAt) {
		c.removeElement(elem)
		return nil
	}

	c.order.MoveToFront(elem)
	return entry
}

func (c *LRUCache) insert(fullKey string, count int64, ttl time.Duration) {
	entry := &cacheEntry{
		key:       fullKey,
		count:     count,
		expiresAt: c.now().Add(ttl),
	}
	c.items[fullKey] = c.order.PushFront(entry)

	// Evict if over capacity
	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}

func makeKey(namespace, key string) string {
	return namespace + ":" + key
}

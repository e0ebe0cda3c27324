// Package dedup keeps the crawler from re-enqueueing a creator it has seen
// recently.
package dedup

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults used when a Cache is built with non-positive settings.
const (
	DefaultTTL        = 600 * time.Second
	DefaultMaxEntries = 128
)

// Cache is a bounded, time-limited set of handles. An entry disappears after
// its TTL or when the capacity bound pushes it out, whichever happens first.
// All methods are safe for concurrent use.
type Cache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

// NewCache creates a cache holding at most maxEntries handles for ttl each.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		lru: expirable.NewLRU[string, struct{}](maxEntries, nil, ttl),
	}
}

// ShouldEnqueue reports whether handle is absent from the cache. Expired
// entries count as absent.
func (c *Cache) ShouldEnqueue(handle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lru.Peek(key(handle))
	return !ok
}

// MarkEnqueued records handle with a fresh TTL.
func (c *Cache) MarkEnqueued(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key(handle), struct{}{})
}

// TryReserve is ShouldEnqueue followed by MarkEnqueued under one lock. It
// returns true for exactly one caller per handle per TTL window.
func (c *Cache) TryReserve(handle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Peek(key(handle)); ok {
		return false
	}
	c.lru.Add(key(handle), struct{}{})
	return true
}

// Len returns the number of entries held. Expired entries are counted until
// the cache purges them.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// key folds case, since "@Guest1" and "@guest1" name the same creator.
func key(handle string) string {
	return strings.ToLower(handle)
}

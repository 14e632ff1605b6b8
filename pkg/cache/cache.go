// Package cache is a small in-memory TTL cache for read-mostly views.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is safe for concurrent use. Expired entries are never returned and
// are dropped by a background sweep.
type Cache[V any] struct {
	mu         sync.RWMutex
	items      map[string]entry[V]
	defaultTTL time.Duration
	now        func() time.Time

	hits   uint64
	misses uint64

	stop     chan struct{}
	stopOnce sync.Once
}

func New[V any](defaultTTL time.Duration) *Cache[V] {
	c := &Cache[V]{
		items:      make(map[string]entry[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	if defaultTTL > 0 {
		go c.sweep(defaultTTL)
	}
	return c
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || !c.now().Before(e.expiresAt) {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// GetOrSet returns the cached value for key or loads, stores and returns it.
// Load errors are not cached.
func (c *Cache[V]) GetOrSet(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Invalidate drops every key starting with prefix; an empty prefix drops
// everything.
func (c *Cache[V]) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
		}
	}
}

func (c *Cache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
		}
	}
}

func (c *Cache[V]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

type Stats struct {
	Size   int
	Hits   uint64
	Misses uint64
}

func (c *Cache[V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Size: len(c.items), Hits: c.hits, Misses: c.misses}
}

// internal/cache/cache.go
package cache

import (
	"sync"
	"time"
)

// Cache is a TTL map owned by whoever needs request-scoped memoization.
// Handlers receive one through their service instead of sharing a package
// global, so tests get isolation for free.
type Cache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]entry
	now   func() time.Time
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:   ttl,
		items: make(map[string]entry),
		now:   time.Now,
	}
}

func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// Sweep drops every expired entry. Callers run it periodically so long-idle
// keys don't pin memory.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

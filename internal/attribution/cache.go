package attribution

import (
	"context"
	"sync"
	"time"
)

// PortResolver is the lookup interface the cache wraps and implements.
type PortResolver interface {
	Resolve(ctx context.Context, port uint16) Attribution
}

// DefaultTTL bounds how long a cached attribution is trusted. Ephemeral
// ports get reused, so this stays short.
const DefaultTTL = 3 * time.Second

// Cache memoizes attributions per source port. A dropped connection keeps
// retransmitting while it dies and every retransmit reaches the watcher;
// without the cache each one would cost a full process-table scan. Only
// successful attributions are cached, misses retry every time.
type Cache struct {
	sync.RWMutex
	inner   PortResolver
	ttl     time.Duration
	entries map[uint16]cacheEntry
}

type cacheEntry struct {
	att     Attribution
	addedAt time.Time
}

// NewCache wraps inner. A non-positive ttl means DefaultTTL.
func NewCache(inner PortResolver, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[uint16]cacheEntry),
	}
}

func (c *Cache) Resolve(ctx context.Context, port uint16) Attribution {
	if att, ok := c.get(port); ok {
		return att
	}

	att := c.inner.Resolve(ctx, port)
	if att.Error == "" {
		c.Lock()
		c.entries[port] = cacheEntry{att: att, addedAt: time.Now()}
		c.Unlock()
	}
	return att
}

func (c *Cache) get(port uint16) (Attribution, bool) {
	c.RLock()
	defer c.RUnlock()

	entry, ok := c.entries[port]
	if !ok || time.Since(entry.addedAt) > c.ttl {
		return Attribution{}, false
	}
	return entry.att, true
}

package tenant

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// LoadFunc fetches a tenant's stored connection string on a cache miss.
type LoadFunc func(ctx context.Context) (string, error)

// ConnectionCache caches stored connection strings by tenant code.
// GetOrLoad must run at most one load per code at a time.
type ConnectionCache interface {
	GetOrLoad(ctx context.Context, code string, load LoadFunc) (string, error)
	Invalidate(ctx context.Context, code string) error
}

type cacheEntry struct {
	tenantCode string
	connection string
	expiresAt  time.Time
}

// MemoryCache is a process-local TTL cache. Entries are never updated in
// place; a refresh replaces the entry.
type MemoryCache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewMemoryCache creates a cache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *MemoryCache) lookup(code string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[code]
	if !ok || !c.now().Before(e.expiresAt) {
		return "", false
	}
	return e.connection, true
}

// GetOrLoad implements ConnectionCache.
func (c *MemoryCache) GetOrLoad(ctx context.Context, code string, load LoadFunc) (string, error) {
	if conn, ok := c.lookup(code); ok {
		return conn, nil
	}

	v, err, _ := c.group.Do(code, func() (interface{}, error) {
		if conn, ok := c.lookup(code); ok {
			return conn, nil
		}
		// Waiters share this load, so one caller giving up must not fail it.
		conn, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.entries[code] = cacheEntry{tenantCode: code, connection: conn, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate implements ConnectionCache.
func (c *MemoryCache) Invalidate(_ context.Context, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, code)
	return nil
}

// Purge drops expired entries.
func (c *MemoryCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	for code, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, code)
			purged++
		}
	}
	return purged
}

// Len returns the number of cached entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

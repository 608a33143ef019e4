// Package statscache shields node agents from request storms when
// clients poll live resource usage.
//
// Snapshots are cached per server for a short TTL. When an entry
// expires under concurrent read pressure, exactly one refresh call is
// in flight per key; other readers join that flight instead of each
// hitting the agent. A failed refresh is reported to the callers that
// joined it and never overwrites the last good snapshot.
package statscache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"nodewarden/internal/domain"
)

// DefaultTTL is how long a usage snapshot is served without a new
// agent call.
const DefaultTTL = 20 * time.Second

// FetchFunc retrieves a fresh usage snapshot for one server.
type FetchFunc func(ctx context.Context, serverID string) (*domain.ResourceUsage, error)

type entry struct {
	usage     *domain.ResourceUsage
	fetchedAt time.Time
}

// Cache is a time-boxed cache over a usage fetcher.
type Cache struct {
	fetch FetchFunc
	ttl   time.Duration
	now   func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a cache over fetch. A non-positive ttl falls back to
// DefaultTTL.
func New(fetch FetchFunc, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		fetch:   fetch,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Usage returns the server's resource snapshot, fetching through to the
// agent only when the cached value has expired.
func (c *Cache) Usage(ctx context.Context, serverID string) (*domain.ResourceUsage, error) {
	if usage, ok := c.fresh(serverID); ok {
		return usage, nil
	}

	v, err, _ := c.group.Do(serverID, func() (any, error) {
		// A flight that completed while this caller was queueing may
		// already have refreshed the entry.
		if usage, ok := c.fresh(serverID); ok {
			return usage, nil
		}

		usage, err := c.fetch(ctx, serverID)
		if err != nil {
			// Keep the previous snapshot untouched; it stays
			// servable for readers that raced in before expiry.
			return nil, err
		}

		c.mu.Lock()
		c.entries[serverID] = entry{usage: usage, fetchedAt: c.now()}
		c.mu.Unlock()
		return usage, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ResourceUsage), nil
}

// Invalidate drops the cached snapshot for one server. Used when the
// server is deleted.
func (c *Cache) Invalidate(serverID string) {
	c.mu.Lock()
	delete(c.entries, serverID)
	c.mu.Unlock()
}

func (c *Cache) fresh(serverID string) (*domain.ResourceUsage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[serverID]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	return e.usage, true
}

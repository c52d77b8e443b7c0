// Package cache provides TTL-based caching for whitelist lookups. Game
// servers poll the whitelist on every connection attempt; the cache keeps
// that hot path off the database.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TrustInBlood/roster-control/pkg/metrics"
)

// DefaultTTL is the default time-to-live for cached lookups. Reconciliation
// flushes the cache on every write, so the TTL only bounds staleness from
// writes made outside this process.
const DefaultTTL = 30 * time.Second

// Checker answers whether a game identity currently holds access.
type Checker interface {
	IsWhitelisted(ctx context.Context, steamID string) (bool, error)
}

// entry stores a cached lookup result with its timestamp.
type entry struct {
	allowed  bool
	err      error
	cachedAt time.Time
}

// Stats contains lookup cache statistics.
type Stats struct {
	// Hits is the number of cache hits.
	Hits int64

	// Misses is the number of cache misses.
	Misses int64

	// Flushes is the number of full invalidations.
	Flushes int64

	// Size is the current number of entries in the cache.
	Size int64
}

// CachedChecker wraps a Checker with TTL-based caching.
//
// Lookup results (including errors) are cached to prevent thundering herd
// problems when many connection attempts arrive at once. The cache uses a
// double-check locking pattern: first RLock to check for a valid entry,
// then Lock to populate if needed.
type CachedChecker struct {
	inner   Checker
	cache   map[string]*entry
	mu      sync.RWMutex
	ttl     time.Duration
	metrics *metrics.SyncMetrics

	hits    atomic.Int64
	misses  atomic.Int64
	flushes atomic.Int64
}

// New creates a caching wrapper around inner. A non-positive ttl falls
// back to DefaultTTL. m may be nil.
func New(inner Checker, ttl time.Duration, m *metrics.SyncMetrics) *CachedChecker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedChecker{
		inner:   inner,
		cache:   make(map[string]*entry),
		ttl:     ttl,
		metrics: m,
	}
}

// IsWhitelisted answers a lookup, returning cached results when available.
func (c *CachedChecker) IsWhitelisted(ctx context.Context, steamID string) (bool, error) {
	c.mu.RLock()
	if e, ok := c.cache[steamID]; ok {
		if time.Since(e.cachedAt) < c.ttl {
			c.mu.RUnlock()
			c.hits.Add(1)
			c.metrics.RecordCacheLookup(true)
			return e.allowed, e.err
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()

	// Double-check: another goroutine may have populated while we waited.
	if e, ok := c.cache[steamID]; ok {
		if time.Since(e.cachedAt) < c.ttl {
			c.mu.Unlock()
			c.hits.Add(1)
			c.metrics.RecordCacheLookup(true)
			return e.allowed, e.err
		}
	}

	allowed, err := c.inner.IsWhitelisted(ctx, steamID)

	// Errors are cached too, so a database outage does not turn into a
	// stampede of retries.
	c.cache[steamID] = &entry{
		allowed:  allowed,
		err:      err,
		cachedAt: time.Now(),
	}

	c.mu.Unlock()
	c.misses.Add(1)
	c.metrics.RecordCacheLookup(false)

	return allowed, err
}

// Invalidate clears the entire cache. The reconciliation engine calls this
// after every committed write; a full flush is cheap because the cache
// refills from the hot lookup path within one TTL.
func (c *CachedChecker) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[string]*entry)
	c.mu.Unlock()
	c.flushes.Add(1)
}

// Stats returns current cache statistics.
func (c *CachedChecker) Stats() Stats {
	c.mu.RLock()
	size := int64(len(c.cache))
	c.mu.RUnlock()

	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Flushes: c.flushes.Load(),
		Size:    size,
	}
}

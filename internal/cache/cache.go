// Package cache provides the in-memory TTL cache shared by the service.
// A miss is a normal outcome, not a failure.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sweepEvery triggers an opportunistic expired-entry sweep once per this
// many Set calls, in addition to the periodic maintenance job.
const sweepEvery = 64

type entry struct {
	value     interface{}
	expiresAt time.Time
	createdAt time.Time
}

// Cache is a process-wide TTL cache. All mutations are serialized behind a
// single mutex; entries past expiresAt are never returned even if not yet
// swept. Memory growth is bounded by maxEntries: when full, the entries
// closest to expiry are evicted first.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	setCount   int
	log        zerolog.Logger
}

// Stats describes the current cache population.
type Stats struct {
	TotalEntries   int            `json:"total_entries"`
	ExpiredEntries int            `json:"expired_entries"`
	ActiveEntries  int            `json:"active_entries"`
	ByPrefix       map[string]int `json:"entries_by_prefix"`
}

// New creates a cache holding at most maxEntries entries.
func New(maxEntries int, log zerolog.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Cache{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		log:        log.With().Str("component", "cache").Logger(),
	}
}

// Get returns the cached value for key, or (nil, false) on miss or expiry.
// Expired entries are removed lazily on read.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !time.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		c.log.Debug().Str("key", key).Msg("Cache entry expired")
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the given TTL, overwriting unconditionally.
// Non-positive TTLs are ignored.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.entries[key] = entry{value: value, expiresAt: now.Add(ttl), createdAt: now}

	c.setCount++
	if c.setCount%sweepEvery == 0 {
		c.sweepLocked(now)
	}
	if len(c.entries) > c.maxEntries {
		c.evictLocked()
	}
}

// Delete removes a single entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePrefix removes all keys with the given prefix and returns the
// count removed. Supports operator-triggered cache clears by category.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.log.Info().Str("prefix", prefix).Int("removed", removed).Msg("Invalidated cache entries")
	}
	return removed
}

// Sweep removes all expired entries and returns the count removed.
// Called periodically by the maintenance job.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(time.Now())
}

// Stats returns a snapshot of the cache population, grouped by key prefix
// (the segment before the first ':').
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	stats := Stats{ByPrefix: make(map[string]int)}
	for key, e := range c.entries {
		stats.TotalEntries++
		if !now.Before(e.expiresAt) {
			stats.ExpiredEntries++
		}
		prefix := key
		if i := strings.IndexByte(key, ':'); i >= 0 {
			prefix = key[:i]
		}
		stats.ByPrefix[prefix]++
	}
	stats.ActiveEntries = stats.TotalEntries - stats.ExpiredEntries
	return stats
}

func (c *Cache) sweepLocked(now time.Time) int {
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug().Int("removed", removed).Msg("Swept expired cache entries")
	}
	return removed
}

// evictLocked drops entries closest to expiry until the cache fits within
// maxEntries again. Expired entries were already removed by the caller's
// sweep, so this only ever discards soon-to-expire data.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxEntries {
		var victim string
		var victimExpiry time.Time
		for key, e := range c.entries {
			if victim == "" || e.expiresAt.Before(victimExpiry) {
				victim = key
				victimExpiry = e.expiresAt
			}
		}
		delete(c.entries, victim)
	}
	c.log.Debug().Int("size", len(c.entries)).Msg("Evicted cache entries over ceiling")
}

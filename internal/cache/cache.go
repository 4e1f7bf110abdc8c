// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

// Package cache provides the per-client response cache for idempotent reads.
//
// Entries carry a TTL and are never served past expiry. The cache is
// capacity-bounded: once the configured maximum entry count is reached the
// structurally oldest entry (insertion order) is evicted. This is a
// deliberate simplification over strict LRU - read caching here exists to
// absorb polling bursts, not to maximize hit rate.
//
// Only GET-equivalent calls populate the cache. Mutating calls bypass it and
// invalidate related keys by prefix after success.
package cache

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// sweepInterval is how often the background sweep removes expired entries.
const sweepInterval = time.Minute

// Entry represents a cached response with expiration.
type Entry struct {
	Data      []byte
	ExpiresAt time.Time
}

// Cache is a thread-safe TTL cache with insertion-order capacity eviction.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	order      []string // insertion order, oldest first
	ttl        time.Duration
	maxEntries int
	stats      counters

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// Stats is a point-in-time snapshot of cache performance counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	TotalKeys int64 `json:"total_keys"`
}

// counters tracks live cache statistics.
type counters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache with the given default TTL and maximum entry count.
// A maxEntries of zero or less disables the capacity bound.
// A background sweep removes expired entries once per minute.
func New(ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{
		entries:    make(map[string]Entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		sweepStop:  make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

// Get retrieves a cached payload by key. Expired entries are removed on
// access and counted as misses.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		c.mu.Lock()
		c.removeLocked(key)
		c.mu.Unlock()
		c.recordMiss()
		c.recordEviction(1)
		return nil, false
	}

	c.recordHit()
	return entry.Data, true
}

// Set stores a payload with the default TTL configured at creation.
func (c *Cache) Set(key string, data []byte) {
	c.SetWithTTL(key, data, c.ttl)
}

// SetWithTTL stores a payload with a custom TTL, evicting the oldest entry
// first if the cache is at capacity.
func (c *Cache) SetWithTTL(key string, data []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
			c.evictOldestLocked()
		}
		c.order = append(c.order, key)
	}

	c.entries[key] = Entry{
		Data:      data,
		ExpiresAt: time.Now().Add(ttl),
	}

}

// Delete removes a specific entry by key. Safe to call for absent keys.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	if _, exists := c.entries[key]; exists {
		c.removeLocked(key)
		c.mu.Unlock()
		c.recordEviction(1)
		return
	}
	c.mu.Unlock()
}

// InvalidatePrefix removes all entries whose key starts with the given
// prefix. Mutating calls use this to drop reads related to the endpoint
// they just wrote. Returns the number of entries removed.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.recordEviction(int64(removed))
	}
	return removed
}

// Clear removes all entries in one operation. Used by forced full resync
// and client teardown.
func (c *Cache) Clear() {
	c.mu.Lock()
	evicted := int64(len(c.entries))
	c.entries = make(map[string]Entry)
	c.order = nil
	c.mu.Unlock()

	c.stats.evictions.Add(evicted)
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop terminates the background sweep goroutine.
func (c *Cache) Stop() {
	c.sweepOnce.Do(func() {
		close(c.sweepStop)
	})
}

// GetStats returns a snapshot of cache performance counters.
func (c *Cache) GetStats() Stats {
	return Stats{
		Hits:      c.stats.hits.Load(),
		Misses:    c.stats.misses.Load(),
		Evictions: c.stats.evictions.Load(),
		TotalKeys: int64(c.Len()),
	}
}

// HitRate returns the cache hit rate as a percentage.
func (c *Cache) HitRate() float64 {
	stats := c.GetStats()
	total := stats.Hits + stats.Misses
	if total == 0 {
		return 0.0
	}
	return float64(stats.Hits) / float64(total) * 100.0
}

// removeLocked deletes a key from both the map and the insertion order.
// Must be called with the write lock held.
func (c *Cache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

}

// evictOldestLocked removes the structurally oldest entry.
// Must be called with the write lock held.
func (c *Cache) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, exists := c.entries[oldest]; exists {
			delete(c.entries, oldest)
			c.stats.evictions.Add(1)
			return
		}
	}
}

// sweepLoop periodically removes expired entries.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes all expired entries.
func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()

	evicted := int64(0)
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			c.removeLocked(key)
			evicted++
		}
	}
	c.mu.Unlock()

	if evicted > 0 {
		c.recordEviction(evicted)
	}
}

// recordHit increments the hit counter.
func (c *Cache) recordHit() {
	c.stats.hits.Add(1)
}

// recordMiss increments the miss counter.
func (c *Cache) recordMiss() {
	c.stats.misses.Add(1)
}

// recordEviction adds to the eviction counter.
func (c *Cache) recordEviction(n int64) {
	c.stats.evictions.Add(n)
}

// GenerateKey derives a deterministic cache key from an HTTP method,
// endpoint, and request parameters. The endpoint stays in clear text so
// prefix invalidation by endpoint works; parameters are hashed for
// compactness.
func GenerateKey(method, endpoint string, params interface{}) string {
	if params == nil {
		return fmt.Sprintf("%s:%s", method, endpoint)
	}

	data, err := json.Marshal(params)
	if err != nil {
		// Fallback to simple string key
		return fmt.Sprintf("%s:%s:%v", method, endpoint, params)
	}

	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s:%s:%x", method, endpoint, hash[:16])
}

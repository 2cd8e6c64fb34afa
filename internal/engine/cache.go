// Package engine implements the hybrid decision engine: the
// deterministic rule pass, the AI judge escalation path, and the
// fingerprinted decision cache in front of both.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
)

// Cache memoizes decisions keyed by a fingerprint of the context and
// the policy-set version. Bumping the policy version changes every
// fingerprint, so stale entries are simply never hit again and age out
// by TTL.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	max     int

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry struct {
	dec       decision.Decision
	expiresAt time.Time
}

// NewCache creates a Cache. max <= 0 means unbounded.
func NewCache(ttl time.Duration, max int) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		max:     max,
	}
}

// Fingerprint derives the cache key for a context under a policy
// version. Only fields that influence evaluation participate; volatile
// ones like the exact timestamp are reduced to the derived values the
// rules actually see.
func Fingerprint(ctx *decision.Context, policyVersion uint64) string {
	trust := -1.0
	if ctx.TrustScore != nil {
		trust = *ctx.TrustScore
	}
	h := sha256.New()
	fmt.Fprintf(h, "v%d|%s|%s|%s|%s|%s|%v|%d|%.4f|%d|%v",
		policyVersion,
		ctx.Agent,
		ctx.AgentType,
		ctx.Action,
		ctx.Resource,
		ctx.Classification,
		ctx.IsBusinessHours,
		ctx.HourOfDay,
		trust,
		ctx.DelegationDepth(),
		ctx.Emergency,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached decision if present and unexpired.
func (c *Cache) Get(key string) (decision.Decision, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		c.misses.Add(1)
		return decision.Decision{}, false
	}
	c.hits.Add(1)
	return e.dec, true
}

// Put stores a decision. When the cache is full the entry closest to
// expiry is evicted first.
func (c *Cache) Put(key string, d decision.Decision) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.max > 0 && len(c.entries) >= c.max {
		if _, exists := c.entries[key]; !exists {
			c.evictLocked(now)
		}
	}
	c.entries[key] = cacheEntry{dec: d, expiresAt: now.Add(c.ttl)}
}

// evictLocked removes expired entries, or failing that, the entry with
// the soonest expiry. Caller holds c.mu.
func (c *Cache) evictLocked(now time.Time) {
	var (
		soonestKey string
		soonest    time.Time
		dropped    bool
	)
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			dropped = true
			continue
		}
		if soonestKey == "" || e.expiresAt.Before(soonest) {
			soonestKey, soonest = k, e.expiresAt
		}
	}
	if !dropped && soonestKey != "" {
		delete(c.entries, soonestKey)
	}
}

// Purge drops every entry. Used when operators want an immediate flush
// rather than waiting for version-based invalidation.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// Stats returns hit/miss counters and the current entry count.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: n,
	}
}

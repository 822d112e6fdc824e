package rules

import (
	"slices"
	"time"
)

// RulesCache holds the last-loaded active rule set so callers can skip a
// store round trip between requests. Implementations never refresh
// themselves; callers invalidate after mutations.
type RulesCache interface {
	// Get retrieves cached rules, returns nil if cache miss or expired
	Get() []*Rule

	// Set stores rules in cache
	Set(rules []*Rule)

	// Invalidate clears the cache, forcing a reload by the caller
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig returns a config with no TTL; entries live until invalidated.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}

// SnapshotCache is an unsynchronized RulesCache for a single owner, such as
// one request or one CLI run. Guard it externally or use InMemoryRulesCache
// when it is shared.
type SnapshotCache struct {
	rules []*Rule
	valid bool
}

// NewSnapshotCache returns an empty snapshot cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{}
}

func (c *SnapshotCache) Get() []*Rule {
	if !c.valid {
		return nil
	}
	return slices.Clone(c.rules)
}

func (c *SnapshotCache) Set(rules []*Rule) {
	c.rules = make([]*Rule, len(rules))
	copy(c.rules, rules)
	c.valid = true
}

func (c *SnapshotCache) Invalidate() {
	c.rules = nil
	c.valid = false
}

func (c *SnapshotCache) IsValid() bool {
	return c.valid
}

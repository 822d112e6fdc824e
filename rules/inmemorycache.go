package rules

import (
	"sync"
	"time"
)

// InMemoryRulesCache is a RulesCache guarded by a RWMutex with an optional TTL.
// It is safe to share between goroutines.
type InMemoryRulesCache struct {
	rules    []*Rule
	cachedAt time.Time
	config   CacheConfig
	now      func() time.Time
	mu       sync.RWMutex
	isValid  bool
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		config: config,
		now:    time.Now,
	}
}

// Get returns a copy of the cached rules, or nil if the cache is invalid or expired.
func (c *InMemoryRulesCache) Get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return nil
	}

	rulesCopy := make([]*Rule, len(c.rules))
	copy(rulesCopy, c.rules)
	return rulesCopy
}

// Set stores a copy of rules and restarts the TTL.
func (c *InMemoryRulesCache) Set(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = make([]*Rule, len(rules))
	copy(c.rules, rules)
	c.cachedAt = c.now()
	c.isValid = true
}

// SetIf stores rules only if keep reports true. keep runs under the write
// lock, so it is ordered against Invalidate.
func (c *InMemoryRulesCache) SetIf(rules []*Rule, keep func() bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !keep() {
		return false
	}
	c.rules = make([]*Rule, len(rules))
	copy(c.rules, rules)
	c.cachedAt = c.now()
	c.isValid = true
	return true
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isValid = false
	c.rules = nil
}

// IsValid returns true if cache contains valid data
func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.fresh()
}

// fresh must be called with mu held.
func (c *InMemoryRulesCache) fresh() bool {
	if !c.isValid {
		return false
	}
	if c.config.TTL > 0 {
		return c.now().Sub(c.cachedAt) <= c.config.TTL
	}
	return true
}

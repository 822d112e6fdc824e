package rules

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// RuleStore manages rule persistence and retrieval. Every lookup is scoped to
// the owning user; a rule owned by someone else is reported as not found.
type RuleStore interface {
	// Add a new rule
	Add(ctx context.Context, rule *Rule) error

	// Get a rule by ID
	Get(ctx context.Context, userID, id string) (*Rule, error)

	// List returns one page of the user's rules and the total count.
	List(ctx context.Context, userID string, opts ListOptions) ([]*Rule, int, error)

	// ListActive returns all active rules for the user in evaluation order.
	ListActive(ctx context.Context, userID string) ([]*Rule, error)

	// Update an existing rule
	Update(ctx context.Context, rule *Rule) error

	// Delete a rule
	Delete(ctx context.Context, userID, id string) error
}

// ListOptions filters and pages List results. Page is 1-based; PerPage <= 0
// returns every matching rule.
type ListOptions struct {
	Active  *bool
	Page    int
	PerPage int
}

// Offset is the number of rows skipped before the requested page. It
// saturates at math.MaxInt instead of overflowing.
func (o ListOptions) Offset() int {
	if o.PerPage <= 0 {
		return 0
	}
	skipped := max(o.Page, 1) - 1
	if skipped > math.MaxInt/o.PerPage {
		return math.MaxInt
	}
	return skipped * o.PerPage
}

func (o ListOptions) window(total int) (int, int) {
	if o.PerPage <= 0 {
		return 0, total
	}
	start := min(o.Offset(), total)
	end := start + min(o.PerPage, total-start)
	return start, end
}

// compareRules orders by priority descending, then newest first, then ID.
func compareRules(a, b *Rule) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	now   func() time.Time
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
		now:   time.Now,
	}
}

// Add stores a copy of rule and sets its timestamps.
func (s *InMemoryRuleStore) Add(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := s.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	stored := *rule
	s.rules[rule.ID] = &stored
	return nil
}

// Get retrieves a copy of the user's rule.
func (s *InMemoryRuleStore) Get(_ context.Context, userID, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists || rule.UserID != userID {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	out := *rule
	return &out, nil
}

func (s *InMemoryRuleStore) List(_ context.Context, userID string, opts ListOptions) ([]*Rule, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matching := s.collect(func(r *Rule) bool {
		return r.UserID == userID && (opts.Active == nil || r.Active == *opts.Active)
	})
	start, end := opts.window(len(matching))
	return matching[start:end], len(matching), nil
}

// ListActive returns copies of the user's active rules.
func (s *InMemoryRuleStore) ListActive(_ context.Context, userID string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(r *Rule) bool {
		return r.UserID == userID && r.Active
	}), nil
}

// collect must be called with mu held.
func (s *InMemoryRuleStore) collect(keep func(*Rule) bool) []*Rule {
	out := make([]*Rule, 0)
	for _, rule := range s.rules {
		if keep(rule) {
			r := *rule
			out = append(out, &r)
		}
	}
	slices.SortFunc(out, compareRules)
	return out
}

// Update replaces a rule. CreatedAt is preserved and UpdatedAt bumped.
func (s *InMemoryRuleStore) Update(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists || existing.UserID != rule.UserID {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now()
	stored := *rule
	s.rules[rule.ID] = &stored
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[id]
	if !exists || existing.UserID != userID {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	return nil
}

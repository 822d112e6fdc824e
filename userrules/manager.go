// Package userrules manages each user's rule set: CRUD with validation, a
// guarded per-user cache of active rules, evaluation and dry runs.
package userrules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/liamcoop/finrules/rules"
)

// Manager owns the rule engine and one active-rule cache per user.
type Manager struct {
	store       rules.RuleStore
	engine      *rules.Engine
	limits      Limits
	cacheConfig rules.CacheConfig
	logger      *slog.Logger
	now         func() time.Time

	caches map[string]*userCache
	mu     sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithEngine replaces the default engine.
func WithEngine(en *rules.Engine) Option {
	return func(m *Manager) { m.engine = en }
}

// WithCacheConfig sets the TTL of the per-user caches.
func WithCacheConfig(cfg rules.CacheConfig) Option {
	return func(m *Manager) { m.cacheConfig = cfg }
}

// WithLimits sets the rule size limits.
func WithLimits(l Limits) Option {
	return func(m *Manager) { m.limits = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager backed by store.
func NewManager(store rules.RuleStore, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		limits:      DefaultLimits(),
		cacheConfig: rules.DefaultCacheConfig(),
		logger:      slog.Default(),
		now:         time.Now,
		caches:      make(map[string]*userCache),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.engine == nil {
		m.engine = rules.NewEngine(rules.WithLogger(m.logger))
	}
	return m
}

// Engine returns the engine used for evaluation.
func (m *Manager) Engine() *rules.Engine {
	return m.engine
}

// userCache is one user's active-rule cache. generation is bumped on every
// invalidation so a load that raced with a mutation is not cached.
type userCache struct {
	rules      *rules.InMemoryRulesCache
	generation atomic.Uint64
}

func (m *Manager) cacheFor(userID string) *userCache {
	m.mu.RLock()
	cache, ok := m.caches[userID]
	m.mu.RUnlock()
	if ok {
		return cache
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cache, ok := m.caches[userID]; ok {
		return cache
	}
	cache = &userCache{rules: rules.NewInMemoryRulesCache(m.cacheConfig)}
	m.caches[userID] = cache
	return cache
}

// ActiveRules returns the user's active rules in evaluation order, loading
// them from the store on a cache miss. A load that overlaps an invalidation
// is returned but not cached.
func (m *Manager) ActiveRules(ctx context.Context, userID string) ([]*rules.Rule, error) {
	cache := m.cacheFor(userID)
	if cached := cache.rules.Get(); cached != nil {
		return cached, nil
	}

	generation := cache.generation.Load()
	active, err := m.store.ListActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}
	cache.rules.SetIf(active, func() bool { return cache.generation.Load() == generation })
	m.logger.Debug("active rules loaded", "user_id", userID, "count", len(active))
	return active, nil
}

// InvalidateUser drops the user's cached rule set.
func (m *Manager) InvalidateUser(userID string) {
	m.mu.RLock()
	cache, ok := m.caches[userID]
	m.mu.RUnlock()
	if ok {
		cache.generation.Add(1)
		cache.rules.Invalidate()
	}
}

// InvalidateAll drops every cached rule set.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cache := range m.caches {
		cache.generation.Add(1)
	}
	m.caches = make(map[string]*userCache)
}

// CreateRule validates r, assigns it to userID and stores it. An empty ID is
// replaced by a new UUID.
func (m *Manager) CreateRule(ctx context.Context, userID string, r *rules.Rule) (*rules.Rule, error) {
	if err := rules.ValidateRule(r); err != nil {
		return nil, err
	}
	if err := ValidateLimits(r, m.limits); err != nil {
		return nil, err
	}

	if m.limits.MaxRulesPerUser > 0 {
		_, total, err := m.store.List(ctx, userID, rules.ListOptions{Page: 1, PerPage: 1})
		if err != nil {
			return nil, fmt.Errorf("failed to count rules: %w", err)
		}
		if total >= m.limits.MaxRulesPerUser {
			return nil, limitError("rules", "user has %d rules, maximum allowed is %d", total, m.limits.MaxRulesPerUser)
		}
	}

	created := *r
	created.UserID = userID
	if created.ID == "" {
		created.ID = uuid.New().String()
	}

	if err := m.store.Add(ctx, &created); err != nil {
		return nil, err
	}
	m.InvalidateUser(userID)

	m.logger.Info("rule created", "user_id", userID, "rule_id", created.ID, "priority", created.Priority)
	return &created, nil
}

// UpdateRule applies a partial update. The merged rule is re-validated when
// its name, condition or action change.
func (m *Manager) UpdateRule(ctx context.Context, userID, id string, patch Patch) (*rules.Rule, error) {
	existing, err := m.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	updated := patch.Apply(*existing)
	if patch.changesDefinition() {
		if err := rules.ValidateRule(&updated); err != nil {
			return nil, err
		}
		if err := ValidateLimits(&updated, m.limits); err != nil {
			return nil, err
		}
	}

	if err := m.store.Update(ctx, &updated); err != nil {
		return nil, err
	}
	m.InvalidateUser(userID)

	m.logger.Info("rule updated", "user_id", userID, "rule_id", id)
	return &updated, nil
}

// ToggleRule flips the rule's active flag.
func (m *Manager) ToggleRule(ctx context.Context, userID, id string) (*rules.Rule, error) {
	existing, err := m.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	existing.Active = !existing.Active
	if err := m.store.Update(ctx, existing); err != nil {
		return nil, err
	}
	m.InvalidateUser(userID)

	m.logger.Info("rule toggled", "user_id", userID, "rule_id", id, "is_active", existing.Active)
	return existing, nil
}

// DeleteRule removes the rule.
func (m *Manager) DeleteRule(ctx context.Context, userID, id string) error {
	if err := m.store.Delete(ctx, userID, id); err != nil {
		return err
	}
	m.InvalidateUser(userID)

	m.logger.Info("rule deleted", "user_id", userID, "rule_id", id)
	return nil
}

// GetRule returns one of the user's rules.
func (m *Manager) GetRule(ctx context.Context, userID, id string) (*rules.Rule, error) {
	return m.store.Get(ctx, userID, id)
}

// ListRules returns a page of the user's rules and the total count.
func (m *Manager) ListRules(ctx context.Context, userID string, opts rules.ListOptions) ([]*rules.Rule, int, error) {
	return m.store.List(ctx, userID, opts)
}

// Evaluate runs the user's active rules against tx.
func (m *Manager) Evaluate(ctx context.Context, userID string, tx rules.Transaction) (rules.Transaction, []rules.TraceEntry, error) {
	active, err := m.ActiveRules(ctx, userID)
	if err != nil {
		return tx, nil, err
	}

	result, trace := m.engine.EvaluateTransaction(tx, active)
	m.logger.Debug("transaction evaluated",
		"user_id", userID,
		"rules", len(active),
		"applied", len(rules.AppliedRuleIDs(trace)),
		"trace", len(trace))
	return result, trace, nil
}

// SampleTransaction is the synthetic transaction used by DryRun.
func SampleTransaction(now time.Time) rules.Transaction {
	return rules.Transaction{
		Description:     "Trader Joe's Grocery Store",
		Amount:          decimal.RequireFromString("50.00"),
		Type:            rules.TransactionExpense,
		TransactionDate: now,
		Tags:            []string{},
	}
}

// SampleSummary is the part of the sample transaction echoed back by DryRun.
type SampleSummary struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
}

// SampleEvaluation is the outcome of running a rule against the sample transaction.
type SampleEvaluation struct {
	SampleTransaction SampleSummary      `json:"sample_transaction"`
	Matched           bool               `json:"matched"`
	Trace             []rules.TraceEntry `json:"trace"`
	Result            rules.Transaction  `json:"result"`
}

// DryRunResult reports whether a rule is valid and how it behaves on the
// sample transaction.
type DryRunResult struct {
	Valid            bool              `json:"valid"`
	Message          string            `json:"message"`
	Error            string            `json:"error,omitempty"`
	EvaluationError  string            `json:"evaluation_error,omitempty"`
	SampleEvaluation *SampleEvaluation `json:"sample_evaluation,omitempty"`
}

// DryRun validates r and evaluates it against SampleTransaction. The rule is
// run as if active. An invalid rule yields Valid=false and the returned
// error; evaluation failures are reported in the result.
func (m *Manager) DryRun(r *rules.Rule) (*DryRunResult, error) {
	if err := rules.ValidateRule(r); err != nil {
		return &DryRunResult{Valid: false, Message: "Rule validation failed", Error: err.Error()}, err
	}
	if err := ValidateLimits(r, m.limits); err != nil {
		return &DryRunResult{Valid: false, Message: "Rule validation failed", Error: err.Error()}, err
	}

	candidate := *r
	candidate.Active = true

	sample := SampleTransaction(m.now().UTC())
	result, trace := m.engine.EvaluateTransaction(sample, []*rules.Rule{&candidate})

	out := &DryRunResult{
		Valid:   true,
		Message: "Rule is valid",
		SampleEvaluation: &SampleEvaluation{
			SampleTransaction: SampleSummary{
				Description: sample.Description,
				Amount:      sample.Amount,
				Date:        sample.TransactionDate,
			},
			Matched: len(rules.AppliedRuleIDs(trace)) > 0,
			Trace:   trace,
			Result:  result,
		},
	}
	for _, entry := range trace {
		if entry.Failed() {
			out.Message = "Rule structure is valid but evaluation failed"
			out.EvaluationError = entry.Error
		}
	}
	return out, nil
}

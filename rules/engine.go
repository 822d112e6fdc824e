package rules

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Outcome is the result of running one rule against one transaction.
type Outcome string

const (
	OutcomeMatched   Outcome = "matched"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeError     Outcome = "error"
)

// Observer is notified after each rule is run. Implementations must be safe
// for concurrent use when the engine is shared.
type Observer interface {
	ObserveRule(rule *Rule, outcome Outcome, elapsed time.Duration)
}

// Engine evaluates rule sets against transactions. Evaluation itself holds no
// shared state; the only mutable state is the optional rule cache, which the
// engine never locks.
type Engine struct {
	cache    RulesCache
	observer Observer
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache injects the rule cache. Use an InMemoryRulesCache when the engine
// is shared between goroutines.
func WithCache(c RulesCache) Option {
	return func(en *Engine) { en.cache = c }
}

// WithObserver sets the per-rule observer.
func WithObserver(o Observer) Option {
	return func(en *Engine) { en.observer = o }
}

// WithLogger sets the logger used for rule failures.
func WithLogger(l *slog.Logger) Option {
	return func(en *Engine) { en.logger = l }
}

// NewEngine creates an engine. Without options it uses a SnapshotCache, no
// observer and a discarding logger.
func NewEngine(opts ...Option) *Engine {
	en := &Engine{}
	for _, opt := range opts {
		opt(en)
	}
	if en.cache == nil {
		en.cache = NewSnapshotCache()
	}
	if en.logger == nil {
		en.logger = slog.New(slog.DiscardHandler)
	}
	return en
}

// ValidateRule checks that a rule is complete and structurally valid.
func ValidateRule(r *Rule) error {
	if r == nil {
		return invalidf("rule", "rule is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return invalidf("name", "rule must have 'name' field")
	}
	if r.Condition == nil {
		return invalidf("condition", "rule must have 'condition' field")
	}
	if r.Action == nil {
		return invalidf("action", "rule must have 'action' field")
	}
	if err := ValidateCondition(r.Condition); err != nil {
		return err
	}
	return ValidateAction(r.Action)
}

// ValidateRule is the engine-bound form of the package-level ValidateRule.
func (en *Engine) ValidateRule(r *Rule) error {
	return ValidateRule(r)
}

// SortRules returns the active rules ordered by priority, highest first.
// Rules with equal priority keep their input order.
func SortRules(rules []*Rule) []*Rule {
	active := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Active {
			active = append(active, r)
		}
	}
	slices.SortStableFunc(active, func(a, b *Rule) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	return active
}

// EvaluateTransaction runs rules against a working copy of tx and returns the
// final copy together with the trace. Each rule sees the effects of the rules
// applied before it. A failing rule is recorded in the trace and skipped; the
// walk stops after a stop_processing action. tx is never modified.
func (en *Engine) EvaluateTransaction(tx Transaction, rules []*Rule) (Transaction, []TraceEntry) {
	current := tx.Clone()
	current.stop = false
	trace := make([]TraceEntry, 0)

	for _, rule := range SortRules(rules) {
		start := time.Now()
		next, explanation, matched, err := en.applyRule(rule, current)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			en.logger.Debug("rule evaluation failed",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"error", err)
			trace = append(trace, TraceEntry{
				RuleID:      rule.ID,
				Name:        rule.Name,
				Explanation: "Error: " + err.Error(),
				Error:       err.Error(),
			})
			en.observe(rule, OutcomeError, elapsed)
			continue
		case !matched:
			en.observe(rule, OutcomeUnmatched, elapsed)
			continue
		}

		current = next
		trace = append(trace, TraceEntry{
			RuleID:      rule.ID,
			Name:        rule.Name,
			Explanation: explanation,
		})
		en.observe(rule, OutcomeMatched, elapsed)

		if current.stop {
			current.stop = false
			break
		}
	}

	return current, trace
}

// applyRule evaluates one rule and, on match, executes its action. Panics are
// turned into errors so one rule cannot abort the walk.
func (en *Engine) applyRule(rule *Rule, tx Transaction) (next Transaction, explanation string, matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, explanation, matched = tx, "", false
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()

	matched, err = EvaluateCondition(rule.Condition, &tx)
	if err != nil || !matched {
		return tx, "", false, err
	}

	next, explanation, err = ExecuteAction(rule.Action, tx)
	if err != nil {
		return tx, "", false, err
	}
	return next, explanation, true, nil
}

func (en *Engine) observe(rule *Rule, outcome Outcome, elapsed time.Duration) {
	if en.observer != nil {
		en.observer.ObserveRule(rule, outcome, elapsed)
	}
}

// SetCache stores rules in the engine's cache.
func (en *Engine) SetCache(rules []*Rule) {
	en.cache.Set(rules)
}

// InvalidateCache clears the engine's cache.
func (en *Engine) InvalidateCache() {
	en.cache.Invalidate()
}

// CachedRules returns the cached rules and whether the cache held valid data.
func (en *Engine) CachedRules() ([]*Rule, bool) {
	if !en.cache.IsValid() {
		return nil, false
	}
	rules := en.cache.Get()
	return rules, rules != nil
}

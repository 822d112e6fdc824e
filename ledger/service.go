package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/liamcoop/finrules/rules"
)

// RuleSource supplies a user's active rules in evaluation order.
type RuleSource interface {
	ActiveRules(ctx context.Context, userID string) ([]*rules.Rule, error)
}

// NewTransaction is the input for Service.Create.
type NewTransaction struct {
	AccountID       string
	Description     string
	Amount          decimal.Decimal
	Type            rules.TransactionType
	TransactionDate time.Time
	CategoryID      *int64
	Tags            []string
	IsRecurring     bool
}

func (in NewTransaction) validate() error {
	if strings.TrimSpace(in.AccountID) == "" {
		return fmt.Errorf("%w: account_id is required", ErrInvalid)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: invalid transaction type '%s'", ErrInvalid, in.Type)
	}
	return nil
}

// Changes is a partial update for Service.Update. Nil fields are left as they are.
type Changes struct {
	Description     *string
	Amount          *decimal.Decimal
	Type            *rules.TransactionType
	TransactionDate *time.Time
	CategoryID      *int64
	Tags            []string
	IsRecurring     *bool
}

func (c Changes) apply(rec *Record) error {
	if c.Description != nil {
		rec.Description = *c.Description
	}
	if c.Amount != nil {
		rec.Amount = *c.Amount
	}
	if c.Type != nil {
		if !c.Type.Valid() {
			return fmt.Errorf("%w: invalid transaction type '%s'", ErrInvalid, *c.Type)
		}
		rec.Type = *c.Type
	}
	if c.TransactionDate != nil {
		rec.TransactionDate = *c.TransactionDate
	}
	if c.CategoryID != nil {
		id := *c.CategoryID
		rec.CategoryID = &id
	}
	if c.Tags != nil {
		rec.Tags = append([]string{}, c.Tags...)
	}
	if c.IsRecurring != nil {
		rec.IsRecurring = *c.IsRecurring
	}
	return nil
}

// Service runs transactions through their owner's rules, stores them and
// records every change in the audit log.
type Service struct {
	transactions TransactionStore
	audit        AuditStore
	source       RuleSource
	engine       *rules.Engine
	logger       *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEngine replaces the default engine.
func WithEngine(en *rules.Engine) ServiceOption {
	return func(s *Service) { s.engine = en }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service. source is usually a *userrules.Manager.
func NewService(transactions TransactionStore, audit AuditStore, source RuleSource, opts ...ServiceOption) *Service {
	s := &Service{
		transactions: transactions,
		audit:        audit,
		source:       source,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = rules.NewEngine(rules.WithLogger(s.logger))
	}
	return s
}

// Create evaluates the user's active rules against in, stores the result and
// appends a create audit entry.
func (s *Service) Create(ctx context.Context, userID string, in NewTransaction) (*Record, error) {
	active, err := s.source.ActiveRules(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, userID, in, active)
}

// create stores one transaction against an already loaded rule set.
func (s *Service) create(ctx context.Context, userID string, in NewTransaction, active []*rules.Rule) (*Record, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:              uuid.New().String(),
		UserID:          userID,
		AccountID:       in.AccountID,
		Description:     in.Description,
		Amount:          in.Amount,
		Type:            in.Type,
		TransactionDate: in.TransactionDate,
		CategoryID:      in.CategoryID,
		Tags:            in.Tags,
		IsRecurring:     in.IsRecurring,
	}

	result, trace := s.engine.EvaluateTransaction(rec.Facts(), active)
	rec.applyResult(result, trace)

	if err := s.transactions.Create(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.appendAudit(ctx, rec, AuditCreate, nil, rec.snapshot()); err != nil {
		return nil, err
	}

	s.logger.Debug("transaction created",
		"user_id", userID,
		"transaction_id", rec.ID,
		"applied_rules", len(rec.AppliedRules))
	return rec, nil
}

// Update applies changes, re-runs the user's rules over the merged
// transaction and appends an update audit entry with old and new values.
func (s *Service) Update(ctx context.Context, userID, id string, changes Changes) (*Record, error) {
	rec, err := s.transactions.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	before := rec.snapshot()

	if err := changes.apply(rec); err != nil {
		return nil, err
	}

	active, err := s.source.ActiveRules(ctx, userID)
	if err != nil {
		return nil, err
	}
	result, trace := s.engine.EvaluateTransaction(rec.Facts(), active)
	rec.applyResult(result, trace)

	if err := s.transactions.Update(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.appendAudit(ctx, rec, AuditUpdate, before, rec.snapshot()); err != nil {
		return nil, err
	}

	s.logger.Debug("transaction updated", "user_id", userID, "transaction_id", id)
	return rec, nil
}

// Get returns a stored transaction.
func (s *Service) Get(ctx context.Context, userID, id string) (*Record, error) {
	return s.transactions.Get(ctx, userID, id)
}

// Explain returns a stored transaction and the trace the user's current
// rules would produce for it. Nothing is written.
func (s *Service) Explain(ctx context.Context, userID, id string) (*Record, []rules.TraceEntry, error) {
	rec, err := s.transactions.Get(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	active, err := s.source.ActiveRules(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	_, trace := s.engine.EvaluateTransaction(rec.Facts(), active)
	return rec, trace, nil
}

// List returns a page of the user's transactions and the total count.
func (s *Service) List(ctx context.Context, userID string, opts ListOptions) ([]*Record, int, error) {
	return s.transactions.List(ctx, userID, opts)
}

// Delete removes a transaction and appends a delete audit entry.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	rec, err := s.transactions.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.transactions.Delete(ctx, userID, id); err != nil {
		return err
	}
	if err := s.appendAudit(ctx, rec, AuditDelete, rec.snapshot(), nil); err != nil {
		return err
	}

	s.logger.Debug("transaction deleted", "user_id", userID, "transaction_id", id)
	return nil
}

// History returns the audit entries for one transaction, oldest first.
func (s *Service) History(ctx context.Context, userID, id string) ([]*AuditEntry, error) {
	return s.audit.List(ctx, userID, EntityTransaction, id)
}

func (s *Service) appendAudit(ctx context.Context, rec *Record, action string, oldValues, newValues map[string]any) error {
	entry := &AuditEntry{
		ID:         uuid.New().String(),
		UserID:     rec.UserID,
		EntityType: EntityTransaction,
		EntityID:   rec.ID,
		Action:     action,
		OldValues:  oldValues,
		NewValues:  newValues,
	}
	if action != AuditDelete {
		entry.AppliedRules = rec.AppliedRules
		entry.RuleTrace = rec.RuleTrace
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

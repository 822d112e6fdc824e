// Package ledger persists transactions after running them through the
// owner's active rules, keeps an audit trail of every change and imports
// transactions in bulk from CSV.
package ledger

import (
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liamcoop/finrules/rules"
)

var (
	// ErrNotFound indicates the transaction does not exist for the requesting user.
	ErrNotFound = errors.New("transaction not found")

	// ErrInvalid matches every rejected transaction or import payload.
	ErrInvalid = errors.New("invalid transaction")
)

// EntityTransaction is the audit entity type for transactions.
const EntityTransaction = "transaction"

// Audit actions.
const (
	AuditCreate = "create"
	AuditUpdate = "update"
	AuditDelete = "delete"
)

// Record is a stored transaction together with the rules that shaped it.
type Record struct {
	ID              string                `json:"id"`
	UserID          string                `json:"user_id"`
	AccountID       string                `json:"account_id"`
	Description     string                `json:"description"`
	Amount          decimal.Decimal       `json:"amount"`
	Type            rules.TransactionType `json:"type"`
	TransactionDate time.Time             `json:"transaction_date,omitzero"`
	CategoryID      *int64                `json:"category_id"`
	Tags            []string              `json:"tags"`
	IsRecurring     bool                  `json:"is_recurring"`
	AppliedRules    []string              `json:"applied_rules"`
	RuleTrace       []string              `json:"rule_trace"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Facts returns the fields rules are evaluated against.
func (r *Record) Facts() rules.Transaction {
	return rules.Transaction{
		Description:     r.Description,
		Amount:          r.Amount,
		Type:            r.Type,
		TransactionDate: r.TransactionDate,
		CategoryID:      r.CategoryID,
		Tags:            slices.Clone(r.Tags),
		IsRecurring:     r.IsRecurring,
	}
}

// applyResult copies the engine's output and trace onto the record.
func (r *Record) applyResult(tx rules.Transaction, trace []rules.TraceEntry) {
	r.CategoryID = tx.CategoryID
	r.Tags = tx.Tags
	if r.Tags == nil {
		r.Tags = []string{}
	}
	r.AppliedRules = rules.AppliedRuleIDs(trace)
	r.RuleTrace = traceLines(trace)
}

func (r *Record) clone() *Record {
	c := *r
	if r.CategoryID != nil {
		id := *r.CategoryID
		c.CategoryID = &id
	}
	c.Tags = slices.Clone(r.Tags)
	c.AppliedRules = slices.Clone(r.AppliedRules)
	c.RuleTrace = slices.Clone(r.RuleTrace)
	return &c
}

// snapshot is the audit view of a record.
func (r *Record) snapshot() map[string]any {
	values := map[string]any{
		"account_id":   r.AccountID,
		"description":  r.Description,
		"amount":       r.Amount.String(),
		"type":         string(r.Type),
		"category_id":  r.CategoryID,
		"tags":         r.Tags,
		"is_recurring": r.IsRecurring,
	}
	if !r.TransactionDate.IsZero() {
		values["transaction_date"] = r.TransactionDate.Format(time.RFC3339)
	}
	return values
}

func traceLines(trace []rules.TraceEntry) []string {
	lines := make([]string, 0, len(trace))
	for _, entry := range trace {
		lines = append(lines, entry.String())
	}
	return lines
}

// AuditEntry records one change to a transaction.
type AuditEntry struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Action       string         `json:"action"`
	OldValues    map[string]any `json:"old_values,omitempty"`
	NewValues    map[string]any `json:"new_values,omitempty"`
	AppliedRules []string       `json:"applied_rules"`
	RuleTrace    []string       `json:"rule_trace"`
	CreatedAt    time.Time      `json:"created_at"`
}

package rules

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies the direction of money movement.
type TransactionType string

const (
	TransactionIncome   TransactionType = "income"
	TransactionExpense  TransactionType = "expense"
	TransactionTransfer TransactionType = "transfer"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionIncome, TransactionExpense, TransactionTransfer:
		return true
	}
	return false
}

// Rule pairs a condition with an action. Rules are owned by a user and are
// read-only to the engine.
type Rule struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Condition   Condition `json:"condition"`
	Action      Action    `json:"action"`
	Priority    int       `json:"priority"`
	Active      bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// UnmarshalJSON decodes and validates a rule document.
func (r *Rule) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRule(data)
	if err != nil {
		return err
	}

	var meta struct {
		UserID    string    `json:"user_id"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("decode rule metadata: %w", err)
	}
	parsed.UserID = meta.UserID
	parsed.CreatedAt = meta.CreatedAt
	parsed.UpdatedAt = meta.UpdatedAt

	*r = *parsed
	return nil
}

// Transaction is the working copy the engine reads and rewrites.
type Transaction struct {
	Description     string          `json:"description"`
	Amount          decimal.Decimal `json:"amount"`
	Type            TransactionType `json:"type,omitempty"`
	TransactionDate time.Time       `json:"transaction_date"`
	CategoryID      *int64          `json:"category_id"`
	Tags            []string        `json:"tags"`
	IsRecurring     bool            `json:"is_recurring"`

	// stop is set by StopProcessing and cleared by the engine before the
	// transaction is handed back.
	stop bool
}

// Clone returns a deep copy of the transaction.
func (t Transaction) Clone() Transaction {
	c := t
	if t.CategoryID != nil {
		id := *t.CategoryID
		c.CategoryID = &id
	}
	if t.Tags != nil {
		c.Tags = slices.Clone(t.Tags)
	}
	return c
}

// HasCategory reports whether a category is assigned.
func (t Transaction) HasCategory() bool {
	return t.CategoryID != nil
}

type transactionJSON Transaction

// MarshalJSON writes the date as RFC 3339 (null when unset) and tags as a list.
func (t Transaction) MarshalJSON() ([]byte, error) {
	aux := struct {
		transactionJSON
		TransactionDate *string  `json:"transaction_date"`
		Tags            []string `json:"tags"`
	}{transactionJSON: transactionJSON(t), Tags: t.Tags}

	if !t.TransactionDate.IsZero() {
		s := t.TransactionDate.Format(time.RFC3339Nano)
		aux.TransactionDate = &s
	}
	if aux.Tags == nil {
		aux.Tags = []string{}
	}
	return json.Marshal(aux)
}

// UnmarshalJSON accepts the transaction date as ISO-8601 text.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	aux := struct {
		*transactionJSON
		TransactionDate *string `json:"transaction_date"`
	}{transactionJSON: (*transactionJSON)(t)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	t.TransactionDate = time.Time{}
	if aux.TransactionDate != nil && *aux.TransactionDate != "" {
		ts, err := ParseTimestamp(*aux.TransactionDate)
		if err != nil {
			return fmt.Errorf("transaction_date: %w", err)
		}
		t.TransactionDate = ts
	}
	return nil
}

// TraceEntry records one rule that matched or failed during evaluation.
type TraceEntry struct {
	RuleID      string `json:"rule_id"`
	Name        string `json:"name"`
	Explanation string `json:"explanation"`
	Error       string `json:"error,omitempty"`
}

// Failed reports whether the rule errored instead of applying.
func (e TraceEntry) Failed() bool {
	return e.Error != ""
}

// String renders the entry the way it is shown to users and stored in audit logs.
func (e TraceEntry) String() string {
	return fmt.Sprintf("Rule '%s' matched - %s", e.Name, e.Explanation)
}

// AppliedRuleIDs returns the IDs of rules in trace that applied without error.
func AppliedRuleIDs(trace []TraceEntry) []string {
	ids := make([]string, 0, len(trace))
	for _, entry := range trace {
		if !entry.Failed() {
			ids = append(ids, entry.RuleID)
		}
	}
	return ids
}

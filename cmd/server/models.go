package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liamcoop/finrules/ledger"
	"github.com/liamcoop/finrules/rules"
)

// API Request and Response Models

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules   []*rules.Rule `json:"rules"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
	Pages   int           `json:"pages"`
} // @name RulesListResponse

// EvaluateResponse represents the response for evaluating a transaction
type EvaluateResponse struct {
	Transaction    rules.Transaction  `json:"transaction"`
	Trace          []rules.TraceEntry `json:"trace"`
	AppliedRules   []string           `json:"applied_rules"`
	EvaluationTime string             `json:"evaluation_time" example:"120µs"`
} // @name EvaluateResponse

// CreateTransactionRequest represents the request body for creating a transaction
type CreateTransactionRequest struct {
	AccountID       string                `json:"account_id" example:"checking"`
	Description     string                `json:"description" example:"Trader Joe's Grocery Store"`
	Amount          decimal.Decimal       `json:"amount" example:"50.00"`
	Type            rules.TransactionType `json:"type" example:"expense"`
	TransactionDate string                `json:"transaction_date,omitempty" example:"2024-03-15T10:30:00Z"`
	CategoryID      *int64                `json:"category_id,omitempty"`
	Tags            []string              `json:"tags,omitempty"`
	IsRecurring     bool                  `json:"is_recurring"`
} // @name CreateTransactionRequest

func (req CreateTransactionRequest) toInput() (ledger.NewTransaction, error) {
	in := ledger.NewTransaction{
		AccountID:   req.AccountID,
		Description: req.Description,
		Amount:      req.Amount,
		Type:        req.Type,
		CategoryID:  req.CategoryID,
		Tags:        req.Tags,
		IsRecurring: req.IsRecurring,
	}
	if req.TransactionDate != "" {
		date, err := rules.ParseTimestamp(req.TransactionDate)
		if err != nil {
			return in, fmt.Errorf("%w: transaction_date: %v", ledger.ErrInvalid, err)
		}
		in.TransactionDate = date
	}
	return in, nil
}

// UpdateTransactionRequest represents the request body for updating a transaction.
// Omitted fields are left unchanged.
type UpdateTransactionRequest struct {
	Description     *string                `json:"description,omitempty"`
	Amount          *decimal.Decimal       `json:"amount,omitempty"`
	Type            *rules.TransactionType `json:"type,omitempty"`
	TransactionDate *string                `json:"transaction_date,omitempty"`
	CategoryID      *int64                 `json:"category_id,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	IsRecurring     *bool                  `json:"is_recurring,omitempty"`
} // @name UpdateTransactionRequest

func (req UpdateTransactionRequest) toChanges() (ledger.Changes, error) {
	changes := ledger.Changes{
		Description: req.Description,
		Amount:      req.Amount,
		Type:        req.Type,
		CategoryID:  req.CategoryID,
		Tags:        req.Tags,
		IsRecurring: req.IsRecurring,
	}
	if req.TransactionDate != nil {
		date, err := rules.ParseTimestamp(*req.TransactionDate)
		if err != nil {
			return changes, fmt.Errorf("%w: transaction_date: %v", ledger.ErrInvalid, err)
		}
		changes.TransactionDate = &date
	}
	return changes, nil
}

// TransactionResponse is a stored transaction, optionally with the trace the
// current rules produce for it.
type TransactionResponse struct {
	*ledger.Record
	Trace []rules.TraceEntry `json:"trace,omitempty"`
} // @name TransactionResponse

// TransactionsListResponse represents the response for listing transactions
type TransactionsListResponse struct {
	Data        []*ledger.Record `json:"data"`
	Total       int              `json:"total"`
	Pages       int              `json:"pages"`
	CurrentPage int              `json:"current_page"`
	PerPage     int              `json:"per_page"`
} // @name TransactionsListResponse

// HistoryResponse lists the audit entries of one transaction
type HistoryResponse struct {
	Entries []*ledger.AuditEntry `json:"entries"`
} // @name HistoryResponse

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"rule must have 'name' field"`
	Details string `json:"details,omitempty"`
} // @name ErrorResponse

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string    `json:"status" example:"healthy"`
	Storage string    `json:"storage" example:"postgres"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
} // @name HealthResponse

func pageCount(total, perPage int) int {
	if perPage <= 0 || total == 0 {
		return 1
	}
	return (total + perPage - 1) / perPage
}

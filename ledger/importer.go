package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liamcoop/finrules/internal/logger"
	"github.com/liamcoop/finrules/rules"
)

// DefaultPreviewRows is used when Preview is asked for fewer than one row.
const DefaultPreviewRows = 10

// RequiredColumns must appear in the header of an import file.
var RequiredColumns = []string{"account_id", "amount", "type", "description", "transaction_date"}

// PreviewRow is one CSV row with the user's rules applied.
type PreviewRow struct {
	RowNumber       int                   `json:"row_number"`
	AccountID       string                `json:"account_id"`
	Amount          decimal.Decimal       `json:"amount"`
	Type            rules.TransactionType `json:"type"`
	Description     string                `json:"description"`
	TransactionDate time.Time             `json:"transaction_date"`
	CategoryID      *int64                `json:"category_id"`
	Tags            []string              `json:"tags"`
	IsRecurring     bool                  `json:"is_recurring"`
	AppliedRules    []string              `json:"applied_rules"`
	RuleTrace       []string              `json:"rule_trace"`
}

// Preview is the outcome of a dry import.
type Preview struct {
	Rows     []PreviewRow `json:"preview_rows"`
	Total    int          `json:"total_rows_preview"`
	Warnings []string     `json:"warnings"`
}

// CommitResult summarizes a committed import.
type CommitResult struct {
	Created     int      `json:"created_count"`
	TotalErrors int      `json:"total_errors"`
	Errors      []string `json:"errors"`
}

// Importer reads transactions from CSV. The user's rules are loaded once per
// import and applied to every row.
type Importer struct {
	service *Service
	logger  *slog.Logger
}

// NewImporter creates an importer that stores rows through service.
func NewImporter(service *Service) *Importer {
	return &Importer{service: service, logger: service.logger}
}

// Preview parses up to maxRows data rows and applies the user's rules without
// storing anything. Bad rows become warnings.
func (im *Importer) Preview(ctx context.Context, userID string, r io.Reader, maxRows int) (*Preview, error) {
	if maxRows < 1 {
		maxRows = DefaultPreviewRows
	}
	active, err := im.service.source.ActiveRules(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := &Preview{Rows: []PreviewRow{}, Warnings: []string{}}
	err = eachRow(r, func(n int, in NewTransaction, rowErr error) bool {
		if n > maxRows {
			return false
		}
		if rowErr != nil {
			logger.WarnImportRow()
			out.Warnings = append(out.Warnings, fmt.Sprintf("Row %d: %v", n, rowErr))
			return true
		}

		facts := rules.Transaction{
			Description:     in.Description,
			Amount:          in.Amount,
			Type:            in.Type,
			TransactionDate: in.TransactionDate,
			Tags:            in.Tags,
			IsRecurring:     in.IsRecurring,
		}
		result, trace := im.service.engine.EvaluateTransaction(facts, active)

		tags := result.Tags
		if tags == nil {
			tags = []string{}
		}
		out.Rows = append(out.Rows, PreviewRow{
			RowNumber:       n,
			AccountID:       in.AccountID,
			Amount:          in.Amount,
			Type:            in.Type,
			Description:     in.Description,
			TransactionDate: in.TransactionDate,
			CategoryID:      result.CategoryID,
			Tags:            tags,
			IsRecurring:     in.IsRecurring,
			AppliedRules:    rules.AppliedRuleIDs(trace),
			RuleTrace:       traceLines(trace),
		})
		return true
	})
	if err != nil {
		return nil, err
	}

	out.Total = len(out.Rows)
	return out, nil
}

// Commit stores every valid row. Bad rows and rows that fail to store are
// reported in the result without aborting the import.
func (im *Importer) Commit(ctx context.Context, userID string, r io.Reader) (*CommitResult, error) {
	active, err := im.service.source.ActiveRules(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := &CommitResult{Errors: []string{}}
	err = eachRow(r, func(n int, in NewTransaction, rowErr error) bool {
		if rowErr == nil {
			_, rowErr = im.service.create(ctx, userID, in, active)
		}
		if rowErr != nil {
			logger.WarnImportRow()
			out.Errors = append(out.Errors, fmt.Sprintf("Row %d: %v", n, rowErr))
			return ctx.Err() == nil
		}
		out.Created++
		return true
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("import interrupted after %d rows: %w", out.Created, err)
	}

	out.TotalErrors = len(out.Errors)
	im.logger.Info("transactions imported",
		"user_id", userID,
		"created", out.Created,
		"errors", out.TotalErrors)
	return out, nil
}

// eachRow calls fn for every data row with its 1-based number, until fn
// returns false. Header problems and malformed CSV abort with ErrInvalid.
func eachRow(r io.Reader, fn func(n int, in NewTransaction, rowErr error) bool) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: CSV is empty", ErrInvalid)
	}
	if err != nil {
		return fmt.Errorf("%w: CSV parsing error: %v", ErrInvalid, err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		columns[strings.ToLower(name)] = i
	}

	var missing []string
	for _, name := range RequiredColumns {
		if _, ok := columns[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", ErrInvalid, strings.Join(missing, ", "))
	}

	for n := 1; ; n++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: CSV parsing error: %v", ErrInvalid, err)
		}

		in, rowErr := parseRow(columns, record)
		if !fn(n, in, rowErr) {
			return nil
		}
	}
}

func parseRow(columns map[string]int, record []string) (NewTransaction, error) {
	cell := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	in := NewTransaction{
		AccountID:   cell("account_id"),
		Description: cell("description"),
		Type:        rules.TransactionType(cell("type")),
	}
	if in.AccountID == "" {
		return in, errors.New("account_id is required")
	}

	amount, err := decimal.NewFromString(cell("amount"))
	if err != nil {
		return in, fmt.Errorf("invalid amount '%s'", cell("amount"))
	}
	in.Amount = amount

	if !in.Type.Valid() {
		return in, fmt.Errorf("invalid transaction type '%s'", in.Type)
	}

	date, err := rules.ParseTimestamp(cell("transaction_date"))
	if err != nil {
		return in, fmt.Errorf("invalid date format '%s'", cell("transaction_date"))
	}
	in.TransactionDate = date

	if raw := cell("is_recurring"); raw != "" {
		recurring, err := strconv.ParseBool(raw)
		if err != nil {
			return in, fmt.Errorf("invalid is_recurring value '%s'", raw)
		}
		in.IsRecurring = recurring
	}

	in.Tags = []string{}
	for _, tag := range strings.Split(cell("tags"), ";") {
		if tag = strings.TrimSpace(tag); tag != "" {
			in.Tags = append(in.Tags, tag)
		}
	}
	return in, nil
}

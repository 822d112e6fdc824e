package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/liamcoop/finrules/ledger"
	"github.com/liamcoop/finrules/rules"
)

// staticRules serves a fixed rule set to the ledger.
type staticRules []*rules.Rule

func (s staticRules) ActiveRules(context.Context, string) ([]*rules.Rule, error) {
	return s, nil
}

// evaluateCSV applies ruleSet to up to maxRows rows of a transaction CSV.
// Nothing is stored.
func evaluateCSV(ctx context.Context, ruleSet []*rules.Rule, csv io.Reader, maxRows int, log *slog.Logger) (*ledger.Preview, error) {
	engine := rules.NewEngine(rules.WithLogger(log))
	svc := ledger.NewService(
		ledger.NewInMemoryTransactionStore(),
		ledger.NewInMemoryAuditStore(),
		staticRules(ruleSet),
		ledger.WithEngine(engine),
		ledger.WithLogger(log),
	)
	return ledger.NewImporter(svc).Preview(ctx, "rulecheck", csv, maxRows)
}

func printPreview(w io.Writer, p *ledger.Preview) {
	for _, row := range p.Rows {
		fmt.Fprintf(w, "Row %d: %s (%s %s)\n", row.RowNumber, row.Description, row.Amount, row.Type)

		category := "none"
		if row.CategoryID != nil {
			category = fmt.Sprint(*row.CategoryID)
		}
		fmt.Fprintf(w, "  category: %s  tags: [%s]\n", category, strings.Join(row.Tags, ", "))
		for _, line := range row.RuleTrace {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}

	if len(p.Warnings) > 0 {
		fmt.Fprintln(w, "Warnings:")
		for _, warning := range p.Warnings {
			fmt.Fprintf(w, "  %s\n", warning)
		}
	}
	fmt.Fprintf(w, "%d row(s) evaluated, %d warning(s)\n", p.Total, len(p.Warnings))
}

package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celCostLimit bounds the work a single expression may do per evaluation.
const celCostLimit = 1000000

var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("transaction", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
})

// Expression is a CEL boolean expression over a "transaction" map with the keys
// description, type, amount_cents, transaction_date, category_id (absent when
// unset), tags and is_recurring.
type Expression struct {
	Source string
	prog   cel.Program
}

func (*Expression) Operator() Operator { return OpExpression }
func (*Expression) isCondition()       {}

// NewExpression compiles source. Compile and type errors are validation errors.
func NewExpression(source string) (*Expression, error) {
	env, err := celEnv()
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, invalidf("value", "invalid expression: %v", issues.Err())
	}

	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, invalidf("value", "expression must evaluate to a boolean, got %s", out)
	}

	prog, err := env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, invalidf("value", "invalid expression: %v", err)
	}

	return &Expression{Source: source, prog: prog}, nil
}

func (c *Expression) program() (cel.Program, error) {
	if c.prog != nil {
		return c.prog, nil
	}
	compiled, err := NewExpression(c.Source)
	if err != nil {
		return nil, err
	}
	return compiled.prog, nil
}

// match evaluates the expression. Non-boolean results do not match.
func (c *Expression) match(tx *Transaction) (bool, error) {
	prog, err := c.program()
	if err != nil {
		return false, err
	}

	out, _, err := prog.Eval(map[string]any{"transaction": celFacts(tx)})
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", c.Source, err)
	}

	matched, ok := out.Value().(bool)
	return ok && matched, nil
}

func celFacts(tx *Transaction) map[string]any {
	tags := tx.Tags
	if tags == nil {
		tags = []string{}
	}

	facts := map[string]any{
		"description":      tx.Description,
		"type":             string(tx.Type),
		"amount_cents":     tx.Amount.Shift(2).Round(0).IntPart(),
		"transaction_date": tx.TransactionDate,
		"tags":             tags,
		"is_recurring":     tx.IsRecurring,
	}
	if tx.CategoryID != nil {
		facts["category_id"] = *tx.CategoryID
	}
	return facts
}

package rules

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Operator names a condition node kind.
type Operator string

const (
	OpAny              Operator = "any"
	OpAll              Operator = "all"
	OpMerchantContains Operator = "merchant_contains"
	OpMerchantRegex    Operator = "merchant_regex"
	OpAmountGT         Operator = "amount_gt"
	OpAmountGTE        Operator = "amount_gte"
	OpAmountLT         Operator = "amount_lt"
	OpAmountLTE        Operator = "amount_lte"
	OpAmountEQ         Operator = "amount_eq"
	OpIsRecurring      Operator = "is_recurring"
	OpDateRange        Operator = "date_range"
	OpCategoryIDEq     Operator = "category_id_eq"
	OpExpression       Operator = "expression"
)

var supportedOperators = []Operator{
	OpAny, OpAll,
	OpMerchantContains, OpMerchantRegex,
	OpAmountGT, OpAmountGTE, OpAmountLT, OpAmountLTE, OpAmountEQ,
	OpIsRecurring, OpDateRange, OpCategoryIDEq, OpExpression,
}

// SupportedOperators returns the operator names accepted in conditions, sorted.
func SupportedOperators() []string {
	names := make([]string, 0, len(supportedOperators))
	for _, op := range supportedOperators {
		names = append(names, string(op))
	}
	slices.Sort(names)
	return names
}

func isAmountOperator(op Operator) bool {
	switch op {
	case OpAmountGT, OpAmountGTE, OpAmountLT, OpAmountLTE, OpAmountEQ:
		return true
	}
	return false
}

// Condition is a node of a condition tree. The set of implementations is
// closed: AnyCondition, AllCondition, MerchantContains, MerchantRegex,
// AmountCompare, IsRecurring, DateRange, CategoryIDEquals and Expression.
// Nodes are not modified after construction and may be shared freely.
type Condition interface {
	Operator() Operator
	isCondition()
}

// AnyCondition matches when at least one child matches.
type AnyCondition struct {
	Conditions []Condition
}

// AllCondition matches when every child matches.
type AllCondition struct {
	Conditions []Condition
}

// MerchantContains is a case-insensitive substring test on the description.
type MerchantContains struct {
	Value string
}

// MerchantRegex is a case-insensitive, unanchored regular expression search
// on the description.
type MerchantRegex struct {
	Pattern string
	re      *regexp.Regexp
}

// AmountCompare compares the transaction amount against Value using Op,
// which must be one of the amount_* operators.
type AmountCompare struct {
	Op    Operator
	Value decimal.Decimal
}

// IsRecurring matches the recurring flag.
type IsRecurring struct {
	Value bool
}

// DateRange matches transaction dates in [Start, End].
type DateRange struct {
	Start time.Time
	End   time.Time
}

// CategoryIDEquals matches an assigned category.
type CategoryIDEquals struct {
	Value int64
}

func (*AnyCondition) Operator() Operator     { return OpAny }
func (*AllCondition) Operator() Operator     { return OpAll }
func (*MerchantContains) Operator() Operator { return OpMerchantContains }
func (*MerchantRegex) Operator() Operator    { return OpMerchantRegex }
func (c *AmountCompare) Operator() Operator  { return c.Op }
func (*IsRecurring) Operator() Operator      { return OpIsRecurring }
func (*DateRange) Operator() Operator        { return OpDateRange }
func (*CategoryIDEquals) Operator() Operator { return OpCategoryIDEq }

func (*AnyCondition) isCondition()     {}
func (*AllCondition) isCondition()     {}
func (*MerchantContains) isCondition() {}
func (*MerchantRegex) isCondition()    {}
func (*AmountCompare) isCondition()    {}
func (*IsRecurring) isCondition()      {}
func (*DateRange) isCondition()        {}
func (*CategoryIDEquals) isCondition() {}

// NewMerchantRegex compiles pattern case-insensitively.
func NewMerchantRegex(pattern string) (*MerchantRegex, error) {
	re, err := compileMerchantPattern(pattern)
	if err != nil {
		return nil, invalidf("value", "invalid regex pattern: %v", err)
	}
	return &MerchantRegex{Pattern: pattern, re: re}, nil
}

func compileMerchantPattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

func (c *MerchantRegex) compiled() (*regexp.Regexp, error) {
	if c.re != nil {
		return c.re, nil
	}
	return compileMerchantPattern(c.Pattern)
}

// ValidateCondition checks a condition tree for structural problems. Trees
// built by ParseCondition are already valid; this is for trees built in code.
func ValidateCondition(c Condition) error {
	switch c := c.(type) {
	case nil:
		return invalidf("condition", "condition is required")
	case *AnyCondition:
		return validateChildren(OpAny, c.Conditions)
	case *AllCondition:
		return validateChildren(OpAll, c.Conditions)
	case *MerchantContains:
		return nil
	case *MerchantRegex:
		if _, err := c.compiled(); err != nil {
			return invalidf("value", "invalid regex pattern: %v", err)
		}
		return nil
	case *AmountCompare:
		if !isAmountOperator(c.Op) {
			return &UnsupportedOperatorError{Operator: string(c.Op), Supported: SupportedOperators()}
		}
		return nil
	case *IsRecurring:
		return nil
	case *DateRange:
		if c.Start.IsZero() || c.End.IsZero() {
			return invalidf("start", "'date_range' requires 'start' and 'end' fields")
		}
		return nil
	case *CategoryIDEquals:
		return nil
	case *Expression:
		if c.prog != nil {
			return nil
		}
		_, err := NewExpression(c.Source)
		return err
	case *invalidCondition:
		return c.err
	default:
		return &UnsupportedOperatorError{Operator: fmt.Sprintf("%T", c), Supported: SupportedOperators()}
	}
}

func validateChildren(op Operator, children []Condition) error {
	if len(children) == 0 {
		return invalidf("conditions", "'%s' conditions cannot be empty", op)
	}
	for _, child := range children {
		if err := ValidateCondition(child); err != nil {
			return err
		}
	}
	return nil
}

// invalidCondition stands in for a stored condition that no longer decodes.
// It fails at evaluation so the rule shows up as an error in the trace.
type invalidCondition struct {
	op  string
	raw []byte
	err error
}

func (c *invalidCondition) Operator() Operator { return Operator(c.op) }
func (*invalidCondition) isCondition()         {}

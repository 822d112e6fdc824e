package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EvaluateCondition reports whether c matches tx. It has no side effects and
// never modifies tx. Missing transaction fields are read as their zero values.
func EvaluateCondition(c Condition, tx *Transaction) (bool, error) {
	switch c := c.(type) {
	case nil:
		return false, errors.New("condition is nil")

	case *AnyCondition:
		for _, child := range c.Conditions {
			matched, err := EvaluateCondition(child, tx)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil

	case *AllCondition:
		for _, child := range c.Conditions {
			matched, err := EvaluateCondition(child, tx)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		}
		return len(c.Conditions) > 0, nil

	case *MerchantContains:
		return strings.Contains(strings.ToLower(tx.Description), strings.ToLower(c.Value)), nil

	case *MerchantRegex:
		re, err := c.compiled()
		if err != nil {
			// A pattern that cannot run is a non-match, not a failure.
			return false, nil
		}
		return re.MatchString(tx.Description), nil

	case *AmountCompare:
		return compareAmount(c, tx)

	case *IsRecurring:
		return tx.IsRecurring == c.Value, nil

	case *DateRange:
		return inDateRange(tx.TransactionDate, c.Start, c.End), nil

	case *CategoryIDEquals:
		return tx.CategoryID != nil && *tx.CategoryID == c.Value, nil

	case *Expression:
		return c.match(tx)

	case *invalidCondition:
		return false, c.err

	default:
		return false, fmt.Errorf("unsupported condition type %T", c)
	}
}

func compareAmount(c *AmountCompare, tx *Transaction) (bool, error) {
	amount := tx.Amount
	switch c.Op {
	case OpAmountGT:
		return amount.GreaterThan(c.Value), nil
	case OpAmountGTE:
		return amount.GreaterThanOrEqual(c.Value), nil
	case OpAmountLT:
		return amount.LessThan(c.Value), nil
	case OpAmountLTE:
		return amount.LessThanOrEqual(c.Value), nil
	case OpAmountEQ:
		return amount.Equal(c.Value), nil
	default:
		return false, fmt.Errorf("unknown amount operator %q", c.Op)
	}
}

func inDateRange(date, start, end time.Time) bool {
	if date.IsZero() {
		return false
	}
	return !date.Before(start) && !date.After(end)
}

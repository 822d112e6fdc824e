package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation matches every structural rule, condition or action error.
	ErrValidation = errors.New("rule validation failed")

	// ErrRuleNotFound indicates the rule does not exist for the requesting user.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleExists indicates a rule with the same ID is already stored.
	ErrRuleExists = errors.New("rule already exists")
)

// ValidationError describes a malformed rule, condition or action. Message is
// user-facing and returned unchanged by the API.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalidf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// UnsupportedOperatorError is returned for a condition operator outside the supported set.
type UnsupportedOperatorError struct {
	Operator  string
	Supported []string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("unknown operator: %s (supported: %s)", e.Operator, strings.Join(e.Supported, ", "))
}

func (e *UnsupportedOperatorError) Is(target error) bool {
	return target == ErrValidation
}

// UnsupportedActionError is returned for an action type outside the supported set.
type UnsupportedActionError struct {
	Type      string
	Supported []string
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("unknown action type: %s (supported: %s)", e.Type, strings.Join(e.Supported, ", "))
}

func (e *UnsupportedActionError) Is(target error) bool {
	return target == ErrValidation
}

package userrules

import (
	"fmt"
	"unicode/utf8"

	"github.com/liamcoop/finrules/rules"
)

// Limits bounds the size of user-authored rules. The engine itself has no
// recursion guard, so trees are capped before they are stored.
type Limits struct {
	MaxRulesPerUser   int
	MaxNameLength     int
	MaxConditionDepth int
	MaxConditionNodes int
	MaxTags           int
	MaxTagLength      int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxRulesPerUser:   500,
		MaxNameLength:     200,
		MaxConditionDepth: 16,
		MaxConditionNodes: 256,
		MaxTags:           50,
		MaxTagLength:      64,
	}
}

// ValidateLimits checks a structurally valid rule against l. Zero fields
// disable the corresponding check.
func ValidateLimits(r *rules.Rule, l Limits) error {
	if l.MaxNameLength > 0 && utf8.RuneCountInString(r.Name) > l.MaxNameLength {
		return limitError("name", "rule name length %d exceeds maximum of %d characters",
			utf8.RuneCountInString(r.Name), l.MaxNameLength)
	}

	depth, nodes := measure(r.Condition, 1)
	if l.MaxConditionDepth > 0 && depth > l.MaxConditionDepth {
		return limitError("condition", "condition nesting depth %d exceeds maximum of %d", depth, l.MaxConditionDepth)
	}
	if l.MaxConditionNodes > 0 && nodes > l.MaxConditionNodes {
		return limitError("condition", "condition contains %d nodes, maximum allowed is %d", nodes, l.MaxConditionNodes)
	}

	if tags, ok := r.Action.(*rules.SetTags); ok {
		if l.MaxTags > 0 && len(tags.Tags) > l.MaxTags {
			return limitError("tags", "action contains %d tags, maximum allowed is %d", len(tags.Tags), l.MaxTags)
		}
		for _, tag := range tags.Tags {
			if l.MaxTagLength > 0 && utf8.RuneCountInString(tag) > l.MaxTagLength {
				return limitError("tags", "tag %q exceeds maximum of %d characters", tag, l.MaxTagLength)
			}
		}
	}

	return nil
}

// measure returns the depth and node count of a condition tree.
func measure(c rules.Condition, level int) (depth, nodes int) {
	var children []rules.Condition
	switch c := c.(type) {
	case *rules.AnyCondition:
		children = c.Conditions
	case *rules.AllCondition:
		children = c.Conditions
	}

	depth, nodes = level, 1
	for _, child := range children {
		d, n := measure(child, level+1)
		depth = max(depth, d)
		nodes += n
	}
	return depth, nodes
}

func limitError(field, format string, args ...any) error {
	return &rules.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

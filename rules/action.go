package rules

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// ActionType names an action kind.
type ActionType string

const (
	ActionSetCategory           ActionType = "set_category"
	ActionSetTags               ActionType = "set_tags"
	ActionRecommendBudgetChange ActionType = "recommend_budget_change"
	ActionRecommendGoal         ActionType = "recommend_goal"
	ActionStopProcessing        ActionType = "stop_processing"
)

// SupportedActionTypes returns the accepted action type names, sorted.
func SupportedActionTypes() []string {
	names := []string{
		string(ActionSetCategory),
		string(ActionSetTags),
		string(ActionRecommendBudgetChange),
		string(ActionRecommendGoal),
		string(ActionStopProcessing),
	}
	slices.Sort(names)
	return names
}

// Action is applied to a transaction when its rule's condition matches. The
// set of implementations is closed: SetCategory, SetTags,
// RecommendBudgetChange, RecommendGoal and StopProcessing.
type Action interface {
	Type() ActionType
	isAction()
}

// SetCategory overwrites the transaction category.
type SetCategory struct {
	CategoryID int64
}

// SetTags adds tags to the transaction; existing tags are kept and duplicates collapse.
type SetTags struct {
	Tags []string
}

// RecommendBudgetChange is advisory: it only produces an explanation.
type RecommendBudgetChange struct {
	ChangePercent decimal.Decimal
}

// RecommendGoal is advisory: it only produces an explanation.
type RecommendGoal struct {
	GoalName string
	Amount   decimal.Decimal
}

// StopProcessing halts evaluation of lower-priority rules.
type StopProcessing struct{}

func (*SetCategory) Type() ActionType           { return ActionSetCategory }
func (*SetTags) Type() ActionType               { return ActionSetTags }
func (*RecommendBudgetChange) Type() ActionType { return ActionRecommendBudgetChange }
func (*RecommendGoal) Type() ActionType         { return ActionRecommendGoal }
func (*StopProcessing) Type() ActionType        { return ActionStopProcessing }

func (*SetCategory) isAction()           {}
func (*SetTags) isAction()               {}
func (*RecommendBudgetChange) isAction() {}
func (*RecommendGoal) isAction()         {}
func (*StopProcessing) isAction()        {}

// ValidateAction checks an action built in code. Actions from ParseAction are
// already valid.
func ValidateAction(a Action) error {
	switch a := a.(type) {
	case nil:
		return invalidf("action", "action is required")
	case *SetCategory, *SetTags, *RecommendBudgetChange, *RecommendGoal, *StopProcessing:
		return nil
	case *invalidAction:
		return a.err
	default:
		return &UnsupportedActionError{Type: fmt.Sprintf("%T", a), Supported: SupportedActionTypes()}
	}
}

// ExecuteAction applies a to a copy of tx and returns the copy with a
// one-line explanation. tx itself is never modified.
func ExecuteAction(a Action, tx Transaction) (Transaction, string, error) {
	out := tx.Clone()

	switch a := a.(type) {
	case nil:
		return tx, "", errors.New("action is nil")

	case *SetCategory:
		id := a.CategoryID
		out.CategoryID = &id
		return out, fmt.Sprintf("Set category to %d", id), nil

	case *SetTags:
		out.Tags = unionTags(out.Tags, a.Tags)
		return out, "Added tags: " + strings.Join(a.Tags, ", "), nil

	case *RecommendBudgetChange:
		return out, fmt.Sprintf("Recommended budget change: %s%%", signedPercent(a.ChangePercent)), nil

	case *RecommendGoal:
		return out, fmt.Sprintf("Recommended goal '%s' with amount $%s", a.GoalName, a.Amount), nil

	case *StopProcessing:
		out.stop = true
		return out, "Stopped further rule processing", nil

	case *invalidAction:
		return tx, "", a.err

	default:
		return tx, "", fmt.Errorf("unsupported action type %T", a)
	}
}

// unionTags keeps the order of first appearance: existing tags, then new ones.
func unionTags(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, group := range [][]string{existing, added} {
		for _, tag := range group {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

func signedPercent(p decimal.Decimal) string {
	rounded := p.Round(1)
	if rounded.Sign() >= 0 {
		return "+" + rounded.StringFixed(1)
	}
	return rounded.StringFixed(1)
}

// invalidAction stands in for a stored action that no longer decodes.
type invalidAction struct {
	typ string
	raw []byte
	err error
}

func (a *invalidAction) Type() ActionType { return ActionType(a.typ) }
func (*invalidAction) isAction()          {}

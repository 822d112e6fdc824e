package rules

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// document is a decoded JSON object whose values are still raw.
type document map[string]json.RawMessage

func decodeDocument(data []byte, what string) (document, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return nil, invalidf(what, "%s must be an object", what)
	}
	return doc, nil
}

func rawString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func rawBool(raw json.RawMessage) (bool, bool) {
	switch string(bytes.TrimSpace(raw)) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// rawInt accepts JSON integer literals only.
func rawInt(raw json.RawMessage) (int64, bool) {
	n, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	return n, err == nil
}

// rawDecimal accepts JSON numbers and numeric strings.
func rawDecimal(raw json.RawMessage) (decimal.Decimal, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return decimal.Decimal{}, false
	}
	text := string(raw)
	if raw[0] == '"' {
		s, ok := rawString(raw)
		if !ok {
			return decimal.Decimal{}, false
		}
		text = strings.TrimSpace(s)
	} else if raw[0] != '-' && (raw[0] < '0' || raw[0] > '9') {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// ParseCondition decodes a JSON condition and validates it while building the
// tree, so the result never needs re-validation.
func ParseCondition(data []byte) (Condition, error) {
	doc, err := decodeDocument(data, "condition")
	if err != nil {
		return nil, err
	}

	rawOp, ok := doc["operator"]
	if !ok {
		return nil, invalidf("operator", "condition must have 'operator' field")
	}
	name, ok := rawString(rawOp)
	if !ok {
		return nil, &UnsupportedOperatorError{Operator: string(rawOp), Supported: SupportedOperators()}
	}
	op := Operator(name)

	switch op {
	case OpAny, OpAll:
		children, err := parseChildren(op, doc)
		if err != nil {
			return nil, err
		}
		if op == OpAny {
			return &AnyCondition{Conditions: children}, nil
		}
		return &AllCondition{Conditions: children}, nil

	case OpMerchantContains:
		value, err := requireString(op, doc)
		if err != nil {
			return nil, err
		}
		return &MerchantContains{Value: value}, nil

	case OpMerchantRegex:
		value, err := requireString(op, doc)
		if err != nil {
			return nil, err
		}
		return NewMerchantRegex(value)

	case OpAmountGT, OpAmountGTE, OpAmountLT, OpAmountLTE, OpAmountEQ:
		raw, ok := doc["value"]
		if !ok {
			return nil, invalidf("value", "'%s' requires 'value' field", op)
		}
		value, ok := rawDecimal(raw)
		if !ok {
			return nil, invalidf("value", "'%s' value must be numeric", op)
		}
		return &AmountCompare{Op: op, Value: value}, nil

	case OpIsRecurring:
		raw, ok := doc["value"]
		if !ok {
			return nil, invalidf("value", "'%s' requires 'value' field", op)
		}
		value, ok := rawBool(raw)
		if !ok {
			return nil, invalidf("value", "'%s' value must be boolean", op)
		}
		return &IsRecurring{Value: value}, nil

	case OpDateRange:
		return parseDateRange(doc)

	case OpCategoryIDEq:
		raw, ok := doc["value"]
		if !ok {
			return nil, invalidf("value", "'%s' requires 'value' field", op)
		}
		value, ok := rawInt(raw)
		if !ok {
			return nil, invalidf("value", "'%s' value must be an integer", op)
		}
		return &CategoryIDEquals{Value: value}, nil

	case OpExpression:
		value, err := requireString(op, doc)
		if err != nil {
			return nil, err
		}
		return NewExpression(value)

	default:
		return nil, &UnsupportedOperatorError{Operator: name, Supported: SupportedOperators()}
	}
}

func requireString(op Operator, doc document) (string, error) {
	raw, ok := doc["value"]
	if !ok {
		return "", invalidf("value", "'%s' requires 'value' field", op)
	}
	value, ok := rawString(raw)
	if !ok {
		return "", invalidf("value", "'%s' value must be a string", op)
	}
	return value, nil
}

func parseChildren(op Operator, doc document) ([]Condition, error) {
	raw, ok := doc["conditions"]
	if !ok {
		return nil, invalidf("conditions", "'%s' operator requires 'conditions' array", op)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, invalidf("conditions", "'%s' conditions must be a list", op)
	}
	if len(items) == 0 {
		return nil, invalidf("conditions", "'%s' conditions cannot be empty", op)
	}

	children := make([]Condition, 0, len(items))
	for _, item := range items {
		child, err := ParseCondition(item)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func parseDateRange(doc document) (Condition, error) {
	rawStart, hasStart := doc["start"]
	rawEnd, hasEnd := doc["end"]
	if !hasStart || !hasEnd {
		return nil, invalidf("start", "'date_range' requires 'start' and 'end' fields")
	}

	bounds := make([]time.Time, 0, 2)
	for _, field := range []struct {
		name string
		raw  json.RawMessage
	}{{"start", rawStart}, {"end", rawEnd}} {
		text, ok := rawString(field.raw)
		if !ok {
			return nil, invalidf(field.name, "'%s' must be ISO format date/datetime", field.name)
		}
		ts, err := ParseTimestamp(text)
		if err != nil {
			return nil, invalidf(field.name, "'%s' must be ISO format date/datetime", field.name)
		}
		bounds = append(bounds, ts)
	}
	return &DateRange{Start: bounds[0], End: bounds[1]}, nil
}

// ParseAction decodes and validates a JSON action.
func ParseAction(data []byte) (Action, error) {
	doc, err := decodeDocument(data, "action")
	if err != nil {
		return nil, err
	}

	rawType, ok := doc["type"]
	if !ok {
		return nil, invalidf("type", "action must have 'type' field")
	}
	name, ok := rawString(rawType)
	if !ok {
		return nil, &UnsupportedActionError{Type: string(rawType), Supported: SupportedActionTypes()}
	}

	switch ActionType(name) {
	case ActionSetCategory:
		raw, ok := doc["category_id"]
		if !ok {
			return nil, invalidf("category_id", "'set_category' action requires 'category_id'")
		}
		id, ok := rawInt(raw)
		if !ok {
			return nil, invalidf("category_id", "'set_category' category_id must be an integer")
		}
		return &SetCategory{CategoryID: id}, nil

	case ActionSetTags:
		raw, ok := doc["tags"]
		if !ok {
			return nil, invalidf("tags", "'set_tags' action requires 'tags'")
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil || items == nil {
			return nil, invalidf("tags", "'set_tags' tags must be a list")
		}
		tags := make([]string, 0, len(items))
		for _, item := range items {
			tag, ok := rawString(item)
			if !ok {
				return nil, invalidf("tags", "each tag must be a string")
			}
			tags = append(tags, tag)
		}
		return &SetTags{Tags: tags}, nil

	case ActionRecommendBudgetChange:
		raw, ok := doc["change_percent"]
		if !ok {
			return nil, invalidf("change_percent", "'recommend_budget_change' requires 'change_percent'")
		}
		pct, ok := rawDecimal(raw)
		if !ok {
			return nil, invalidf("change_percent", "'recommend_budget_change' change_percent must be numeric")
		}
		return &RecommendBudgetChange{ChangePercent: pct}, nil

	case ActionRecommendGoal:
		rawName, hasName := doc["goal_name"]
		rawAmount, hasAmount := doc["amount"]
		if !hasName || !hasAmount {
			return nil, invalidf("goal_name", "'recommend_goal' requires 'goal_name' and 'amount'")
		}
		goal, ok := rawString(rawName)
		if !ok {
			return nil, invalidf("goal_name", "'recommend_goal' goal_name must be a string")
		}
		amount, ok := rawDecimal(rawAmount)
		if !ok {
			return nil, invalidf("amount", "'recommend_goal' amount must be numeric")
		}
		return &RecommendGoal{GoalName: goal, Amount: amount}, nil

	case ActionStopProcessing:
		return &StopProcessing{}, nil

	default:
		return nil, &UnsupportedActionError{Type: name, Supported: SupportedActionTypes()}
	}
}

// ParseRule decodes and validates a rule document. name, condition and action
// are required; priority must be an integer and is_active defaults to true.
func ParseRule(data []byte) (*Rule, error) {
	doc, err := decodeDocument(data, "rule")
	if err != nil {
		return nil, err
	}

	for _, field := range []string{"name", "condition", "action"} {
		if _, ok := doc[field]; !ok {
			return nil, invalidf(field, "rule must have '%s' field", field)
		}
	}

	name, ok := rawString(doc["name"])
	if !ok || strings.TrimSpace(name) == "" {
		return nil, invalidf("name", "'name' must be a non-empty string")
	}

	rule := &Rule{Name: name, Active: true}

	if rule.Condition, err = ParseCondition(doc["condition"]); err != nil {
		return nil, err
	}
	if rule.Action, err = ParseAction(doc["action"]); err != nil {
		return nil, err
	}

	if raw, ok := doc["priority"]; ok && !isNull(raw) {
		priority, ok := ParsePriority(raw)
		if !ok {
			return nil, invalidf("priority", "'priority' must be an integer")
		}
		rule.Priority = priority
	}

	if raw, ok := doc["is_active"]; ok && !isNull(raw) {
		active, ok := rawBool(raw)
		if !ok {
			return nil, invalidf("is_active", "'is_active' must be a boolean")
		}
		rule.Active = active
	}

	if raw, ok := doc["description"]; ok && !isNull(raw) {
		desc, ok := rawString(raw)
		if !ok {
			return nil, invalidf("description", "'description' must be a string")
		}
		rule.Description = desc
	}

	if raw, ok := doc["id"]; ok && !isNull(raw) {
		id, ok := rawString(raw)
		if !ok {
			// Numeric IDs from older exports are kept as text.
			id = string(bytes.TrimSpace(raw))
		}
		rule.ID = id
	}

	return rule, nil
}

// ParsePriority decodes a rule priority given as a JSON integer or a string
// holding one.
func ParsePriority(raw json.RawMessage) (int, bool) {
	if n, ok := rawInt(raw); ok {
		return int(n), true
	}
	if s, ok := rawString(raw); ok {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		return n, err == nil
	}
	return 0, false
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// JSON encoding mirrors the shapes ParseCondition and ParseAction accept.

func (c *AnyCondition) MarshalJSON() ([]byte, error) {
	return marshalCombinator(OpAny, c.Conditions)
}

func (c *AllCondition) MarshalJSON() ([]byte, error) {
	return marshalCombinator(OpAll, c.Conditions)
}

func marshalCombinator(op Operator, children []Condition) ([]byte, error) {
	return json.Marshal(struct {
		Operator   Operator    `json:"operator"`
		Conditions []Condition `json:"conditions"`
	}{op, children})
}

func marshalValue(op Operator, value any) ([]byte, error) {
	return json.Marshal(struct {
		Operator Operator `json:"operator"`
		Value    any      `json:"value"`
	}{op, value})
}

func (c *MerchantContains) MarshalJSON() ([]byte, error) {
	return marshalValue(OpMerchantContains, c.Value)
}

func (c *MerchantRegex) MarshalJSON() ([]byte, error) {
	return marshalValue(OpMerchantRegex, c.Pattern)
}

func (c *AmountCompare) MarshalJSON() ([]byte, error) {
	return marshalValue(c.Op, json.Number(c.Value.String()))
}

func (c *IsRecurring) MarshalJSON() ([]byte, error) {
	return marshalValue(OpIsRecurring, c.Value)
}

func (c *CategoryIDEquals) MarshalJSON() ([]byte, error) {
	return marshalValue(OpCategoryIDEq, c.Value)
}

func (c *Expression) MarshalJSON() ([]byte, error) {
	return marshalValue(OpExpression, c.Source)
}

func (c *DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Operator Operator `json:"operator"`
		Start    string   `json:"start"`
		End      string   `json:"end"`
	}{OpDateRange, c.Start.Format(time.RFC3339Nano), c.End.Format(time.RFC3339Nano)})
}

func (c *invalidCondition) MarshalJSON() ([]byte, error) {
	return c.raw, nil
}

func (a *SetCategory) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       ActionType `json:"type"`
		CategoryID int64      `json:"category_id"`
	}{ActionSetCategory, a.CategoryID})
}

func (a *SetTags) MarshalJSON() ([]byte, error) {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(struct {
		Type ActionType `json:"type"`
		Tags []string   `json:"tags"`
	}{ActionSetTags, tags})
}

func (a *RecommendBudgetChange) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type          ActionType  `json:"type"`
		ChangePercent json.Number `json:"change_percent"`
	}{ActionRecommendBudgetChange, json.Number(a.ChangePercent.String())})
}

func (a *RecommendGoal) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     ActionType  `json:"type"`
		GoalName string      `json:"goal_name"`
		Amount   json.Number `json:"amount"`
	}{ActionRecommendGoal, a.GoalName, json.Number(a.Amount.String())})
}

func (a *StopProcessing) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type ActionType `json:"type"`
	}{ActionStopProcessing})
}

func (a *invalidAction) MarshalJSON() ([]byte, error) {
	return a.raw, nil
}

// decodeStoredCondition is used for rows that were validated when written.
// A row that no longer decodes becomes an invalidCondition so the failure is
// reported per rule at evaluation time instead of hiding the whole rule set.
func decodeStoredCondition(raw []byte) Condition {
	c, err := ParseCondition(raw)
	if err == nil {
		return c
	}
	var head struct {
		Operator string `json:"operator"`
	}
	_ = json.Unmarshal(raw, &head)
	return &invalidCondition{op: head.Operator, raw: append([]byte(nil), raw...), err: err}
}

func decodeStoredAction(raw []byte) Action {
	a, err := ParseAction(raw)
	if err == nil {
		return a
	}
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &head)
	return &invalidAction{typ: head.Type, raw: append([]byte(nil), raw...), err: err}
}

package rules

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// TestParseConditionErrors verifies the user-facing validation messages.
func TestParseConditionErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"not an object", `[1]`, "condition must be an object"},
		{"missing operator", `{"value":"x"}`, "condition must have 'operator' field"},
		{"unknown operator", `{"operator":"frobnicate"}`, "unknown operator: frobnicate"},
		{"invalid regex", `{"operator":"merchant_regex","value":"[invalid("}`, "invalid regex pattern"},
		{"regex not string", `{"operator":"merchant_regex","value":5}`, "'merchant_regex' value must be a string"},
		{"contains missing value", `{"operator":"merchant_contains"}`, "'merchant_contains' requires 'value' field"},
		{"amount not numeric", `{"operator":"amount_gt","value":"ten"}`, "'amount_gt' value must be numeric"},
		{"amount bool", `{"operator":"amount_lt","value":true}`, "'amount_lt' value must be numeric"},
		{"recurring not bool", `{"operator":"is_recurring","value":"yes"}`, "'is_recurring' value must be boolean"},
		{"date range missing end", `{"operator":"date_range","start":"2024-01-01"}`, "'date_range' requires 'start' and 'end' fields"},
		{"date range bad start", `{"operator":"date_range","start":"yesterday","end":"2024-01-01"}`, "'start' must be ISO format date/datetime"},
		{"date range bad end", `{"operator":"date_range","start":"2024-01-01","end":20240101}`, "'end' must be ISO format date/datetime"},
		{"category float", `{"operator":"category_id_eq","value":1.5}`, "'category_id_eq' value must be an integer"},
		{"any missing conditions", `{"operator":"any"}`, "'any' operator requires 'conditions' array"},
		{"all not a list", `{"operator":"all","conditions":{}}`, "'all' conditions must be a list"},
		{"any empty", `{"operator":"any","conditions":[]}`, "'any' conditions cannot be empty"},
		{"nested bad child", `{"operator":"all","conditions":[{"operator":"nope"}]}`, "unknown operator: nope"},
		{"expression does not compile", `{"operator":"expression","value":"transaction.amount_cents >"}`, "invalid expression"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCondition([]byte(tt.doc))
			if err == nil {
				t.Fatalf("ParseCondition(%s) should fail", tt.doc)
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error %v should match ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

// TestUnsupportedOperatorListsValidSet verifies the error names the operator
// and every supported operator.
func TestUnsupportedOperatorListsValidSet(t *testing.T) {
	_, err := ParseCondition([]byte(`{"operator":"frobnicate"}`))

	var opErr *UnsupportedOperatorError
	if !errors.As(err, &opErr) {
		t.Fatalf("error = %v, want *UnsupportedOperatorError", err)
	}
	if opErr.Operator != "frobnicate" {
		t.Errorf("Operator = %q, want frobnicate", opErr.Operator)
	}
	for _, op := range SupportedOperators() {
		if !strings.Contains(err.Error(), op) {
			t.Errorf("error %q does not list %s", err, op)
		}
	}
}

// TestParseConditionAcceptsNumericStrings verifies amounts given as strings.
func TestParseConditionAcceptsNumericStrings(t *testing.T) {
	c := mustCondition(t, `{"operator":"amount_eq","value":"23.45"}`)
	ac, ok := c.(*AmountCompare)
	if !ok {
		t.Fatalf("ParseCondition() returned %T, want *AmountCompare", c)
	}
	if ac.Value.String() != "23.45" {
		t.Errorf("Value = %s, want 23.45", ac.Value)
	}
}

// TestParseActionErrors verifies action payload validation messages.
func TestParseActionErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"missing type", `{"category_id":1}`, "action must have 'type' field"},
		{"unknown type", `{"type":"launch_rocket"}`, "unknown action type: launch_rocket"},
		{"category missing", `{"type":"set_category"}`, "'set_category' action requires 'category_id'"},
		{"category string", `{"type":"set_category","category_id":"5"}`, "category_id must be an integer"},
		{"tags missing", `{"type":"set_tags"}`, "'set_tags' action requires 'tags'"},
		{"tags not list", `{"type":"set_tags","tags":"a"}`, "tags must be a list"},
		{"tag not string", `{"type":"set_tags","tags":["a",1]}`, "each tag must be a string"},
		{"budget missing", `{"type":"recommend_budget_change"}`, "requires 'change_percent'"},
		{"budget not numeric", `{"type":"recommend_budget_change","change_percent":"lots"}`, "change_percent must be numeric"},
		{"goal missing amount", `{"type":"recommend_goal","goal_name":"x"}`, "requires 'goal_name' and 'amount'"},
		{"goal name not string", `{"type":"recommend_goal","goal_name":1,"amount":5}`, "goal_name must be a string"},
		{"goal amount not numeric", `{"type":"recommend_goal","goal_name":"x","amount":[]}`, "amount must be numeric"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAction([]byte(tt.doc))
			if err == nil {
				t.Fatalf("ParseAction(%s) should fail", tt.doc)
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error %v should match ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

// TestParseRule verifies required fields and defaults.
func TestParseRule(t *testing.T) {
	r := mustRule(t, `{"name":"Coffee","condition":{"operator":"merchant_contains","value":"starbucks"},
		"action":{"type":"set_category","category_id":3}}`)

	if !r.Active {
		t.Error("is_active should default to true")
	}
	if r.Priority != 0 {
		t.Errorf("Priority = %d, want 0", r.Priority)
	}

	r = mustRule(t, `{"id":"r1","name":"Coffee","description":"d","priority":"7","is_active":false,
		"condition":{"operator":"merchant_contains","value":"starbucks"},
		"action":{"type":"stop_processing"}}`)
	if r.ID != "r1" || r.Description != "d" || r.Priority != 7 || r.Active {
		t.Errorf("ParseRule() = %+v", r)
	}

	r = mustRule(t, `{"name":"Big","priority":3000000000,
		"condition":{"operator":"merchant_contains","value":"x"},"action":{"type":"stop_processing"}}`)
	if r.Priority != 3000000000 {
		t.Errorf("Priority = %d, want 3000000000", r.Priority)
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	if !strings.Contains(string(data), `"priority":3000000000`) {
		t.Errorf("json.Marshal() = %s, want priority 3000000000", data)
	}
}

// TestParseRuleErrors verifies rule-level validation.
func TestParseRuleErrors(t *testing.T) {
	cond := `"condition":{"operator":"merchant_contains","value":"x"}`
	act := `"action":{"type":"stop_processing"}`

	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"missing name", `{` + cond + `,` + act + `}`, "rule must have 'name' field"},
		{"missing condition", `{"name":"n",` + act + `}`, "rule must have 'condition' field"},
		{"missing action", `{"name":"n",` + cond + `}`, "rule must have 'action' field"},
		{"blank name", `{"name":"  ",` + cond + `,` + act + `}`, "'name' must be a non-empty string"},
		{"float priority", `{"name":"n","priority":1.5,` + cond + `,` + act + `}`, "'priority' must be an integer"},
		{"word priority", `{"name":"n","priority":"high",` + cond + `,` + act + `}`, "'priority' must be an integer"},
		{"bad is_active", `{"name":"n","is_active":"yes",` + cond + `,` + act + `}`, "'is_active' must be a boolean"},
		{"bad condition", `{"name":"n","condition":{"operator":"merchant_regex","value":"("},` + act + `}`, "invalid regex pattern"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRule([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseRule() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestRuleJSONRoundTrip verifies every operator and action encodes to a
// document ParseRule accepts and that re-encoding is stable.
func TestRuleJSONRoundTrip(t *testing.T) {
	doc := `{"id":"r","name":"Everything","priority":3,"is_active":true,
		"condition":{"operator":"any","conditions":[
			{"operator":"merchant_contains","value":"a"},
			{"operator":"merchant_regex","value":"b+"},
			{"operator":"amount_gt","value":1.5},
			{"operator":"amount_gte","value":"2"},
			{"operator":"amount_lt","value":3},
			{"operator":"amount_lte","value":4},
			{"operator":"amount_eq","value":5.25},
			{"operator":"is_recurring","value":true},
			{"operator":"date_range","start":"2024-01-01","end":"2024-12-31T23:59:59Z"},
			{"operator":"category_id_eq","value":9},
			{"operator":"expression","value":"transaction.amount_cents > 100"},
			{"operator":"all","conditions":[{"operator":"is_recurring","value":false}]}
		]},
		"action":{"type":"recommend_goal","goal_name":"Trip","amount":"250.00"}}`

	actions := []string{
		`{"type":"set_category","category_id":1}`,
		`{"type":"set_tags","tags":["a","b"]}`,
		`{"type":"recommend_budget_change","change_percent":-12.5}`,
		`{"type":"stop_processing"}`,
	}

	first := mustRule(t, doc)
	encoded, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}

	var second Rule
	if err := json.Unmarshal(encoded, &second); err != nil {
		t.Fatalf("json.Unmarshal(%s) failed: %v", encoded, err)
	}
	again, err := json.Marshal(&second)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	if string(encoded) != string(again) {
		t.Errorf("encoding not stable:\n%s\n%s", encoded, again)
	}

	for _, a := range actions {
		parsed, err := ParseAction([]byte(a))
		if err != nil {
			t.Fatalf("ParseAction(%s) failed: %v", a, err)
		}
		out, err := json.Marshal(parsed)
		if err != nil {
			t.Fatalf("json.Marshal() failed: %v", err)
		}
		if _, err := ParseAction(out); err != nil {
			t.Errorf("ParseAction(%s) failed on re-encoded action: %v", out, err)
		}
	}
}

// TestStoredConditionPlaceholder verifies undecodable stored conditions keep
// their raw JSON and fail at evaluation.
func TestStoredConditionPlaceholder(t *testing.T) {
	raw := []byte(`{"operator":"merchant_regex","value":"(?<=x)"}`)
	c := decodeStoredCondition(raw)

	if c.Operator() != OpMerchantRegex {
		t.Errorf("Operator() = %s, want merchant_regex", c.Operator())
	}
	if _, err := EvaluateCondition(c, &Transaction{}); err == nil {
		t.Error("EvaluateCondition() should fail for a placeholder")
	}
	out, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	if string(out) != string(raw) {
		t.Errorf("json.Marshal() = %s, want %s", out, raw)
	}
}

package userrules

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/liamcoop/finrules/rules"
)

// Patch is a partial rule update. Nil fields are left unchanged.
type Patch struct {
	Name        *string
	Description *string
	Condition   rules.Condition
	Action      rules.Action
	Priority    *int
	Active      *bool
}

func (p Patch) changesDefinition() bool {
	return p.Name != nil || p.Condition != nil || p.Action != nil
}

// Apply returns r with the patch applied.
func (p Patch) Apply(r rules.Rule) rules.Rule {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Condition != nil {
		r.Condition = p.Condition
	}
	if p.Action != nil {
		r.Action = p.Action
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.Active != nil {
		r.Active = *p.Active
	}
	return r
}

// UnmarshalJSON decodes a partial rule document. Conditions and actions are
// validated as they are decoded; unknown keys are ignored.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return &rules.ValidationError{Field: "rule", Message: "rule must be an object"}
	}

	*p = Patch{}

	if raw, ok := doc["name"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil || strings.TrimSpace(name) == "" {
			return &rules.ValidationError{Field: "name", Message: "'name' must be a non-empty string"}
		}
		p.Name = &name
	}

	if raw, ok := doc["description"]; ok {
		var desc *string
		if err := json.Unmarshal(raw, &desc); err != nil {
			return &rules.ValidationError{Field: "description", Message: "'description' must be a string"}
		}
		if desc == nil {
			desc = new(string)
		}
		p.Description = desc
	}

	if raw, ok := doc["condition"]; ok {
		c, err := rules.ParseCondition(raw)
		if err != nil {
			return err
		}
		p.Condition = c
	}

	if raw, ok := doc["action"]; ok {
		a, err := rules.ParseAction(raw)
		if err != nil {
			return err
		}
		p.Action = a
	}

	if raw, ok := doc["priority"]; ok {
		priority, ok := rules.ParsePriority(raw)
		if !ok {
			return &rules.ValidationError{Field: "priority", Message: "'priority' must be an integer"}
		}
		p.Priority = &priority
	}

	if raw, ok := doc["is_active"]; ok && string(bytes.TrimSpace(raw)) != "null" {
		var active bool
		if err := json.Unmarshal(raw, &active); err != nil {
			return &rules.ValidationError{Field: "is_active", Message: "'is_active' must be a boolean"}
		}
		p.Active = &active
	}

	return nil
}

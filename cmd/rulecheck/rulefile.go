package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/finrules/rules"
)

// RuleFileError collects the rules of a file that failed to parse.
type RuleFileError struct {
	Path   string
	Errors []error
}

func (e *RuleFileError) Error() string {
	return fmt.Sprintf("%s: %d invalid rule(s)", e.Path, len(e.Errors))
}

func (e *RuleFileError) Unwrap() []error {
	return e.Errors
}

// loadRuleFile reads rules from a YAML or JSON file. The document is a list
// of rules or a mapping with a "rules" list. Rules without an id are named
// rule-1, rule-2 and so on by position. Every rule is parsed; the valid ones
// are returned alongside a *RuleFileError listing the rest.
func loadRuleFile(path string) ([]*rules.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	parsed, errs := parseRuleDocument(data)
	if len(errs) > 0 {
		return parsed, &RuleFileError{Path: path, Errors: errs}
	}
	return parsed, nil
}

func parseRuleDocument(data []byte) ([]*rules.Rule, []error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, []error{fmt.Errorf("invalid YAML: %w", err)}
	}

	if m, ok := doc.(map[string]any); ok {
		doc = m["rules"]
	}
	items, ok := doc.([]any)
	if !ok {
		return nil, []error{errors.New(`rule file must contain a list of rules or a "rules" list`)}
	}

	var (
		parsed []*rules.Rule
		errs   []error
	)
	for i, item := range items {
		encoded, err := json.Marshal(item)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i+1, err))
			continue
		}
		r, err := rules.ParseRule(encoded)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i+1, err))
			continue
		}
		if r.ID == "" {
			r.ID = fmt.Sprintf("rule-%d", i+1)
		}
		parsed = append(parsed, r)
	}
	return parsed, errs
}

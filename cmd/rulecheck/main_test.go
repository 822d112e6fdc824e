package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/kong"
)

// runCLI parses args and runs the selected command, returning its output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("rulecheck"),
		kong.Writers(&out, &out),
		kong.Exit(func(code int) { t.Fatalf("unexpected exit(%d): %s", code, out.String()) }),
	)
	if err != nil {
		t.Fatalf("kong.New() failed: %v", err)
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	err = ctx.Run()
	return out.String(), err
}

// TestParseRuleDocument verifies list and mapping documents, default IDs and
// per-rule errors.
func TestParseRuleDocument(t *testing.T) {
	parsed, errs := parseRuleDocument([]byte(`
- name: Coffee
  condition: {operator: merchant_contains, value: starbucks}
  action: {type: set_category, category_id: 3}
- id: promo
  name: Promo
  condition: {operator: date_range, start: 2024-01-01, end: 2024-01-31}
  action: {type: set_tags, tags: [promo]}
- name: Broken
  condition: {operator: amount_gt, value: lots}
  action: {type: stop_processing}
`))

	if len(parsed) != 2 {
		t.Fatalf("parsed %d rules, want 2", len(parsed))
	}
	if parsed[0].ID != "rule-1" || parsed[1].ID != "promo" {
		t.Errorf("IDs = %s, %s", parsed[0].ID, parsed[1].ID)
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "rule 3: ") ||
		!strings.Contains(errs[0].Error(), "'amount_gt' value must be numeric") {
		t.Errorf("errors = %v", errs)
	}

	_, errs = parseRuleDocument([]byte(`name: not a list`))
	if len(errs) != 1 {
		t.Errorf("errors = %v, want one", errs)
	}
}

// TestValidateCommand verifies valid files pass and invalid rules are listed.
func TestValidateCommand(t *testing.T) {
	out, err := runCLI(t, "validate", "testdata/rules.yaml")
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "rules.yaml: 3 rule(s)") {
		t.Errorf("output = %q", out)
	}

	out, err = runCLI(t, "validate", "testdata/rules.yaml", "testdata/invalid.json")
	if err == nil || err.Error() != "2 invalid rule(s)" {
		t.Errorf("validate error = %v, want 2 invalid rule(s)", err)
	}
	for _, want := range []string{
		"invalid.json: 1 valid, 2 invalid",
		"rule 2: ",
		"unknown operator: frobnicate",
		"rule 3: ",
		"rule must have 'name' field",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// TestRunCommand verifies rules are applied to every CSV row in priority order.
func TestRunCommand(t *testing.T) {
	out, err := runCLI(t, "run", "testdata/rules.yaml", "testdata/transactions.csv")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}

	for _, want := range []string{
		"3 rule(s), 2 active",
		"Row 1: Trader Joe's Grocery Store (50 expense)",
		"  category: 5  tags: [food]",
		"  Rule 'Groceries' matched - Set category to 5",
		"  Rule 'Tag food' matched - Added tags: food",
		"Row 2: Corner Grocery (12 expense)",
		"  Row 3: invalid amount 'oops'",
		"Row 4: Payroll (2500 income)",
		"  category: none  tags: [salary]",
		"3 row(s) evaluated, 1 warning(s)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Large purchase") {
		t.Errorf("inactive rule applied:\n%s", out)
	}
}

// TestRunCommandJSON verifies the JSON output decodes to the preview shape.
func TestRunCommandJSON(t *testing.T) {
	out, err := runCLI(t, "run", "--json", "--max-rows=1", "testdata/rules.yaml", "testdata/transactions.csv")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}

	var preview struct {
		Rows []struct {
			AppliedRules []string `json:"applied_rules"`
		} `json:"preview_rows"`
		Total int `json:"total_rows_preview"`
	}
	if err := json.Unmarshal([]byte(out), &preview); err != nil {
		t.Fatalf("json.Unmarshal(%s) failed: %v", out, err)
	}
	if preview.Total != 1 || !slices.Equal(preview.Rows[0].AppliedRules, []string{"groceries", "tag-food"}) {
		t.Errorf("preview = %+v", preview)
	}
}

// TestRunCommandBadRuleFile verifies run refuses a file with invalid rules.
func TestRunCommandBadRuleFile(t *testing.T) {
	_, err := runCLI(t, "run", "testdata/invalid.json", "testdata/transactions.csv")

	var fileErr *RuleFileError
	if !errors.As(err, &fileErr) || len(fileErr.Errors) != 2 {
		t.Errorf("run error = %v, want *RuleFileError with 2 errors", err)
	}
}

// TestWatchFiles verifies a write triggers one callback and cancellation
// stops the watcher.
func TestWatchFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	changed := make(chan struct{}, 10)
	done := make(chan error, 1)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		done <- watchFiles(ctx, []string{path}, 20*time.Millisecond, log, func() {
			calls.Add(1)
			changed <- struct{}{}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("- name: x"), 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watchFiles() did not report the change")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watchFiles() = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watchFiles() did not return after cancel")
	}
	if calls.Load() < 1 {
		t.Errorf("calls = %d", calls.Load())
	}
}

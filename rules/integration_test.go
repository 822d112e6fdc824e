//go:build integration
// +build integration

package rules_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/liamcoop/finrules/internal/database/dbtest"
	"github.com/liamcoop/finrules/rules"
)

func newRule(t *testing.T, userID, doc string) *rules.Rule {
	t.Helper()
	r, err := rules.ParseRule([]byte(doc))
	if err != nil {
		t.Fatalf("ParseRule() failed: %v", err)
	}
	r.ID = uuid.New().String()
	r.UserID = userID
	return r
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db := dbtest.Start(t)
	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	rule := newRule(t, "alice", `{"name":"Groceries","description":"food shops","priority":10,
		"condition":{"operator":"all","conditions":[
			{"operator":"merchant_regex","value":"trader\\s+joe"},
			{"operator":"amount_lte","value":"250.75"},
			{"operator":"date_range","start":"2024-01-01","end":"2024-12-31"}]},
		"action":{"type":"set_tags","tags":["food","weekly"]}}`)

	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	retrieved, err := store.Get(ctx, "alice", rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != "Groceries" || retrieved.Description != "food shops" || retrieved.Priority != 10 {
		t.Errorf("Get() = %+v", retrieved)
	}
	if err := rules.ValidateRule(retrieved); err != nil {
		t.Errorf("stored rule no longer validates: %v", err)
	}

	tx := rules.Transaction{Description: "Trader  Joe's", Amount: mustDecimal(t, "12.00"), TransactionDate: mustTime(t, "2024-06-01")}
	matched, err := rules.EvaluateCondition(retrieved.Condition, &tx)
	if err != nil || !matched {
		t.Errorf("EvaluateCondition() on stored rule = %v, %v; want true", matched, err)
	}

	retrieved.Name = "Groceries v2"
	retrieved.Action = &rules.SetCategory{CategoryID: 12}
	if err := store.Update(ctx, retrieved); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}

	updated, err := store.Get(ctx, "alice", rule.ID)
	if err != nil {
		t.Fatalf("Failed to get updated rule: %v", err)
	}
	if updated.Name != "Groceries v2" {
		t.Errorf("Expected name 'Groceries v2', got '%s'", updated.Name)
	}
	if sc, ok := updated.Action.(*rules.SetCategory); !ok || sc.CategoryID != 12 {
		t.Errorf("Action = %#v, want set_category 12", updated.Action)
	}
	if !updated.CreatedAt.Equal(retrieved.CreatedAt) {
		t.Errorf("CreatedAt changed on update")
	}

	if err := store.Delete(ctx, "alice", rule.ID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	if _, err := store.Get(ctx, "alice", rule.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Get() after delete = %v, want ErrRuleNotFound", err)
	}
}

func TestPostgresRuleStore_UserIsolation(t *testing.T) {
	db := dbtest.Start(t)
	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	rule := newRule(t, "alice", `{"name":"Mine","condition":{"operator":"is_recurring","value":true},
		"action":{"type":"stop_processing"}}`)
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	if _, err := store.Get(ctx, "bob", rule.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Get() by bob = %v, want ErrRuleNotFound", err)
	}
	bobs := *rule
	bobs.UserID = "bob"
	if err := store.Update(ctx, &bobs); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Update() by bob = %v, want ErrRuleNotFound", err)
	}
	if err := store.Delete(ctx, "bob", rule.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Delete() by bob = %v, want ErrRuleNotFound", err)
	}
	if list, err := store.ListActive(ctx, "bob"); err != nil || len(list) != 0 {
		t.Errorf("ListActive(bob) = %d rules, %v; want 0", len(list), err)
	}
}

func TestPostgresRuleStore_DuplicateRuleID(t *testing.T) {
	db := dbtest.Start(t)
	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	rule := newRule(t, "alice", `{"name":"Once","condition":{"operator":"amount_gt","value":0},
		"action":{"type":"set_category","category_id":1}}`)
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	if err := store.Add(ctx, rule); !errors.Is(err, rules.ErrRuleExists) {
		t.Errorf("second Add() = %v, want ErrRuleExists", err)
	}
}

// TestPostgresRuleStore_WidePriority verifies priorities outside the 32-bit
// range are stored and read back.
func TestPostgresRuleStore_WidePriority(t *testing.T) {
	db := dbtest.Start(t)
	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	r := newRule(t, "alice", `{"name":"wide","priority":3000000000,
		"condition":{"operator":"amount_gt","value":0},"action":{"type":"set_category","category_id":1}}`)
	if err := store.Add(ctx, r); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	got, err := store.Get(ctx, "alice", r.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Priority != 3000000000 {
		t.Errorf("Priority = %d, want 3000000000", got.Priority)
	}

	page, total, err := store.List(ctx, "alice", rules.ListOptions{Page: 1 << 40, PerPage: 100})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if total != 1 || len(page) != 0 {
		t.Errorf("List(far page) = %d rules of %d, want 0 of 1", len(page), total)
	}
}

func TestPostgresRuleStore_Ordering(t *testing.T) {
	db := dbtest.Start(t)
	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	var ids []string
	for _, priority := range []string{"1", "5", "10", "5"} {
		r := newRule(t, "alice", `{"name":"p`+priority+`","priority":`+priority+`,
			"condition":{"operator":"amount_gt","value":0},"action":{"type":"set_category","category_id":1}}`)
		if err := store.Add(ctx, r); err != nil {
			t.Fatalf("Failed to add rule: %v", err)
		}
		ids = append(ids, r.ID)
	}

	inactive := newRule(t, "alice", `{"name":"off","priority":99,"is_active":false,
		"condition":{"operator":"amount_gt","value":0},"action":{"type":"set_category","category_id":1}}`)
	if err := store.Add(ctx, inactive); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	active, err := store.ListActive(ctx, "alice")
	if err != nil {
		t.Fatalf("ListActive() failed: %v", err)
	}
	want := []string{ids[2], ids[3], ids[1], ids[0]}
	if len(active) != len(want) {
		t.Fatalf("ListActive() returned %d rules, want %d", len(active), len(want))
	}
	for i := range want {
		if active[i].ID != want[i] {
			t.Errorf("ListActive()[%d] = %s (%s), want %s", i, active[i].ID, active[i].Name, want[i])
		}
	}

	page, total, err := store.List(ctx, "alice", rules.ListOptions{Page: 1, PerPage: 2})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if total != 5 || len(page) != 2 || page[0].ID != inactive.ID {
		t.Errorf("List() page 1 = %d rules of %d, first %s", len(page), total, page[0].ID)
	}

	off := false
	page, total, err = store.List(ctx, "alice", rules.ListOptions{Active: &off})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if total != 1 || len(page) != 1 {
		t.Errorf("List(inactive) = %d rules of %d, want 1 of 1", len(page), total)
	}
}

func TestPostgresRuleStore_UndecodableRow(t *testing.T) {
	db := dbtest.Start(t)
	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	id := uuid.New().String()
	_, err := db.Exec(`
		INSERT INTO rules (id, user_id, name, condition, action, priority, is_active)
		VALUES ($1, 'alice', 'legacy', '{"operator":"merchant_regex","value":"(?=x)"}', '{"type":"stop_processing"}', 1, true)
	`, id)
	if err != nil {
		t.Fatalf("Failed to insert legacy rule: %v", err)
	}

	active, err := store.ListActive(ctx, "alice")
	if err != nil {
		t.Fatalf("ListActive() failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("ListActive() returned %d rules, want 1", len(active))
	}

	_, trace := rules.NewEngine().EvaluateTransaction(rules.Transaction{Description: "x"}, active)
	if len(trace) != 1 || !trace[0].Failed() {
		t.Errorf("trace = %+v, want one failed entry", trace)
	}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal.NewFromString(%q) failed: %v", s, err)
	}
	return d
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := rules.ParseTimestamp(s)
	if err != nil {
		t.Fatalf("ParseTimestamp(%q) failed: %v", s, err)
	}
	return ts
}

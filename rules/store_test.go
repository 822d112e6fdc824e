package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

func storeRule(id, user string, priority int, active bool) *Rule {
	return &Rule{
		ID:        id,
		UserID:    user,
		Name:      "rule " + id,
		Condition: &MerchantContains{Value: id},
		Action:    &SetCategory{CategoryID: 1},
		Priority:  priority,
		Active:    active,
	}
}

// steppingClock returns a clock that advances one second per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

// TestRuleStoreInterfaceExists verifies InMemoryRuleStore and PostgresRuleStore implement RuleStore
func TestRuleStoreInterfaceExists(t *testing.T) {
	var _ RuleStore = (*InMemoryRuleStore)(nil)
	var _ RuleStore = (*PostgresRuleStore)(nil)
}

// TestInMemoryRuleStoreAddGet verifies Add sets timestamps and Get returns a copy.
func TestInMemoryRuleStoreAddGet(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	rule := storeRule("r1", "alice", 1, true)
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if rule.CreatedAt.IsZero() || !rule.CreatedAt.Equal(rule.UpdatedAt) {
		t.Errorf("Add() timestamps = %v / %v", rule.CreatedAt, rule.UpdatedAt)
	}

	got, err := store.Get(ctx, "alice", "r1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != "rule r1" {
		t.Errorf("Name = %q, want rule r1", got.Name)
	}

	got.Name = "mutated"
	again, _ := store.Get(ctx, "alice", "r1")
	if again.Name != "rule r1" {
		t.Error("Get() should return a copy")
	}
}

// TestInMemoryRuleStoreOwnership verifies other users cannot see, update or delete a rule.
func TestInMemoryRuleStoreOwnership(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	if err := store.Add(ctx, storeRule("r1", "alice", 1, true)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if _, err := store.Get(ctx, "bob", "r1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() by another user = %v, want ErrRuleNotFound", err)
	}
	if err := store.Update(ctx, storeRule("r1", "bob", 1, true)); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Update() by another user = %v, want ErrRuleNotFound", err)
	}
	if err := store.Delete(ctx, "bob", "r1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Delete() by another user = %v, want ErrRuleNotFound", err)
	}
	if list, _ := store.ListActive(ctx, "bob"); len(list) != 0 {
		t.Errorf("ListActive() for another user = %d rules, want 0", len(list))
	}
}

// TestInMemoryRuleStoreAddDuplicate verifies duplicate IDs wrap ErrRuleExists.
func TestInMemoryRuleStoreAddDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	if err := store.Add(ctx, storeRule("dup", "alice", 1, true)); err != nil {
		t.Fatalf("First Add() should succeed: %v", err)
	}
	if err := store.Add(ctx, storeRule("dup", "alice", 2, true)); !errors.Is(err, ErrRuleExists) {
		t.Errorf("Second Add() = %v, want ErrRuleExists", err)
	}
}

// TestInMemoryRuleStoreUpdate verifies CreatedAt is preserved and UpdatedAt bumped.
func TestInMemoryRuleStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	store.now = steppingClock()

	if err := store.Add(ctx, storeRule("r1", "alice", 1, true)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	original, _ := store.Get(ctx, "alice", "r1")

	updated := storeRule("r1", "alice", 9, false)
	updated.Name = "renamed"
	if err := store.Update(ctx, updated); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	got, _ := store.Get(ctx, "alice", "r1")
	if got.Name != "renamed" || got.Priority != 9 || got.Active {
		t.Errorf("Update() did not apply: %+v", got)
	}
	if !got.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", original.CreatedAt, got.CreatedAt)
	}
	if !got.UpdatedAt.After(original.UpdatedAt) {
		t.Errorf("UpdatedAt not bumped: %v -> %v", original.UpdatedAt, got.UpdatedAt)
	}
}

// TestInMemoryRuleStoreOrdering verifies priority desc, then newest first.
func TestInMemoryRuleStoreOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	store.now = steppingClock()

	for _, r := range []*Rule{
		storeRule("old-5", "alice", 5, true),
		storeRule("p1", "alice", 1, true),
		storeRule("new-5", "alice", 5, true),
		storeRule("p10", "alice", 10, true),
		storeRule("off", "alice", 20, false),
	} {
		if err := store.Add(ctx, r); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	active, err := store.ListActive(ctx, "alice")
	if err != nil {
		t.Fatalf("ListActive() failed: %v", err)
	}

	want := []string{"p10", "new-5", "old-5", "p1"}
	if len(active) != len(want) {
		t.Fatalf("ListActive() returned %d rules, want %d", len(active), len(want))
	}
	for i, id := range want {
		if active[i].ID != id {
			t.Errorf("ListActive()[%d] = %s, want %s", i, active[i].ID, id)
		}
	}
}

// TestInMemoryRuleStoreExtremePriorities verifies ordering and paging at the
// limits of int.
func TestInMemoryRuleStoreExtremePriorities(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	for _, r := range []*Rule{
		storeRule("low", "alice", -2, true),
		storeRule("high", "alice", math.MaxInt, true),
		storeRule("lowest", "alice", math.MinInt, true),
	} {
		if err := store.Add(ctx, r); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	active, err := store.ListActive(ctx, "alice")
	if err != nil {
		t.Fatalf("ListActive() failed: %v", err)
	}
	for i, id := range []string{"high", "low", "lowest"} {
		if active[i].ID != id {
			t.Errorf("ListActive()[%d] = %s, want %s", i, active[i].ID, id)
		}
	}

	got, total, err := store.List(ctx, "alice", ListOptions{Page: math.MaxInt, PerPage: 100})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if total != 3 || len(got) != 0 {
		t.Errorf("List(last possible page) = %d rules of %d, want 0 of 3", len(got), total)
	}
}

// TestListOptionsOffset verifies the offset saturates instead of overflowing.
func TestListOptionsOffset(t *testing.T) {
	tests := []struct {
		opts ListOptions
		want int
	}{
		{ListOptions{}, 0},
		{ListOptions{Page: 0, PerPage: 10}, 0},
		{ListOptions{Page: 3, PerPage: 10}, 20},
		{ListOptions{Page: math.MaxInt, PerPage: 100}, math.MaxInt},
		{ListOptions{Page: math.MaxInt, PerPage: 1}, math.MaxInt - 1},
	}

	for _, tt := range tests {
		if got := tt.opts.Offset(); got != tt.want {
			t.Errorf("%+v.Offset() = %d, want %d", tt.opts, got, tt.want)
		}
	}
}

// TestInMemoryRuleStoreList verifies filtering and paging.
func TestInMemoryRuleStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	for i := 0; i < 5; i++ {
		if err := store.Add(ctx, storeRule(fmt.Sprintf("r%d", i), "alice", i, i%2 == 0)); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	inactive := false
	tests := []struct {
		name      string
		opts      ListOptions
		wantIDs   []string
		wantTotal int
	}{
		{"all", ListOptions{}, []string{"r4", "r3", "r2", "r1", "r0"}, 5},
		{"first page", ListOptions{Page: 1, PerPage: 2}, []string{"r4", "r3"}, 5},
		{"last page", ListOptions{Page: 3, PerPage: 2}, []string{"r0"}, 5},
		{"past the end", ListOptions{Page: 9, PerPage: 2}, []string{}, 5},
		{"inactive only", ListOptions{Active: &inactive}, []string{"r3", "r1"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := store.List(ctx, "alice", tt.opts)
			if err != nil {
				t.Fatalf("List() failed: %v", err)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("List() returned %d rules, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("List()[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

// TestInMemoryRuleStoreDelete verifies Delete and the not-found case.
func TestInMemoryRuleStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	if err := store.Add(ctx, storeRule("r1", "alice", 1, true)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if err := store.Delete(ctx, "alice", "r1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get(ctx, "alice", "r1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() after Delete() = %v, want ErrRuleNotFound", err)
	}
	if err := store.Delete(ctx, "alice", "r1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("second Delete() = %v, want ErrRuleNotFound", err)
	}
}

// TestInMemoryRuleStoreConcurrentReadWrite verifies the store under concurrent use.
func TestInMemoryRuleStoreConcurrentReadWrite(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if err := store.Add(ctx, storeRule(fmt.Sprintf("r%d", i), "alice", i, true)); err != nil {
				errs <- err
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := store.ListActive(ctx, "alice"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent operation failed: %v", err)
	}

	active, _ := store.ListActive(ctx, "alice")
	if len(active) != 50 {
		t.Errorf("ListActive() returned %d rules, want 50", len(active))
	}
}

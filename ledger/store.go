package ledger

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// TransactionStore persists transaction records. Lookups are scoped to the
// owning user.
type TransactionStore interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, userID, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, userID, id string) error

	// List returns one page of the user's transactions, newest transaction
	// date first, and the total number matching the filter.
	List(ctx context.Context, userID string, opts ListOptions) ([]*Record, int, error)
}

// AuditStore is an append-only log of transaction changes.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error

	// List returns the entries for one entity, oldest first.
	List(ctx context.Context, userID, entityType, entityID string) ([]*AuditEntry, error)
}

// ListOptions filters and pages transaction listings. Page is 1-based;
// PerPage <= 0 returns every match. Zero Start/End and nil CategoryID and
// empty AccountID disable those filters.
type ListOptions struct {
	Page       int
	PerPage    int
	Start      time.Time
	End        time.Time
	CategoryID *int64
	AccountID  string
}

func (o ListOptions) matches(r *Record) bool {
	if !o.Start.IsZero() && (r.TransactionDate.IsZero() || r.TransactionDate.Before(o.Start)) {
		return false
	}
	if !o.End.IsZero() && (r.TransactionDate.IsZero() || r.TransactionDate.After(o.End)) {
		return false
	}
	if o.CategoryID != nil && (r.CategoryID == nil || *r.CategoryID != *o.CategoryID) {
		return false
	}
	if o.AccountID != "" && r.AccountID != o.AccountID {
		return false
	}
	return true
}

// Offset is the number of records skipped before the requested page,
// saturating at math.MaxInt.
func (o ListOptions) Offset() int {
	if o.PerPage <= 0 {
		return 0
	}
	skipped := max(o.Page, 1) - 1
	if skipped > math.MaxInt/o.PerPage {
		return math.MaxInt
	}
	return skipped * o.PerPage
}

func (o ListOptions) window(total int) (int, int) {
	if o.PerPage <= 0 {
		return 0, total
	}
	start := min(o.Offset(), total)
	return start, start + min(o.PerPage, total-start)
}

// compareRecords orders by transaction date descending with undated records
// last, then newest created first, then ID.
func compareRecords(a, b *Record) int {
	switch {
	case a.TransactionDate.IsZero() != b.TransactionDate.IsZero():
		if a.TransactionDate.IsZero() {
			return 1
		}
		return -1
	case !a.TransactionDate.Equal(b.TransactionDate):
		return b.TransactionDate.Compare(a.TransactionDate)
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// InMemoryTransactionStore implements TransactionStore with a map.
// Thread-safe with RWMutex.
type InMemoryTransactionStore struct {
	records map[string]*Record
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryTransactionStore creates an empty store.
func NewInMemoryTransactionStore() *InMemoryTransactionStore {
	return &InMemoryTransactionStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Create stores a copy of rec and sets its timestamps.
func (s *InMemoryTransactionStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("transaction with ID %s already exists", rec.ID)
	}

	now := s.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[rec.ID] = rec.clone()
	return nil
}

func (s *InMemoryTransactionStore) Get(_ context.Context, userID, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok || rec.UserID != userID {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return rec.clone(), nil
}

// Update replaces the stored record. CreatedAt is preserved.
func (s *InMemoryTransactionStore) Update(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.ID]
	if !ok || existing.UserID != rec.UserID {
		return fmt.Errorf("transaction %s: %w", rec.ID, ErrNotFound)
	}

	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = s.now().UTC()
	s.records[rec.ID] = rec.clone()
	return nil
}

func (s *InMemoryTransactionStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.UserID != userID {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	delete(s.records, id)
	return nil
}

func (s *InMemoryTransactionStore) List(_ context.Context, userID string, opts ListOptions) ([]*Record, int, error) {
	s.mu.RLock()
	matched := make([]*Record, 0)
	for _, rec := range s.records {
		if rec.UserID == userID && opts.matches(rec) {
			matched = append(matched, rec.clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, compareRecords)
	start, end := opts.window(len(matched))
	return matched[start:end], len(matched), nil
}

// InMemoryAuditStore implements AuditStore with a slice.
type InMemoryAuditStore struct {
	entries []*AuditEntry
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryAuditStore creates an empty audit log.
func NewInMemoryAuditStore() *InMemoryAuditStore {
	return &InMemoryAuditStore{now: time.Now}
}

func (s *InMemoryAuditStore) Append(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.CreatedAt = s.now().UTC()
	c := *entry
	s.entries = append(s.entries, &c)
	return nil
}

func (s *InMemoryAuditStore) List(_ context.Context, userID, entityType, entityID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*AuditEntry, 0)
	for _, e := range s.entries {
		if e.UserID == userID && e.EntityType == entityType && e.EntityID == entityID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/liamcoop/finrules/rules"
)

// PostgresTransactionStore implements TransactionStore backed by PostgreSQL.
type PostgresTransactionStore struct {
	db *sql.DB
}

// NewPostgresTransactionStore creates a PostgreSQL-backed TransactionStore.
func NewPostgresTransactionStore(db *sql.DB) *PostgresTransactionStore {
	return &PostgresTransactionStore{db: db}
}

const transactionColumns = `id, user_id, account_id, description, amount, type, transaction_date,
	category_id, tags, is_recurring, applied_rules, rule_trace, created_at, updated_at`

func (s *PostgresTransactionStore) Create(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, rec.ID, rec.UserID, rec.AccountID, rec.Description, rec.Amount, string(rec.Type),
		nullTime(rec.TransactionDate), nullInt64(rec.CategoryID), pq.Array(nonNil(rec.Tags)),
		rec.IsRecurring, pq.Array(nonNil(rec.AppliedRules)), pq.Array(nonNil(rec.RuleTrace)), now)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

func (s *PostgresTransactionStore) Get(ctx context.Context, userID, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id::text = $1 AND user_id = $2
	`, id, userID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return rec, nil
}

// Update rewrites every mutable column. created_at is left untouched.
func (s *PostgresTransactionStore) Update(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE transactions
		SET account_id = $1, description = $2, amount = $3, type = $4, transaction_date = $5,
		    category_id = $6, tags = $7, is_recurring = $8, applied_rules = $9, rule_trace = $10,
		    updated_at = $11
		WHERE id::text = $12 AND user_id = $13
		RETURNING created_at
	`, rec.AccountID, rec.Description, rec.Amount, string(rec.Type), nullTime(rec.TransactionDate),
		nullInt64(rec.CategoryID), pq.Array(nonNil(rec.Tags)), rec.IsRecurring,
		pq.Array(nonNil(rec.AppliedRules)), pq.Array(nonNil(rec.RuleTrace)), now,
		rec.ID, rec.UserID).Scan(&createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("transaction %s: %w", rec.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	rec.CreatedAt = createdAt
	rec.UpdatedAt = now
	return nil
}

func (s *PostgresTransactionStore) Delete(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE id::text = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresTransactionStore) List(ctx context.Context, userID string, opts ListOptions) ([]*Record, int, error) {
	const filter = `
		WHERE user_id = $1
		  AND ($2::timestamptz IS NULL OR transaction_date >= $2)
		  AND ($3::timestamptz IS NULL OR transaction_date <= $3)
		  AND ($4::bigint IS NULL OR category_id = $4)
		  AND ($5::text = '' OR account_id = $5)`
	args := []any{userID, nullTime(opts.Start), nullTime(opts.End), nullInt64(opts.CategoryID), opts.AccountID}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+filter, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	limit := sql.NullInt64{}
	offset := 0
	if opts.PerPage > 0 {
		limit = sql.NullInt64{Int64: int64(opts.PerPage), Valid: true}
		offset = opts.Offset()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions`+filter+`
		ORDER BY transaction_date DESC NULLS LAST, created_at DESC, id ASC
		LIMIT $6 OFFSET $7
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	list := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan transaction: %w", err)
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating transactions: %w", err)
	}
	return list, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r        Record
		typ      string
		date     sql.NullTime
		category sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.AccountID, &r.Description, &r.Amount, &typ, &date,
		&category, pq.Array(&r.Tags), &r.IsRecurring, pq.Array(&r.AppliedRules),
		pq.Array(&r.RuleTrace), &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}

	r.Type = rules.TransactionType(typ)
	if date.Valid {
		r.TransactionDate = date.Time.UTC()
	}
	if category.Valid {
		id := category.Int64
		r.CategoryID = &id
	}
	return &r, nil
}

// PostgresAuditStore implements AuditStore backed by the audit_logs table.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore creates a PostgreSQL-backed AuditStore.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Append(ctx context.Context, entry *AuditEntry) error {
	oldValues, err := encodeValues(entry.OldValues)
	if err != nil {
		return err
	}
	newValues, err := encodeValues(entry.NewValues)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, entity_type, entity_id, action, old_values, new_values,
		                        applied_rules, rule_trace, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.UserID, entry.EntityType, entry.EntityID, entry.Action, oldValues, newValues,
		pq.Array(nonNil(entry.AppliedRules)), pq.Array(nonNil(entry.RuleTrace)), now)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	entry.CreatedAt = now
	return nil
}

func (s *PostgresAuditStore) List(ctx context.Context, userID, entityType, entityID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, entity_type, entity_id, action, old_values, new_values,
		       applied_rules, rule_trace, created_at
		FROM audit_logs
		WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY created_at ASC, id ASC
	`, userID, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	list := make([]*AuditEntry, 0)
	for rows.Next() {
		var (
			e                    AuditEntry
			oldValues, newValues []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.EntityType, &e.EntityID, &e.Action,
			&oldValues, &newValues, pq.Array(&e.AppliedRules), pq.Array(&e.RuleTrace),
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if e.OldValues, err = decodeValues(oldValues); err != nil {
			return nil, err
		}
		if e.NewValues, err = decodeValues(newValues); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return list, nil
}

// encodeValues returns the JSONB parameter for values; nil maps become NULL.
func encodeValues(values map[string]any) (any, error) {
	if values == nil {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit values: %w", err)
	}
	return data, nil
}

func decodeValues(data []byte) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to decode audit values: %w", err)
	}
	return values, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

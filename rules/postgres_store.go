package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Conditions and
// actions are stored as JSONB in the same shape the API accepts.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, user_id, name, description, condition, action, priority, is_active, created_at, updated_at`

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(ctx context.Context, rule *Rule) error {
	condition, action, err := encodeRuleBody(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, rule.ID, rule.UserID, rule.Name, rule.Description, condition, action,
		rule.Priority, rule.Active, now)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	rule.CreatedAt = now
	rule.UpdatedAt = now
	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, userID, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND user_id = $2
	`, id, userID)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresRuleStore) List(ctx context.Context, userID string, opts ListOptions) ([]*Rule, int, error) {
	var active sql.NullBool
	if opts.Active != nil {
		active = sql.NullBool{Bool: *opts.Active, Valid: true}
	}

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rules
		WHERE user_id = $1 AND ($2::boolean IS NULL OR is_active = $2)
	`, userID, active).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	limit := sql.NullInt64{}
	offset := 0
	if opts.PerPage > 0 {
		limit = sql.NullInt64{Int64: int64(opts.PerPage), Valid: true}
		offset = opts.Offset()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE user_id = $1 AND ($2::boolean IS NULL OR is_active = $2)
		ORDER BY priority DESC, created_at DESC, id ASC
		LIMIT $3 OFFSET $4
	`, userID, active, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}

	list, err := collectRules(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// ListActive returns all active rules for the user
func (s *PostgresRuleStore) ListActive(ctx context.Context, userID string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE user_id = $1 AND is_active = true
		ORDER BY priority DESC, created_at DESC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	return collectRules(rows)
}

// Update modifies an existing rule. created_at is left untouched.
func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	condition, action, err := encodeRuleBody(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var createdAt time.Time
	err = s.db.QueryRowContext(ctx, `
		UPDATE rules
		SET name = $1, description = $2, condition = $3, action = $4,
		    priority = $5, is_active = $6, updated_at = $7
		WHERE id = $8 AND user_id = $9
		RETURNING created_at
	`, rule.Name, rule.Description, condition, action, rule.Priority, rule.Active, now,
		rule.ID, rule.UserID).Scan(&createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rule.CreatedAt = createdAt
	rule.UpdatedAt = now
	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rules
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return nil
}

func encodeRuleBody(rule *Rule) ([]byte, []byte, error) {
	condition, err := json.Marshal(rule.Condition)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode condition: %w", err)
	}
	action, err := json.Marshal(rule.Action)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode action: %w", err)
	}
	return condition, action, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r                 Rule
		condition, action []byte
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.Description, &condition, &action,
		&r.Priority, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Condition = decodeStoredCondition(condition)
	r.Action = decodeStoredAction(action)
	return &r, nil
}

func collectRules(rows *sql.Rows) ([]*Rule, error) {
	defer rows.Close()

	list := make([]*Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return list, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/torii-ai/torii/internal/model"
	"github.com/torii-ai/torii/internal/policy"
)

// RuleStore is the pgx-backed policy.RuleStore. Threshold updates are
// single-statement, so concurrent learn calls serialize in the database.
type RuleStore struct {
	db *DB
}

// NewRuleStore creates a rule store over db.
func NewRuleStore(db *DB) *RuleStore {
	return &RuleStore{db: db}
}

var _ policy.RuleStore = (*RuleStore)(nil)

func (s *RuleStore) GetRule(ctx context.Context, name string) (model.AdaptiveRule, error) {
	var r model.AdaptiveRule
	err := s.db.pool.QueryRow(ctx,
		`SELECT rule_name, threshold, is_active, trigger_count, updated_at
		 FROM adaptive_rules WHERE rule_name = $1`, name,
	).Scan(&r.RuleName, &r.Threshold, &r.IsActive, &r.TriggerCount, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AdaptiveRule{}, policy.ErrRuleNotFound
	}
	if err != nil {
		return model.AdaptiveRule{}, fmt.Errorf("storage: get rule: %w", err)
	}
	return r, nil
}

// EnsureRule seeds a rule if absent. An existing row keeps its learned
// threshold and trigger count.
func (s *RuleStore) EnsureRule(ctx context.Context, rule model.AdaptiveRule) error {
	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO adaptive_rules (rule_name, threshold, is_active, trigger_count, updated_at)
		 VALUES ($1, $2, $3, 0, now())
		 ON CONFLICT (rule_name) DO NOTHING`,
		rule.RuleName, rule.Threshold, rule.IsActive,
	)
	if err != nil {
		return fmt.Errorf("storage: ensure rule: %w", err)
	}
	return nil
}

func (s *RuleStore) UpdateThreshold(ctx context.Context, name string, threshold float64) error {
	tag, err := s.db.pool.Exec(ctx,
		`UPDATE adaptive_rules SET threshold = $2, updated_at = now() WHERE rule_name = $1`,
		name, threshold,
	)
	if err != nil {
		return fmt.Errorf("storage: update threshold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return policy.ErrRuleNotFound
	}
	return nil
}

func (s *RuleStore) IncrementTrigger(ctx context.Context, name string) error {
	tag, err := s.db.pool.Exec(ctx,
		`UPDATE adaptive_rules SET trigger_count = trigger_count + 1, updated_at = now()
		 WHERE rule_name = $1`, name,
	)
	if err != nil {
		return fmt.Errorf("storage: increment trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return policy.ErrRuleNotFound
	}
	return nil
}

func (s *RuleStore) ListRules(ctx context.Context) ([]model.AdaptiveRule, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT rule_name, threshold, is_active, trigger_count, updated_at
		 FROM adaptive_rules ORDER BY rule_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list rules: %w", err)
	}
	defer rows.Close()

	var out []model.AdaptiveRule
	for rows.Next() {
		var r model.AdaptiveRule
		if err := rows.Scan(&r.RuleName, &r.Threshold, &r.IsActive, &r.TriggerCount, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/torii/internal/model"
	"github.com/torii-ai/torii/internal/policy"
)

// DecisionStore is the pgx-backed policy.DecisionStore. A decision and
// its violations land in one transaction, retried on serialization
// conflicts, so the audit trail never shows a decision with half its
// violations.
type DecisionStore struct {
	db *DB
}

// NewDecisionStore creates a decision store over db.
func NewDecisionStore(db *DB) *DecisionStore {
	return &DecisionStore{db: db}
}

var _ policy.DecisionStore = (*DecisionStore)(nil)

func (s *DecisionStore) SaveDecision(ctx context.Context, d model.PolicyDecision) error {
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return s.saveDecision(ctx, d)
	})
}

func (s *DecisionStore) saveDecision(ctx context.Context, d model.PolicyDecision) error {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin save decision: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx,
		`INSERT INTO policy_decisions (id, trace_id, action, risk_score, escalation_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.TraceID, d.Action, d.RiskScore, d.EscalationID, d.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: save decision: %w", err)
	}

	for _, v := range d.Violations {
		if _, err := tx.Exec(ctx,
			`INSERT INTO violations (id, decision_id, rule_name, rule_kind, severity, details, reasoning)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), d.ID, v.RuleName, v.RuleKind, v.Severity, v.Details, v.Reasoning,
		); err != nil {
			return fmt.Errorf("storage: save violation %s: %w", v.RuleName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit save decision: %w", err)
	}
	return nil
}

// GetDecision returns one decision with its violations.
func (s *DecisionStore) GetDecision(ctx context.Context, id uuid.UUID) (model.PolicyDecision, error) {
	var d model.PolicyDecision
	err := s.db.pool.QueryRow(ctx,
		`SELECT id, trace_id, action, risk_score, escalation_id, created_at
		 FROM policy_decisions WHERE id = $1`, id,
	).Scan(&d.ID, &d.TraceID, &d.Action, &d.RiskScore, &d.EscalationID, &d.CreatedAt)
	if err != nil {
		return model.PolicyDecision{}, fmt.Errorf("storage: get decision: %w", err)
	}

	rows, err := s.db.pool.Query(ctx,
		`SELECT rule_name, rule_kind, severity, details, reasoning
		 FROM violations WHERE decision_id = $1`, id)
	if err != nil {
		return model.PolicyDecision{}, fmt.Errorf("storage: get violations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v model.Violation
		if err := rows.Scan(&v.RuleName, &v.RuleKind, &v.Severity, &v.Details, &v.Reasoning); err != nil {
			return model.PolicyDecision{}, fmt.Errorf("storage: scan violation: %w", err)
		}
		d.Violations = append(d.Violations, v)
	}
	return d, rows.Err()
}

// UpdateEscalationID links a saved decision to the escalation it opened.
func (s *DecisionStore) UpdateEscalationID(ctx context.Context, decisionID, escalationID uuid.UUID) error {
	tag, err := s.db.pool.Exec(ctx,
		`UPDATE policy_decisions SET escalation_id = $2 WHERE id = $1`,
		decisionID, escalationID,
	)
	if err != nil {
		return fmt.Errorf("storage: link escalation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: link escalation: decision %s not found", decisionID)
	}
	return nil
}

// CountViolations counts violations attached to decisions on the given
// traces. Implements the tracestore join for session aggregation.
func (s *DecisionStore) CountViolations(ctx context.Context, traceIDs []uuid.UUID) (int, error) {
	var n int
	err := s.db.pool.QueryRow(ctx,
		`SELECT count(*) FROM violations v
		 JOIN policy_decisions d ON v.decision_id = d.id
		 WHERE d.trace_id = ANY($1)`, traceIDs,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count violations: %w", err)
	}
	return n, nil
}

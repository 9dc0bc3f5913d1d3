package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/torii-ai/torii/internal/escalation"
	"github.com/torii-ai/torii/internal/model"
)

// EscalationStore is the pgx-backed escalation.Store. Resolution is an
// atomic compare-and-set guarded on status = pending, and every lifecycle
// change emits a NOTIFY on the escalations channel for the SSE broker.
type EscalationStore struct {
	db *DB
}

// NewEscalationStore creates an escalation store over db.
func NewEscalationStore(db *DB) *EscalationStore {
	return &EscalationStore{db: db}
}

var _ escalation.Store = (*EscalationStore)(nil)

const escalationColumns = `id, seq_num, trace_id, reason, package, risk_score, status,
	human_decision, human_feedback, created_at, resolved_at`

func (s *EscalationStore) Create(ctx context.Context, req model.EscalationRequest) (model.EscalationRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.Status = model.EscalationPending

	pkg, err := json.Marshal(req.Package)
	if err != nil {
		return model.EscalationRequest{}, fmt.Errorf("storage: encode review package: %w", err)
	}

	err = s.db.pool.QueryRow(ctx,
		`INSERT INTO escalation_requests (id, trace_id, reason, package, risk_score, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 RETURNING seq_num, created_at`,
		req.ID, req.TraceID, req.Reason, pkg, req.RiskScore, req.Status,
	).Scan(&req.SeqNum, &req.CreatedAt)
	if err != nil {
		return model.EscalationRequest{}, fmt.Errorf("storage: create escalation: %w", err)
	}

	s.notifyChange(ctx, req)
	return req, nil
}

func (s *EscalationStore) Get(ctx context.Context, id uuid.UUID) (model.EscalationRequest, error) {
	req, err := scanEscalation(s.db.pool.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalation_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EscalationRequest{}, escalation.ErrNotFound
	}
	if err != nil {
		return model.EscalationRequest{}, fmt.Errorf("storage: get escalation: %w", err)
	}
	return req, nil
}

func (s *EscalationStore) Resolve(ctx context.Context, id uuid.UUID, status model.EscalationStatus, decision, feedback *string) (model.EscalationRequest, error) {
	if !status.Terminal() {
		return model.EscalationRequest{}, escalation.ErrInvalidResolution
	}

	req, err := scanEscalation(s.db.pool.QueryRow(ctx,
		`UPDATE escalation_requests
		 SET status = $2, human_decision = $3, human_feedback = $4, resolved_at = now()
		 WHERE id = $1 AND status = $5
		 RETURNING `+escalationColumns,
		id, status, decision, feedback, model.EscalationPending))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM escalation_requests WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return model.EscalationRequest{}, fmt.Errorf("storage: check escalation: %w", err)
		}
		if exists {
			return model.EscalationRequest{}, escalation.ErrAlreadyResolved
		}
		return model.EscalationRequest{}, escalation.ErrNotFound
	}
	if err != nil {
		return model.EscalationRequest{}, fmt.Errorf("storage: resolve escalation: %w", err)
	}

	s.notifyChange(ctx, req)
	return req, nil
}

func (s *EscalationStore) ListPending(ctx context.Context) ([]model.EscalationRequest, error) {
	return s.ListByStatus(ctx, model.EscalationPending)
}

func (s *EscalationStore) ListByStatus(ctx context.Context, status model.EscalationStatus) ([]model.EscalationRequest, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT `+escalationColumns+` FROM escalation_requests
		 WHERE status = $1 ORDER BY seq_num ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("storage: list escalations: %w", err)
	}
	defer rows.Close()
	return collectEscalations(rows)
}

func (s *EscalationStore) ExpirePending(ctx context.Context, olderThan time.Time) ([]model.EscalationRequest, error) {
	rows, err := s.db.pool.Query(ctx,
		`UPDATE escalation_requests
		 SET status = $1, resolved_at = now()
		 WHERE status = $2 AND created_at < $3
		 RETURNING `+escalationColumns,
		model.EscalationTimeout, model.EscalationPending, olderThan)
	if err != nil {
		return nil, fmt.Errorf("storage: expire escalations: %w", err)
	}
	defer rows.Close()

	expired, err := collectEscalations(rows)
	if err != nil {
		return nil, err
	}
	for _, req := range expired {
		s.notifyChange(ctx, req)
	}
	return expired, nil
}

// CountEscalations counts requests whose trace is in traceIDs. Implements
// the tracestore join for session aggregation.
func (s *EscalationStore) CountEscalations(ctx context.Context, traceIDs []uuid.UUID) (int, error) {
	var n int
	err := s.db.pool.QueryRow(ctx,
		`SELECT count(*) FROM escalation_requests WHERE trace_id = ANY($1)`, traceIDs,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count escalations: %w", err)
	}
	return n, nil
}

// notifyChange is best-effort: a missed notification degrades the live
// review feed, never the escalation lifecycle itself.
func (s *EscalationStore) notifyChange(ctx context.Context, req model.EscalationRequest) {
	payload, err := json.Marshal(map[string]any{
		"id":     req.ID,
		"status": req.Status,
		"seq":    req.SeqNum,
	})
	if err != nil {
		return
	}
	if err := s.db.Notify(ctx, ChannelEscalations, string(payload)); err != nil {
		s.db.logger.Warn("storage: escalation notify", "request_id", req.ID, "error", err)
	}
}

func scanEscalation(row pgx.Row) (model.EscalationRequest, error) {
	var req model.EscalationRequest
	var pkg []byte
	err := row.Scan(
		&req.ID, &req.SeqNum, &req.TraceID, &req.Reason, &pkg, &req.RiskScore,
		&req.Status, &req.HumanDecision, &req.HumanFeedback, &req.CreatedAt, &req.ResolvedAt,
	)
	if err != nil {
		return model.EscalationRequest{}, err
	}
	if err := json.Unmarshal(pkg, &req.Package); err != nil {
		return model.EscalationRequest{}, fmt.Errorf("decode review package: %w", err)
	}
	return req, nil
}

func collectEscalations(rows pgx.Rows) ([]model.EscalationRequest, error) {
	var out []model.EscalationRequest
	for rows.Next() {
		req, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan escalation: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

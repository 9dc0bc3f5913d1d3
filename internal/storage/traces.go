package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/torii-ai/torii/internal/model"
	"github.com/torii-ai/torii/internal/tracestore"
)

// TraceStore is the pgx-backed tracestore.Store. Trace close is guarded
// by end_time IS NULL so a double close surfaces as a conflict instead of
// racing, and session aggregates are computed at close time from the
// session's traces plus joins to the escalation and violation tables.
type TraceStore struct {
	db *DB
}

// NewTraceStore creates a trace store over db.
func NewTraceStore(db *DB) *TraceStore {
	return &TraceStore{db: db}
}

var _ tracestore.Store = (*TraceStore)(nil)

func (s *TraceStore) StartSession(ctx context.Context, kind string, userID *string) (model.Session, error) {
	sess := model.Session{
		ID:     uuid.New(),
		UserID: userID,
		Kind:   kind,
		Status: model.SessionRunning,
	}
	err := s.db.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id, kind, status, start_time)
		 VALUES ($1, $2, $3, $4, now())
		 RETURNING start_time`,
		sess.ID, sess.UserID, sess.Kind, sess.Status,
	).Scan(&sess.StartTime)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: start session: %w", err)
	}
	return sess, nil
}

func (s *TraceStore) EndSession(ctx context.Context, id uuid.UUID, status model.SessionStatus) (model.Session, error) {
	traces, err := s.SessionTraces(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	agg := tracestore.Aggregate(traces)

	traceIDs := make([]uuid.UUID, len(traces))
	for i, tr := range traces {
		traceIDs[i] = tr.ID
	}
	if err := s.db.pool.QueryRow(ctx,
		`SELECT count(*) FROM escalation_requests WHERE trace_id = ANY($1)`, traceIDs,
	).Scan(&agg.Escalations); err != nil {
		return model.Session{}, fmt.Errorf("storage: count session escalations: %w", err)
	}
	if err := s.db.pool.QueryRow(ctx,
		`SELECT count(*) FROM violations v
		 JOIN policy_decisions d ON v.decision_id = d.id
		 WHERE d.trace_id = ANY($1)`, traceIDs,
	).Scan(&agg.Violations); err != nil {
		return model.Session{}, fmt.Errorf("storage: count session violations: %w", err)
	}

	var sess model.Session
	err = s.db.pool.QueryRow(ctx,
		`UPDATE sessions
		 SET status = $2, end_time = now(),
		     tasks_invoked = $3, traces_total = $4, traces_failed = $5,
		     escalations = $6, violations = $7,
		     cost_input_tokens = $8, cost_output_tokens = $9, cost_calls = $10
		 WHERE id = $1 AND end_time IS NULL
		 RETURNING id, user_id, kind, status, start_time, end_time`,
		id, status,
		agg.TasksInvoked, agg.TracesTotal, agg.TracesFailed,
		agg.Escalations, agg.Violations,
		agg.Cost.InputTokens, agg.Cost.OutputTokens, agg.Cost.Calls,
	).Scan(&sess.ID, &sess.UserID, &sess.Kind, &sess.Status, &sess.StartTime, &sess.EndTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, s.closedOrMissing(ctx, "sessions", id)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: end session: %w", err)
	}
	sess.Aggregates = agg
	return sess, nil
}

func (s *TraceStore) StartTrace(ctx context.Context, sessionID uuid.UUID, taskType model.TaskType, parent *uuid.UUID) (model.Trace, error) {
	tr := model.Trace{
		ID:            uuid.New(),
		SessionID:     sessionID,
		ParentTraceID: parent,
		TaskType:      taskType,
		Status:        model.TraceRunning,
	}
	err := s.db.pool.QueryRow(ctx,
		`INSERT INTO traces (id, session_id, parent_trace_id, task_type, status, start_time)
		 VALUES ($1, $2, $3, $4, $5, now())
		 RETURNING start_time`,
		tr.ID, tr.SessionID, tr.ParentTraceID, tr.TaskType, tr.Status,
	).Scan(&tr.StartTime)
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: start trace: %w", err)
	}
	return tr, nil
}

func (s *TraceStore) EndTrace(ctx context.Context, id uuid.UUID, status model.TraceStatus, cost model.CostCounters, errMsg *string) (model.Trace, error) {
	var tr model.Trace
	err := s.db.pool.QueryRow(ctx,
		`UPDATE traces
		 SET status = $2, end_time = now(),
		     cost_input_tokens = $3, cost_output_tokens = $4, cost_calls = $5,
		     error_message = $6
		 WHERE id = $1 AND end_time IS NULL
		 RETURNING id, session_id, parent_trace_id, task_type, status, start_time, end_time,
		           cost_input_tokens, cost_output_tokens, cost_calls, error_message`,
		id, status, cost.InputTokens, cost.OutputTokens, cost.Calls, errMsg,
	).Scan(
		&tr.ID, &tr.SessionID, &tr.ParentTraceID, &tr.TaskType, &tr.Status,
		&tr.StartTime, &tr.EndTime,
		&tr.Cost.InputTokens, &tr.Cost.OutputTokens, &tr.Cost.Calls, &tr.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Trace{}, s.closedOrMissing(ctx, "traces", id)
	}
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: end trace: %w", err)
	}
	return tr, nil
}

func (s *TraceStore) GetTrace(ctx context.Context, id uuid.UUID) (model.Trace, error) {
	tr, err := s.scanTrace(s.db.pool.QueryRow(ctx,
		`SELECT id, session_id, parent_trace_id, task_type, status, start_time, end_time,
		        cost_input_tokens, cost_output_tokens, cost_calls, error_message
		 FROM traces WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Trace{}, tracestore.ErrNotFound
	}
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: get trace: %w", err)
	}
	return tr, nil
}

func (s *TraceStore) SessionTraces(ctx context.Context, sessionID uuid.UUID) ([]model.Trace, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT id, session_id, parent_trace_id, task_type, status, start_time, end_time,
		        cost_input_tokens, cost_output_tokens, cost_calls, error_message
		 FROM traces WHERE session_id = $1
		 ORDER BY start_time ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: session traces: %w", err)
	}
	defer rows.Close()

	var traces []model.Trace
	for rows.Next() {
		tr, err := s.scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		traces = append(traces, tr)
	}
	return traces, rows.Err()
}

func (s *TraceStore) scanTrace(row pgx.Row) (model.Trace, error) {
	var tr model.Trace
	err := row.Scan(
		&tr.ID, &tr.SessionID, &tr.ParentTraceID, &tr.TaskType, &tr.Status,
		&tr.StartTime, &tr.EndTime,
		&tr.Cost.InputTokens, &tr.Cost.OutputTokens, &tr.Cost.Calls, &tr.ErrorMessage,
	)
	return tr, err
}

// closedOrMissing distinguishes the two reasons a guarded close matched
// no row.
func (s *TraceStore) closedOrMissing(ctx context.Context, table string, id uuid.UUID) error {
	var exists bool
	if err := s.db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("storage: check %s close: %w", table, err)
	}
	if exists {
		return tracestore.ErrAlreadyClosed
	}
	return tracestore.ErrNotFound
}

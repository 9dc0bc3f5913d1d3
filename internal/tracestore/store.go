// Package tracestore records start/end, duration, cost counters, and
// status for every task trace and every top-level session. Session
// aggregates are computed at close time by reading back the session's
// traces and joining out to escalation and violation records, so they are
// consistent even when traces close out of order.
package tracestore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/torii-ai/torii/internal/model"
)

var (
	// ErrNotFound is returned when a trace or session does not exist.
	ErrNotFound = errors.New("tracestore: not found")

	// ErrAlreadyClosed is returned on a second EndTrace or EndSession for
	// the same id. Closing twice is a caller bug; the store surfaces it
	// deterministically instead of racing.
	ErrAlreadyClosed = errors.New("tracestore: already closed")
)

// Store is the narrow mutation API for traces and sessions. All writes go
// through it; per-trace read-modify-write is atomic with respect to
// concurrent callers.
type Store interface {
	StartSession(ctx context.Context, kind string, userID *string) (model.Session, error)
	EndSession(ctx context.Context, id uuid.UUID, status model.SessionStatus) (model.Session, error)

	StartTrace(ctx context.Context, sessionID uuid.UUID, taskType model.TaskType, parent *uuid.UUID) (model.Trace, error)
	EndTrace(ctx context.Context, id uuid.UUID, status model.TraceStatus, cost model.CostCounters, errMsg *string) (model.Trace, error)

	GetTrace(ctx context.Context, id uuid.UUID) (model.Trace, error)
	SessionTraces(ctx context.Context, sessionID uuid.UUID) ([]model.Trace, error)
}

// EscalationCounter joins escalation requests back to a set of trace ids.
// Implemented by the escalation store so EndSession can count escalations
// at read time.
type EscalationCounter interface {
	CountEscalations(ctx context.Context, traceIDs []uuid.UUID) (int, error)
}

// ViolationCounter joins recorded violations back to a set of trace ids.
type ViolationCounter interface {
	CountViolations(ctx context.Context, traceIDs []uuid.UUID) (int, error)
}

// Aggregate folds a session's traces into closing counters. Shared by the
// memory and Postgres implementations so both close sessions identically.
func Aggregate(traces []model.Trace) model.SessionAggregates {
	agg := model.SessionAggregates{TracesTotal: len(traces)}
	kinds := map[model.TaskType]struct{}{}
	for _, t := range traces {
		kinds[t.TaskType] = struct{}{}
		agg.Cost = agg.Cost.Add(t.Cost)
		switch t.Status {
		case model.TraceError, model.TraceTimeout:
			agg.TracesFailed++
		}
	}
	agg.TasksInvoked = len(kinds)
	return agg
}

package tracestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/torii/internal/model"
)

// MemoryStore is the in-process trace/session backend used by tests and
// standalone runs. One mutex covers both tables; every exported method is
// a single critical section, so per-trace updates cannot interleave.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
	traces   map[uuid.UUID]*model.Trace

	escalations EscalationCounter // optional read-time join sources
	violations  ViolationCounter

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[uuid.UUID]*model.Session{},
		traces:   map[uuid.UUID]*model.Trace{},
		now:      time.Now,
	}
}

// SetAuditSources wires the escalation and violation join sources used by
// EndSession. Either may be nil, in which case that counter stays zero.
func (s *MemoryStore) SetAuditSources(esc EscalationCounter, vio ViolationCounter) {
	s.escalations = esc
	s.violations = vio
}

// SetClock overrides the time source for tests.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

// Session returns a session by id, closed or not.
func (s *MemoryStore) Session(id uuid.UUID) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return *sess, true
}

func (s *MemoryStore) StartSession(_ context.Context, kind string, userID *string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &model.Session{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Status:    model.SessionRunning,
		StartTime: s.now().UTC(),
	}
	s.sessions[sess.ID] = sess
	return *sess, nil
}

func (s *MemoryStore) EndSession(ctx context.Context, id uuid.UUID, status model.SessionStatus) (model.Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return model.Session{}, ErrNotFound
	}
	if sess.EndTime != nil {
		s.mu.Unlock()
		return model.Session{}, ErrAlreadyClosed
	}

	var traces []model.Trace
	var traceIDs []uuid.UUID
	for _, t := range s.traces {
		if t.SessionID == id {
			traces = append(traces, *t)
			traceIDs = append(traceIDs, t.ID)
		}
	}
	now := s.now().UTC()
	sess.EndTime = &now
	sess.Status = status
	sess.Aggregates = Aggregate(traces)
	result := sess
	s.mu.Unlock()

	// The joins run outside the mutex: the session is already closed, so
	// concurrent trace writes cannot change what we aggregate.
	if s.escalations != nil {
		n, err := s.escalations.CountEscalations(ctx, traceIDs)
		if err != nil {
			return model.Session{}, err
		}
		result.Aggregates.Escalations = n
	}
	if s.violations != nil {
		n, err := s.violations.CountViolations(ctx, traceIDs)
		if err != nil {
			return model.Session{}, err
		}
		result.Aggregates.Violations = n
	}
	return *result, nil
}

func (s *MemoryStore) StartTrace(_ context.Context, sessionID uuid.UUID, taskType model.TaskType, parent *uuid.UUID) (model.Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return model.Trace{}, ErrNotFound
	}
	t := &model.Trace{
		ID:            uuid.New(),
		SessionID:     sessionID,
		ParentTraceID: parent,
		TaskType:      taskType,
		Status:        model.TraceRunning,
		StartTime:     s.now().UTC(),
	}
	s.traces[t.ID] = t
	return *t, nil
}

func (s *MemoryStore) EndTrace(_ context.Context, id uuid.UUID, status model.TraceStatus, cost model.CostCounters, errMsg *string) (model.Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.traces[id]
	if !ok {
		return model.Trace{}, ErrNotFound
	}
	if t.EndTime != nil {
		return model.Trace{}, ErrAlreadyClosed
	}
	now := s.now().UTC()
	t.EndTime = &now
	t.Status = status
	t.Cost = cost
	t.ErrorMessage = errMsg
	return *t, nil
}

func (s *MemoryStore) GetTrace(_ context.Context, id uuid.UUID) (model.Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.traces[id]
	if !ok {
		return model.Trace{}, ErrNotFound
	}
	return *t, nil
}

func (s *MemoryStore) SessionTraces(_ context.Context, sessionID uuid.UUID) ([]model.Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Trace
	for _, t := range s.traces {
		if t.SessionID == sessionID {
			out = append(out, *t)
		}
	}
	return out, nil
}

// Package escalation implements the human-in-the-loop workflow: building
// a bounded review package from a flagged report, tracking the request
// lifecycle, and feeding resolutions back to the policy engine.
package escalation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/torii/internal/model"
)

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("escalation: request not found")

	// ErrAlreadyResolved is returned when resolving a request that has
	// already reached a terminal state. Terminal states are final;
	// re-resolution is rejected, never silently overwritten.
	ErrAlreadyResolved = errors.New("escalation: request already resolved")

	// ErrInvalidResolution is returned for a non-terminal target status.
	ErrInvalidResolution = errors.New("escalation: resolution must be a terminal status")
)

// Store persists escalation requests. Resolve is an atomic compare-and-set
// from pending to a terminal state.
type Store interface {
	Create(ctx context.Context, req model.EscalationRequest) (model.EscalationRequest, error)
	Get(ctx context.Context, id uuid.UUID) (model.EscalationRequest, error)
	Resolve(ctx context.Context, id uuid.UUID, status model.EscalationStatus, decision, feedback *string) (model.EscalationRequest, error)
	ListPending(ctx context.Context) ([]model.EscalationRequest, error)
	ListByStatus(ctx context.Context, status model.EscalationStatus) ([]model.EscalationRequest, error)
	ExpirePending(ctx context.Context, olderThan time.Time) ([]model.EscalationRequest, error)
}

// MemoryStore is the in-process Store used by tests and standalone runs.
type MemoryStore struct {
	mu   sync.Mutex
	reqs map[uuid.UUID]*model.EscalationRequest
	seq  int64

	now func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: map[uuid.UUID]*model.EscalationRequest{}, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) Create(_ context.Context, req model.EscalationRequest) (model.EscalationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	s.seq++
	req.SeqNum = s.seq
	req.Status = model.EscalationPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now().UTC()
	}
	s.reqs[req.ID] = &req
	return req, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (model.EscalationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return model.EscalationRequest{}, ErrNotFound
	}
	return *r, nil
}

func (s *MemoryStore) Resolve(_ context.Context, id uuid.UUID, status model.EscalationStatus, decision, feedback *string) (model.EscalationRequest, error) {
	if !status.Terminal() {
		return model.EscalationRequest{}, ErrInvalidResolution
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return model.EscalationRequest{}, ErrNotFound
	}
	if r.Status.Terminal() {
		return model.EscalationRequest{}, ErrAlreadyResolved
	}
	now := s.now().UTC()
	r.Status = status
	r.HumanDecision = decision
	r.HumanFeedback = feedback
	r.ResolvedAt = &now
	return *r, nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]model.EscalationRequest, error) {
	return s.ListByStatus(ctx, model.EscalationPending)
}

func (s *MemoryStore) ListByStatus(_ context.Context, status model.EscalationStatus) ([]model.EscalationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.EscalationRequest
	for _, r := range s.reqs {
		if r.Status == status {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqNum < out[j].SeqNum })
	return out, nil
}

func (s *MemoryStore) ExpirePending(_ context.Context, olderThan time.Time) ([]model.EscalationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []model.EscalationRequest
	now := s.now().UTC()
	for _, r := range s.reqs {
		if r.Status == model.EscalationPending && r.CreatedAt.Before(olderThan) {
			r.Status = model.EscalationTimeout
			r.ResolvedAt = &now
			expired = append(expired, *r)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].SeqNum < expired[j].SeqNum })
	return expired, nil
}

// CountEscalations counts requests whose trace is in traceIDs. Implements
// the tracestore join for session aggregation.
func (s *MemoryStore) CountEscalations(_ context.Context, traceIDs []uuid.UUID) (int, error) {
	wanted := make(map[uuid.UUID]struct{}, len(traceIDs))
	for _, id := range traceIDs {
		wanted[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reqs {
		if _, ok := wanted[r.TraceID]; ok {
			n++
		}
	}
	return n, nil
}

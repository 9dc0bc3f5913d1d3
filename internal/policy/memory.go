package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/torii/internal/model"
)

// ErrRuleNotFound is returned for an adaptive rule the store has never seen.
var ErrRuleNotFound = errors.New("policy: rule not found")

// MemoryRuleStore is the in-process RuleStore used by tests and standalone
// runs. All read-modify-write happens under one mutex.
type MemoryRuleStore struct {
	mu    sync.Mutex
	rules map[string]model.AdaptiveRule
}

// NewMemoryRuleStore creates an empty rule store.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: map[string]model.AdaptiveRule{}}
}

func (s *MemoryRuleStore) GetRule(_ context.Context, name string) (model.AdaptiveRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[name]
	if !ok {
		return model.AdaptiveRule{}, ErrRuleNotFound
	}
	return r, nil
}

func (s *MemoryRuleStore) EnsureRule(_ context.Context, rule model.AdaptiveRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[rule.RuleName]; !ok {
		s.rules[rule.RuleName] = rule
	}
	return nil
}

func (s *MemoryRuleStore) UpdateThreshold(_ context.Context, name string, threshold float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[name]
	if !ok {
		return ErrRuleNotFound
	}
	r.Threshold = threshold
	r.UpdatedAt = time.Now().UTC()
	s.rules[name] = r
	return nil
}

func (s *MemoryRuleStore) IncrementTrigger(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[name]
	if !ok {
		return ErrRuleNotFound
	}
	r.TriggerCount++
	s.rules[name] = r
	return nil
}

func (s *MemoryRuleStore) ListRules(_ context.Context) ([]model.AdaptiveRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AdaptiveRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out, nil
}

// MemoryDecisionStore keeps evaluated decisions in memory and serves the
// session-close violation join.
type MemoryDecisionStore struct {
	mu        sync.Mutex
	decisions []model.PolicyDecision
}

// NewMemoryDecisionStore creates an empty decision store.
func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{}
}

func (s *MemoryDecisionStore) SaveDecision(_ context.Context, d model.PolicyDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *MemoryDecisionStore) UpdateEscalationID(_ context.Context, decisionID, escalationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.decisions {
		if s.decisions[i].ID == decisionID {
			id := escalationID
			s.decisions[i].EscalationID = &id
			return nil
		}
	}
	return fmt.Errorf("policy: decision %s not found", decisionID)
}

// Decisions returns a copy of all stored decisions.
func (s *MemoryDecisionStore) Decisions() []model.PolicyDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PolicyDecision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// CountViolations counts violations attached to decisions whose trace is
// in traceIDs. Implements the tracestore join for session aggregation.
func (s *MemoryDecisionStore) CountViolations(_ context.Context, traceIDs []uuid.UUID) (int, error) {
	wanted := make(map[uuid.UUID]struct{}, len(traceIDs))
	for _, id := range traceIDs {
		wanted[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.decisions {
		if _, ok := wanted[d.TraceID]; ok {
			n += len(d.Violations)
		}
	}
	return n, nil
}

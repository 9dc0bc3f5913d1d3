package model

import (
	"time"

	"github.com/google/uuid"
)

// EscalationStatus is the lifecycle state of a human review request.
// A request transitions exactly once from pending to a terminal state;
// terminal states are final and re-resolution is rejected.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationApproved EscalationStatus = "approved"
	EscalationRejected EscalationStatus = "rejected"
	EscalationModified EscalationStatus = "modified"
	EscalationTimeout  EscalationStatus = "timeout"
)

// Terminal reports whether the status ends the request lifecycle.
func (s EscalationStatus) Terminal() bool { return s != EscalationPending }

// Approvedish reports whether the resolution counts as a go-ahead for
// policy purposes. Timeout fails closed (treated as rejected).
func (s EscalationStatus) Approvedish() bool {
	return s == EscalationApproved || s == EscalationModified
}

// ProposedAction is one reviewer option with its tradeoff, part of the
// bounded human-readable review package.
type ProposedAction struct {
	Action   string `json:"action"`
	Tradeoff string `json:"tradeoff"`
}

// ReviewPackage is the bounded-size context handed to a human reviewer.
type ReviewPackage struct {
	Summary         string           `json:"summary"`
	RiskRationale   string           `json:"risk_rationale"`
	Violations      []Violation      `json:"violations"`
	ProposedActions []ProposedAction `json:"proposed_actions"`
}

// EscalationRequest tracks one human-in-the-loop review.
type EscalationRequest struct {
	ID            uuid.UUID        `json:"id"`
	SeqNum        int64            `json:"seq_num"` // monotonically assigned for audit ordering
	TraceID       uuid.UUID        `json:"trace_id"`
	Reason        string           `json:"reason"`
	Package       ReviewPackage    `json:"package"`
	RiskScore     float64          `json:"risk_score"`
	Status        EscalationStatus `json:"status"`
	HumanDecision *string          `json:"human_decision,omitempty"`
	HumanFeedback *string          `json:"human_feedback,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}

// ResolutionMinutes returns the pending-to-terminal latency in minutes,
// or zero while the request is still pending.
func (r EscalationRequest) ResolutionMinutes() float64 {
	if r.ResolvedAt == nil {
		return 0
	}
	return r.ResolvedAt.Sub(r.CreatedAt).Minutes()
}

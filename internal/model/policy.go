package model

import (
	"time"

	"github.com/google/uuid"
)

// RuleKind distinguishes non-overridable hard rules from threshold-bearing
// adaptive rules.
type RuleKind string

const (
	RuleHard     RuleKind = "hard"
	RuleAdaptive RuleKind = "adaptive"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation is one rule match against a candidate report. Immutable after
// creation; zero or more attach to a PolicyDecision.
type Violation struct {
	RuleName  string   `json:"rule_name"`
	RuleKind  RuleKind `json:"rule_kind"`
	Severity  Severity `json:"severity"`
	Details   string   `json:"details"`
	Reasoning string   `json:"reasoning"`
}

// PolicyAction is the outcome of a policy evaluation.
type PolicyAction string

const (
	ActionAllow    PolicyAction = "allow"
	ActionBlock    PolicyAction = "block"
	ActionEscalate PolicyAction = "escalate"
)

// PolicyDecision is the result of evaluating one candidate report.
type PolicyDecision struct {
	ID           uuid.UUID    `json:"id"`
	TraceID      uuid.UUID    `json:"trace_id"`
	Action       PolicyAction `json:"action"`
	RiskScore    float64      `json:"risk_score"` // 0..1, monotonic in each adaptive signal
	Violations   []Violation  `json:"violations"`
	EscalationID *uuid.UUID   `json:"escalation_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// AdaptiveRule carries the mutable threshold for one adaptive policy rule.
// Only the policy engine's learning step mutates it, driven by resolved
// escalations: a confirmed false positive relaxes the threshold, and
// nothing ever tightens it automatically.
type AdaptiveRule struct {
	RuleName     string    `json:"rule_name"`
	Threshold    float64   `json:"threshold"`
	IsActive     bool      `json:"is_active"`
	TriggerCount int64     `json:"trigger_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

package torii

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task type identifiers, as they appear in TaskInput.Type and events.
const (
	TaskRevenue     = "revenue_analysis"
	TaskPerformance = "performance_analysis"
	TaskTrend       = "trend_analysis"
	TaskRisk        = "risk_analysis"
	TaskSynthesis   = "synthesis"
	TaskEvaluation  = "evaluation"
)

// TaskInput is one unit of work handed to the Analyzer.
// It is a curated view of the internal task input for use in extension
// interfaces. No internal package imports — safe to implement from
// outside the module.
type TaskInput struct {
	Type        string
	Params      map[string]any
	ContentHash string // hash of the upstream source data, when known
	Feedback    string // evaluator feedback appended on regeneration
}

// Cost accumulates token-like usage for one analyzer invocation.
type Cost struct {
	InputTokens  int64
	OutputTokens int64
	Calls        int64
}

// AnalysisResponse is the analyzer's parsed result for one task.
type AnalysisResponse struct {
	Payload string
	Prompt  string // the raw prompt actually sent, used for call-level caching
	Cost    Cost
}

// Analyzer is the long-latency analysis backend. Required — provide one
// via WithAnalyzer. Calls are cached, traced, and retried with backoff;
// implementations only need to be safe for concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, in TaskInput) (AnalysisResponse, error)

	// ModelID identifies the backing model, and is part of the
	// call-level cache key: changing models never serves stale results.
	ModelID() string
}

// Evaluation scores one candidate report.
type Evaluation struct {
	DimensionScores map[string]float64 // each in [0,1]
	OverallScore    float64
	Reasoning       string
}

// Evaluator scores candidate reports. Optional — without one, a
// structural heuristic scores section coverage and data presence.
type Evaluator interface {
	Evaluate(ctx context.Context, candidate string, dataSummary string) (Evaluation, error)
}

// Event is one progress notification from a run: a phase transition, a
// task settling, a regeneration, a policy decision, or an escalation
// lifecycle step. Fields not relevant to the kind are zero.
type Event struct {
	Kind      string
	SessionID uuid.UUID
	At        time.Time

	Phase     string
	Task      string
	Result    string
	Iteration int
	Action    string
	RiskScore float64

	EscalationID *uuid.UUID
	Resolution   string
	ReportStatus string
}

// EventSink receives progress events, alongside the SSE stream. Publish
// runs on the orchestrator's goroutine and must not block.
type EventSink interface {
	Publish(ev Event)
}

// ReportRequest is the input to one report run.
type ReportRequest struct {
	UserID      *string
	Params      map[string]any
	ContentHash string
}

// ReportViolation is one policy rule match on the final report.
type ReportViolation struct {
	RuleName string
	RuleKind string
	Severity string
	Details  string
}

// Report is the final product of one run. Status is "approved",
// "rejected", or "escalated"; a non-approved report is still a
// successful run.
type Report struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	Status     string
	Content    string
	Iterations int
	Action     string
	RiskScore  float64
	Violations []ReportViolation
	CreatedAt  time.Time
}

// CacheStats reports result-cache counters since process start.
type CacheStats struct {
	Hits   int64
	Misses int64
	Swept  int64
}

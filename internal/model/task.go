// Package model defines the core domain types for Torii.
//
// Types correspond directly to database tables and wire payloads. They use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} wherever
// possible; analyzer output in particular is a tagged result type rather
// than a loosely probed JSON blob.
package model

import "time"

// TaskType identifies one kind of analysis task.
type TaskType string

const (
	// Domain analysis tasks, fanned out in parallel during the Analytical phase.
	TaskRevenue     TaskType = "revenue_analysis"
	TaskPerformance TaskType = "performance_analysis"
	TaskTrend       TaskType = "trend_analysis"
	TaskRisk        TaskType = "risk_analysis"

	// TaskSynthesis combines all Analytical outputs into one candidate report.
	TaskSynthesis TaskType = "synthesis"

	// TaskEvaluation scores a candidate report.
	TaskEvaluation TaskType = "evaluation"
)

// DefaultAnalyticalTasks is the standard fan-out set for a full report run.
var DefaultAnalyticalTasks = []TaskType{TaskRevenue, TaskPerformance, TaskTrend, TaskRisk}

// FailurePlaceholder marks a failed domain task's slot in synthesis input,
// so the synthesis step and the structural evaluator can see the gap.
const FailurePlaceholder = "[analysis unavailable]"

// TaskInput is the full input context for one analysis task. The Params map
// participates in fingerprinting via canonical encoding, so two inputs that
// differ only in map iteration order produce identical fingerprints.
type TaskInput struct {
	Type        TaskType       `json:"type"`
	Params      map[string]any `json:"params"`
	ContentHash string         `json:"content_hash,omitempty"` // hash of the upstream source data, when known
	Feedback    string         `json:"feedback,omitempty"`     // evaluator feedback appended on regeneration
}

// ResultKind tags a TaskResult variant.
type ResultKind string

const (
	ResultValue      ResultKind = "value"      // analyzer returned a parsed payload
	ResultError      ResultKind = "error"      // task failed after exhausting retries
	ResultUnparsable ResultKind = "unparsable" // analyzer responded but the payload failed schema validation
)

// TaskResult is the settled outcome of one task. Exactly one of Payload and
// Err is meaningful, selected by Kind. Failed tasks surface as placeholders
// in synthesis input rather than aborting sibling tasks.
type TaskResult struct {
	Type     TaskType      `json:"type"`
	Kind     ResultKind    `json:"kind"`
	Payload  string        `json:"payload,omitempty"`
	Err      string        `json:"error,omitempty"`
	Cached   bool          `json:"cached"`
	Duration time.Duration `json:"duration"`
	Cost     CostCounters  `json:"cost"`
}

// OK reports whether the task produced a usable payload.
func (r TaskResult) OK() bool { return r.Kind == ResultValue }

// CostCounters accumulates token-like usage for one analyzer invocation.
type CostCounters struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Calls        int64 `json:"calls"`
}

// Add returns the element-wise sum of two counters.
func (c CostCounters) Add(o CostCounters) CostCounters {
	return CostCounters{
		InputTokens:  c.InputTokens + o.InputTokens,
		OutputTokens: c.OutputTokens + o.OutputTokens,
		Calls:        c.Calls + o.Calls,
	}
}

// Total returns the combined token count, used against the policy cost ceiling.
func (c CostCounters) Total() int64 { return c.InputTokens + c.OutputTokens }

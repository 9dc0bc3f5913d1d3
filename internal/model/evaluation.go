package model

import (
	"time"

	"github.com/google/uuid"
)

// EvaluationRecord is one quality score for one synthesis attempt.
// RequiresReview drives the orchestrator's regeneration loop.
type EvaluationRecord struct {
	TraceID         uuid.UUID          `json:"trace_id"`
	DimensionScores map[string]float64 `json:"dimension_scores"` // each in [0,1]
	OverallScore    float64            `json:"overall_score"`
	RequiresReview  bool               `json:"requires_review"`
	Reasoning       string             `json:"reasoning"`
	Fallback        bool               `json:"fallback"` // true when the structural heuristic was used
	CreatedAt       time.Time          `json:"created_at"`
}

// Package evaluator defines the quality-scoring contract for candidate
// reports and the structural fallback used when the external scorer is
// unavailable. The orchestrator always receives a usable record and can
// make progress regardless of scorer health.
package evaluator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/torii/internal/model"
)

// Evaluator scores one candidate report. Implementations call an external
// scorer; any error falls back to the structural heuristic.
type Evaluator interface {
	Evaluate(ctx context.Context, candidate string, dataSummary string) (model.EvaluationRecord, error)
}

// Service wraps an optional external Evaluator with the fallback heuristic
// and stamps each record with the regeneration decision.
type Service struct {
	external  Evaluator // nil means fallback-only
	threshold float64   // overall_score below this sets RequiresReview
}

// NewService creates an evaluation service. external may be nil.
func NewService(external Evaluator, regenerationThreshold float64) *Service {
	return &Service{external: external, threshold: regenerationThreshold}
}

// Evaluate scores candidate, using the external scorer when available and
// the structural heuristic otherwise. It never returns an error: scorer
// unavailability is absorbed, per the fail-open quality contract (quality
// problems regenerate or pass through policy; they never abort the run).
func (s *Service) Evaluate(ctx context.Context, traceID uuid.UUID, candidate, dataSummary string) model.EvaluationRecord {
	if s.external != nil {
		rec, err := s.external.Evaluate(ctx, candidate, dataSummary)
		if err == nil {
			rec.TraceID = traceID
			rec.RequiresReview = rec.OverallScore < s.threshold
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = time.Now().UTC()
			}
			return rec
		}
	}

	rec := StructuralScore(candidate)
	rec.TraceID = traceID
	rec.RequiresReview = rec.OverallScore < s.threshold
	rec.CreatedAt = time.Now().UTC()
	return rec
}

// StructuralScore is the fallback heuristic: it scores the candidate from
// its structural completeness alone, with no external call.
//
// Scoring factors:
//   - Non-trivial length (>400 chars): up to 0.30
//   - Section structure (>=3 headed sections): up to 0.25
//   - Numbers present (a report without figures is suspect): 0.20
//   - No unfilled failure placeholders: 0.15
//   - Concluding content (summary/recommendation wording): 0.10
func StructuralScore(candidate string) model.EvaluationRecord {
	dims := map[string]float64{}

	switch n := len(candidate); {
	case n > 1500:
		dims["length"] = 0.30
	case n > 400:
		dims["length"] = 0.20
	case n > 100:
		dims["length"] = 0.10
	default:
		dims["length"] = 0
	}

	sections := 0
	for _, line := range strings.Split(candidate, "\n") {
		if strings.HasPrefix(line, "#") {
			sections++
		}
	}
	switch {
	case sections >= 3:
		dims["structure"] = 0.25
	case sections >= 1:
		dims["structure"] = 0.15
	default:
		dims["structure"] = 0
	}

	if strings.ContainsAny(candidate, "0123456789") {
		dims["figures"] = 0.20
	} else {
		dims["figures"] = 0
	}

	if !strings.Contains(candidate, model.FailurePlaceholder) {
		dims["completeness"] = 0.15
	} else {
		dims["completeness"] = 0
	}

	lower := strings.ToLower(candidate)
	if strings.Contains(lower, "summary") || strings.Contains(lower, "recommend") || strings.Contains(lower, "conclusion") {
		dims["conclusion"] = 0.10
	} else {
		dims["conclusion"] = 0
	}

	var overall float64
	for _, v := range dims {
		overall += v
	}

	return model.EvaluationRecord{
		DimensionScores: dims,
		OverallScore:    overall,
		Reasoning:       "structural fallback: external scorer unavailable",
		Fallback:        true,
	}
}

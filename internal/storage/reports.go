package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/torii-ai/torii/internal/model"
	"github.com/torii-ai/torii/internal/orchestrator"
)

// ReportStore persists the final product of each run: the report row plus
// one evaluation record per synthesis attempt.
type ReportStore struct {
	db *DB
}

// NewReportStore creates a report store over db.
func NewReportStore(db *DB) *ReportStore {
	return &ReportStore{db: db}
}

var _ orchestrator.ReportStore = (*ReportStore)(nil)

func (s *ReportStore) SaveReport(ctx context.Context, r model.Report) error {
	decision, err := json.Marshal(r.Decision)
	if err != nil {
		return fmt.Errorf("storage: encode decision: %w", err)
	}
	results, err := json.Marshal(r.TaskResults)
	if err != nil {
		return fmt.Errorf("storage: encode task results: %w", err)
	}

	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return s.saveReport(ctx, r, decision, results)
	})
}

func (s *ReportStore) saveReport(ctx context.Context, r model.Report, decision, results []byte) error {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin save report: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx,
		`INSERT INTO reports (id, session_id, status, content, iterations, decision, task_results, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.SessionID, r.Status, r.Content, r.Iterations, decision, results, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: save report: %w", err)
	}

	for _, rec := range r.Evaluations {
		scores, err := json.Marshal(rec.DimensionScores)
		if err != nil {
			return fmt.Errorf("storage: encode dimension scores: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO evaluation_records (trace_id, report_id, dimension_scores, overall_score,
			 requires_review, reasoning, fallback, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rec.TraceID, r.ID, scores, rec.OverallScore,
			rec.RequiresReview, rec.Reasoning, rec.Fallback, rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: save evaluation record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit save report: %w", err)
	}
	return nil
}

// GetReport returns one report with its evaluation records.
func (s *ReportStore) GetReport(ctx context.Context, id string) (model.Report, error) {
	var r model.Report
	var decision, results []byte
	err := s.db.pool.QueryRow(ctx,
		`SELECT id, session_id, status, content, iterations, decision, task_results, created_at
		 FROM reports WHERE id = $1`, id,
	).Scan(&r.ID, &r.SessionID, &r.Status, &r.Content, &r.Iterations, &decision, &results, &r.CreatedAt)
	if err != nil {
		return model.Report{}, fmt.Errorf("storage: get report: %w", err)
	}
	if err := json.Unmarshal(decision, &r.Decision); err != nil {
		return model.Report{}, fmt.Errorf("storage: decode decision: %w", err)
	}
	if err := json.Unmarshal(results, &r.TaskResults); err != nil {
		return model.Report{}, fmt.Errorf("storage: decode task results: %w", err)
	}

	rows, err := s.db.pool.Query(ctx,
		`SELECT trace_id, dimension_scores, overall_score, requires_review, reasoning, fallback, created_at
		 FROM evaluation_records WHERE report_id = $1 ORDER BY created_at ASC`, id)
	if err != nil {
		return model.Report{}, fmt.Errorf("storage: get evaluation records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec model.EvaluationRecord
		var scores []byte
		if err := rows.Scan(&rec.TraceID, &scores, &rec.OverallScore,
			&rec.RequiresReview, &rec.Reasoning, &rec.Fallback, &rec.CreatedAt); err != nil {
			return model.Report{}, fmt.Errorf("storage: scan evaluation record: %w", err)
		}
		if err := json.Unmarshal(scores, &rec.DimensionScores); err != nil {
			return model.Report{}, fmt.Errorf("storage: decode dimension scores: %w", err)
		}
		r.Evaluations = append(r.Evaluations, rec)
	}
	return r, rows.Err()
}

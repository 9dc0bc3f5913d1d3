package model

import (
	"time"

	"github.com/google/uuid"
)

// ReportStatus is the final disposition of a report run. A blocked or
// escalated report is still a successful run; Failed sessions never carry
// a report at all.
type ReportStatus string

const (
	ReportApproved  ReportStatus = "approved"
	ReportRejected  ReportStatus = "rejected"
	ReportEscalated ReportStatus = "escalated"
)

// Report is the final product of one orchestration run.
type Report struct {
	ID          uuid.UUID          `json:"id"`
	SessionID   uuid.UUID          `json:"session_id"`
	Status      ReportStatus       `json:"status"`
	Content     string             `json:"content"`
	Iterations  int                `json:"iterations"` // synthesis attempts, including the first
	Decision    PolicyDecision     `json:"decision"`
	Evaluations []EvaluationRecord `json:"evaluations"`
	TaskResults []TaskResult       `json:"task_results"`
	CreatedAt   time.Time          `json:"created_at"`
}

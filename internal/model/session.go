package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the terminal disposition of a top-level orchestration run.
type SessionStatus string

const (
	SessionRunning        SessionStatus = "running"
	SessionSuccess        SessionStatus = "success"
	SessionPartialFailure SessionStatus = "partial_failure"
	SessionFatalFailure   SessionStatus = "fatal_failure"
)

// Session is one top-level orchestration run. Aggregate counters are
// computed at close time from the session's child traces, not maintained
// as running counters, so they are consistent even when traces close out
// of order.
type Session struct {
	ID         uuid.UUID         `json:"id"`
	UserID     *string           `json:"user_id,omitempty"`
	Kind       string            `json:"kind"`
	Status     SessionStatus     `json:"status"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	Aggregates SessionAggregates `json:"aggregates"`
}

// SessionAggregates summarises a closed session by joining through its traces.
type SessionAggregates struct {
	TasksInvoked int          `json:"tasks_invoked"` // distinct task types
	TracesTotal  int          `json:"traces_total"`
	TracesFailed int          `json:"traces_failed"`
	Escalations  int          `json:"escalations"`
	Violations   int          `json:"violations"`
	Cost         CostCounters `json:"cost"`
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// TraceStatus is the lifecycle state of a single task trace.
type TraceStatus string

const (
	TraceRunning   TraceStatus = "running"
	TraceSuccess   TraceStatus = "success"
	TraceError     TraceStatus = "error"
	TraceTimeout   TraceStatus = "timeout"
	TraceCancelled TraceStatus = "cancelled"
)

// Terminal reports whether the status closes a trace.
func (s TraceStatus) Terminal() bool { return s != TraceRunning }

// Trace records one task execution. Created when a task executor begins
// work and closed exactly once; traces form a tree via ParentTraceID.
type Trace struct {
	ID            uuid.UUID    `json:"id"`
	SessionID     uuid.UUID    `json:"session_id"`
	ParentTraceID *uuid.UUID   `json:"parent_trace_id,omitempty"`
	TaskType      TaskType     `json:"task_type"`
	Status        TraceStatus  `json:"status"`
	StartTime     time.Time    `json:"start_time"`
	EndTime       *time.Time   `json:"end_time,omitempty"`
	Cost          CostCounters `json:"cost"`
	ErrorMessage  *string      `json:"error_message,omitempty"`
}

// Duration returns the trace duration, or zero if the trace is still open.
func (t Trace) Duration() time.Duration {
	if t.EndTime == nil {
		return 0
	}
	return t.EndTime.Sub(t.StartTime)
}

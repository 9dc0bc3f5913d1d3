package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/torii/internal/model"
)

// EventKind tags a progress event.
type EventKind string

const (
	EventPhase              EventKind = "phase"
	EventTaskSettled        EventKind = "task_settled"
	EventRegeneration       EventKind = "regeneration"
	EventPolicyDecision     EventKind = "policy_decision"
	EventEscalationOpened   EventKind = "escalation_opened"
	EventEscalationResolved EventKind = "escalation_resolved"
	EventRunFinished        EventKind = "run_finished"
)

// Event is one progress notification from a run, published as each phase
// or task settles. Consumers (the SSE broker, tests) read the fields
// relevant to the kind; the rest are zero.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID uuid.UUID `json:"session_id"`
	At        time.Time `json:"at"`

	Phase     Phase              `json:"phase,omitempty"`
	Task      model.TaskType     `json:"task,omitempty"`
	Result    model.ResultKind   `json:"result,omitempty"`
	Iteration int                `json:"iteration,omitempty"`
	Action    model.PolicyAction `json:"action,omitempty"`
	RiskScore float64            `json:"risk_score,omitempty"`

	EscalationID *uuid.UUID             `json:"escalation_id,omitempty"`
	Resolution   model.EscalationStatus `json:"resolution,omitempty"`
	ReportStatus model.ReportStatus     `json:"report_status,omitempty"`
}

// Sink receives progress events. Publish must not block: a slow consumer
// loses events, the run never waits for one.
type Sink interface {
	Publish(ev Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// ChanSink buffers events on a channel, dropping when the consumer lags.
type ChanSink struct {
	C chan Event
}

// NewChanSink creates a sink with the given buffer size.
func NewChanSink(size int) *ChanSink {
	return &ChanSink{C: make(chan Event, size)}
}

func (s *ChanSink) Publish(ev Event) {
	select {
	case s.C <- ev:
	default:
	}
}

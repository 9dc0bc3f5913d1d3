package orchestrator

import "fmt"

// Phase is one state of the run state machine.
type Phase string

const (
	// PhaseAnalytical fans out the domain analysis tasks in parallel.
	PhaseAnalytical Phase = "analytical"

	// PhaseSynthesis combines settled analysis outputs into one candidate.
	PhaseSynthesis Phase = "synthesis"

	// PhaseEvaluation scores the candidate and decides on regeneration.
	PhaseEvaluation Phase = "evaluation"

	// PhasePolicy runs the guardrail engine on the final candidate.
	PhasePolicy Phase = "policy"

	// PhaseEscalation waits on a human (or simulated) review resolution.
	PhaseEscalation Phase = "escalation"

	// PhaseDone ends a run that produced a report, whatever its
	// disposition. A rejected report still reaches Done.
	PhaseDone Phase = "done"

	// PhaseFailed ends a run killed by an infrastructure error. Poor
	// quality never leads here; only the cache, the stores, or
	// cancellation do.
	PhaseFailed Phase = "failed"
)

// Terminal reports whether the phase ends the run.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseFailed }

// Signal is an input to the state machine, produced by the run loop as
// each phase settles.
type Signal string

const (
	SignalTasksSettled   Signal = "tasks_settled"   // every analytical task reached value or error
	SignalCandidateReady Signal = "candidate_ready" // synthesis produced a candidate
	SignalRegenerate     Signal = "regenerate"      // evaluation wants another synthesis pass
	SignalAccepted       Signal = "accepted"        // evaluation passed, or the iteration bound was hit
	SignalAllowed        Signal = "allowed"         // policy allow
	SignalBlocked        Signal = "blocked"         // policy block, no escalation
	SignalEscalated      Signal = "escalated"       // policy escalate, review opened
	SignalResolved       Signal = "resolved"        // escalation reached a terminal status
	SignalInfraFailure   Signal = "infra_failure"   // cache/store failure or cancellation
)

// transitions is the complete legal transition relation. Anything absent
// is a programmer error, surfaced by Next rather than silently tolerated.
var transitions = map[Phase]map[Signal]Phase{
	PhaseAnalytical: {
		SignalTasksSettled: PhaseSynthesis,
		SignalInfraFailure: PhaseFailed,
	},
	PhaseSynthesis: {
		SignalCandidateReady: PhaseEvaluation,
		SignalInfraFailure:   PhaseFailed,
	},
	PhaseEvaluation: {
		SignalRegenerate:   PhaseSynthesis,
		SignalAccepted:     PhasePolicy,
		SignalInfraFailure: PhaseFailed,
	},
	PhasePolicy: {
		SignalAllowed:      PhaseDone,
		SignalBlocked:      PhaseDone,
		SignalEscalated:    PhaseEscalation,
		SignalInfraFailure: PhaseFailed,
	},
	PhaseEscalation: {
		SignalResolved:     PhaseDone,
		SignalInfraFailure: PhaseFailed,
	},
}

// Next is the pure transition function. It has no side effects and no
// dependencies, so the whole relation is testable without a run harness.
func Next(p Phase, s Signal) (Phase, error) {
	next, ok := transitions[p][s]
	if !ok {
		return p, fmt.Errorf("orchestrator: illegal transition: %s on %s", s, p)
	}
	return next, nil
}

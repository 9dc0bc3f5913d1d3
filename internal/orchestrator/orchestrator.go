// Package orchestrator drives one report run through an explicit state
// machine: parallel analytical fan-out, a bounded synthesis/evaluation
// regeneration loop, a policy decision, and (when policy demands it) a
// blocking human escalation. Quality problems flow through evaluation and
// policy as data; only infrastructure failures terminate a run as Failed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/torii-ai/torii/internal/escalation"
	"github.com/torii-ai/torii/internal/evaluator"
	"github.com/torii-ai/torii/internal/executor"
	"github.com/torii-ai/torii/internal/model"
	"github.com/torii-ai/torii/internal/policy"
	"github.com/torii-ai/torii/internal/tracestore"
)

// ReportStore persists the final report of a run. Optional.
type ReportStore interface {
	SaveReport(ctx context.Context, r model.Report) error
}

// Config tunes a run.
type Config struct {
	// Tasks is the analytical fan-out set. Empty means the default set.
	Tasks []model.TaskType

	// MaxIterations bounds the regeneration loop: the number of extra
	// synthesis passes allowed after the first. Zero disables
	// regeneration entirely; hitting the bound is a defined exit, not an
	// error.
	MaxIterations int

	// SessionKind labels the session row. Empty means "report".
	SessionKind string
}

// DefaultConfig returns the standard run tuning.
func DefaultConfig() Config {
	return Config{
		Tasks:         model.DefaultAnalyticalTasks,
		MaxIterations: 2,
		SessionKind:   "report",
	}
}

// Orchestrator coordinates one run at a time per Run call. It is safe for
// concurrent Run calls; all shared state lives behind the injected
// collaborators.
type Orchestrator struct {
	exec     *executor.Executor
	eval     *evaluator.Service
	policy   *policy.Engine
	escalate *escalation.Manager
	sessions tracestore.Store
	reports  ReportStore // may be nil
	sink     Sink
	cfg      Config
	logger   *slog.Logger
}

// New creates an orchestrator over the given collaborators. reports and
// sink may be nil.
func New(exec *executor.Executor, eval *evaluator.Service, eng *policy.Engine, esc *escalation.Manager, sessions tracestore.Store, reports ReportStore, sink Sink, cfg Config, logger *slog.Logger) *Orchestrator {
	if len(cfg.Tasks) == 0 {
		cfg.Tasks = model.DefaultAnalyticalTasks
	}
	if cfg.SessionKind == "" {
		cfg.SessionKind = "report"
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Orchestrator{
		exec:     exec,
		eval:     eval,
		policy:   eng,
		escalate: esc,
		sessions: sessions,
		reports:  reports,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
	}
}

var tracer = otel.Tracer("torii/orchestrator")

// RunRequest is the input to one report run.
type RunRequest struct {
	UserID      *string
	Params      map[string]any
	ContentHash string
}

// Run executes one full report run and returns the final report. The
// error return is reserved for infrastructure failures and cancellation;
// a blocked or rejected report is a nil-error return with the status on
// the report.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (model.Report, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.run")
	defer span.End()

	sess, err := o.sessions.StartSession(ctx, o.cfg.SessionKind, req.UserID)
	if err != nil {
		return model.Report{}, fmt.Errorf("orchestrator: start session: %w", err)
	}
	span.SetAttributes(attribute.String("torii.session_id", sess.ID.String()))

	phase := PhaseAnalytical
	o.emitPhase(ctx, sess.ID, phase)

	// Analytical: fan out, settle everything. Task failures come back as
	// settled results; only store failures surface as errors here.
	results, err := o.analytical(ctx, sess.ID, req)
	if err != nil {
		return o.fail(ctx, sess.ID, err)
	}
	if err := o.advance(ctx, sess.ID, &phase, SignalTasksSettled); err != nil {
		return o.fail(ctx, sess.ID, err)
	}

	// Synthesis/Evaluation loop, strictly sequential: each pass feeds the
	// previous evaluation's reasoning back into synthesis input.
	taskResults := append([]model.TaskResult(nil), results...)
	var records []model.EvaluationRecord
	var candidate string
	iteration := 0
	feedback := ""

	for {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, sess.ID, fmt.Errorf("orchestrator: run cancelled: %w", err))
		}

		res, err := o.exec.Execute(ctx, sess.ID, nil, synthesisInput(req, results, iteration, feedback))
		if err != nil {
			return o.fail(ctx, sess.ID, err)
		}
		taskResults = append(taskResults, res)
		if res.OK() {
			candidate = res.Payload
		} else {
			// A failed synthesis still yields a candidate; the structural
			// evaluator scores the gap and the loop or policy handles it.
			candidate = model.FailurePlaceholder
		}
		if err := o.advance(ctx, sess.ID, &phase, SignalCandidateReady); err != nil {
			return o.fail(ctx, sess.ID, err)
		}

		rec, err := o.evaluateOnce(ctx, sess.ID, candidate, results)
		if err != nil {
			return o.fail(ctx, sess.ID, err)
		}
		records = append(records, rec)

		if rec.RequiresReview && iteration < o.cfg.MaxIterations {
			iteration++
			feedback = rec.Reasoning
			o.sink.Publish(Event{
				Kind: EventRegeneration, SessionID: sess.ID, At: time.Now().UTC(),
				Iteration: iteration,
			})
			o.logger.Info("orchestrator: regenerating",
				"session_id", sess.ID, "iteration", iteration, "score", rec.OverallScore)
			if err := o.advance(ctx, sess.ID, &phase, SignalRegenerate); err != nil {
				return o.fail(ctx, sess.ID, err)
			}
			continue
		}
		if err := o.advance(ctx, sess.ID, &phase, SignalAccepted); err != nil {
			return o.fail(ctx, sess.ID, err)
		}
		break
	}

	// Policy on the final candidate, whatever its quality.
	last := records[len(records)-1]
	decision, err := o.policy.Evaluate(ctx, policy.Candidate{
		TraceID:    last.TraceID,
		Content:    candidate,
		Cost:       totalCost(taskResults),
		Evaluation: last,
	})
	if err != nil {
		return o.fail(ctx, sess.ID, err)
	}
	o.sink.Publish(Event{
		Kind: EventPolicyDecision, SessionID: sess.ID, At: time.Now().UTC(),
		Action: decision.Action, RiskScore: decision.RiskScore,
	})

	var status model.ReportStatus
	switch decision.Action {
	case model.ActionAllow:
		status = model.ReportApproved
		if err := o.advance(ctx, sess.ID, &phase, SignalAllowed); err != nil {
			return o.fail(ctx, sess.ID, err)
		}
	case model.ActionBlock:
		status = model.ReportRejected
		if err := o.advance(ctx, sess.ID, &phase, SignalBlocked); err != nil {
			return o.fail(ctx, sess.ID, err)
		}
	case model.ActionEscalate:
		if err := o.advance(ctx, sess.ID, &phase, SignalEscalated); err != nil {
			return o.fail(ctx, sess.ID, err)
		}
		resolved, err := o.awaitEscalation(ctx, sess.ID, candidate, &decision)
		if err != nil {
			return o.fail(ctx, sess.ID, err)
		}
		if resolved.Status.Approvedish() {
			// Approved through human review, not a clean allow.
			status = model.ReportEscalated
		} else {
			status = model.ReportRejected
		}
		if err := o.advance(ctx, sess.ID, &phase, SignalResolved); err != nil {
			return o.fail(ctx, sess.ID, err)
		}
	default:
		return o.fail(ctx, sess.ID, fmt.Errorf("orchestrator: unknown policy action %q", decision.Action))
	}

	report := model.Report{
		ID:          uuid.New(),
		SessionID:   sess.ID,
		Status:      status,
		Content:     candidate,
		Iterations:  iteration + 1,
		Decision:    decision,
		Evaluations: records,
		TaskResults: taskResults,
		CreatedAt:   time.Now().UTC(),
	}
	if o.reports != nil {
		if err := o.reports.SaveReport(ctx, report); err != nil {
			return o.fail(ctx, sess.ID, fmt.Errorf("orchestrator: save report: %w", err))
		}
	}

	if _, err := o.sessions.EndSession(ctx, sess.ID, sessionStatus(results)); err != nil {
		return o.fail(ctx, sess.ID, fmt.Errorf("orchestrator: end session: %w", err))
	}

	span.SetAttributes(attribute.String("torii.report_status", string(status)))
	o.sink.Publish(Event{
		Kind: EventRunFinished, SessionID: sess.ID, At: time.Now().UTC(),
		ReportStatus: status,
	})
	o.logger.Info("orchestrator: run finished",
		"session_id", sess.ID, "status", status, "iterations", report.Iterations)
	return report, nil
}

// analytical runs the configured domain tasks concurrently and waits for
// all of them to settle. A task that fails or times out settles as an
// error result without disturbing its siblings; an errgroup error means a
// store broke, which cancels the remaining tasks and fails the run.
func (o *Orchestrator) analytical(ctx context.Context, sessionID uuid.UUID, req RunRequest) ([]model.TaskResult, error) {
	results := make([]model.TaskResult, len(o.cfg.Tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range o.cfg.Tasks {
		g.Go(func() error {
			res, err := o.exec.Execute(gctx, sessionID, nil, model.TaskInput{
				Type:        task,
				Params:      req.Params,
				ContentHash: req.ContentHash,
			})
			if err != nil {
				return err
			}
			results[i] = res
			o.sink.Publish(Event{
				Kind: EventTaskSettled, SessionID: sessionID, At: time.Now().UTC(),
				Task: task, Result: res.Kind,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// evaluateOnce scores one candidate under its own evaluation trace. The
// evaluator itself never fails; only the trace store can error here.
func (o *Orchestrator) evaluateOnce(ctx context.Context, sessionID uuid.UUID, candidate string, results []model.TaskResult) (model.EvaluationRecord, error) {
	tr, err := o.sessions.StartTrace(ctx, sessionID, model.TaskEvaluation, nil)
	if err != nil {
		return model.EvaluationRecord{}, fmt.Errorf("orchestrator: start evaluation trace: %w", err)
	}
	rec := o.eval.Evaluate(ctx, tr.ID, candidate, dataSummary(results))
	if _, err := o.sessions.EndTrace(ctx, tr.ID, model.TraceSuccess, model.CostCounters{}, nil); err != nil {
		return model.EvaluationRecord{}, fmt.Errorf("orchestrator: end evaluation trace: %w", err)
	}
	return rec, nil
}

// awaitEscalation opens a review request for the decision and blocks
// until it resolves or ctx is cancelled. The request outlives a cancelled
// run; resolutions are never rolled back.
func (o *Orchestrator) awaitEscalation(ctx context.Context, sessionID uuid.UUID, candidate string, decision *model.PolicyDecision) (model.EscalationRequest, error) {
	req, err := o.escalate.Escalate(ctx, decision.TraceID, candidate, escalationReason(*decision), decision.RiskScore, decision.Violations)
	if err != nil {
		return model.EscalationRequest{}, err
	}
	decision.EscalationID = &req.ID
	if err := o.policy.LinkEscalation(ctx, decision.ID, req.ID); err != nil {
		return model.EscalationRequest{}, err
	}
	o.sink.Publish(Event{
		Kind: EventEscalationOpened, SessionID: sessionID, At: time.Now().UTC(),
		EscalationID: &req.ID, RiskScore: req.RiskScore,
	})

	resolved, err := o.escalate.Await(ctx, req.ID)
	if err != nil {
		return model.EscalationRequest{}, fmt.Errorf("orchestrator: await escalation: %w", err)
	}
	o.sink.Publish(Event{
		Kind: EventEscalationResolved, SessionID: sessionID, At: time.Now().UTC(),
		EscalationID: &resolved.ID, Resolution: resolved.Status,
	})
	return resolved, nil
}

// advance applies one transition and publishes the new phase.
func (o *Orchestrator) advance(ctx context.Context, sessionID uuid.UUID, p *Phase, s Signal) error {
	next, err := Next(*p, s)
	if err != nil {
		return err
	}
	*p = next
	o.emitPhase(ctx, sessionID, next)
	return nil
}

func (o *Orchestrator) emitPhase(ctx context.Context, sessionID uuid.UUID, p Phase) {
	trace.SpanFromContext(ctx).AddEvent("phase",
		trace.WithAttributes(attribute.String("torii.phase", string(p))))
	o.sink.Publish(Event{Kind: EventPhase, SessionID: sessionID, At: time.Now().UTC(), Phase: p})
	o.logger.Debug("orchestrator: phase", "session_id", sessionID, "phase", p)
}

// fail terminates the run as Failed and closes the session best-effort;
// the store being down is one of the reasons we end up here.
func (o *Orchestrator) fail(ctx context.Context, sessionID uuid.UUID, err error) (model.Report, error) {
	o.logger.Error("orchestrator: run failed", "session_id", sessionID, "error", err)
	trace.SpanFromContext(ctx).RecordError(err)
	o.emitPhase(ctx, sessionID, PhaseFailed)

	endCtx := context.WithoutCancel(ctx)
	if _, endErr := o.sessions.EndSession(endCtx, sessionID, model.SessionFatalFailure); endErr != nil && !errors.Is(endErr, tracestore.ErrAlreadyClosed) {
		o.logger.Error("orchestrator: close failed session", "session_id", sessionID, "error", endErr)
	}
	o.sink.Publish(Event{Kind: EventRunFinished, SessionID: sessionID, At: time.Now().UTC()})
	return model.Report{}, err
}

// synthesisInput assembles the synthesis task input from the settled
// analytical results. Failed domains appear as placeholders so the
// synthesis prompt and the structural evaluator both see the gap. The
// iteration number keys regeneration passes apart in the task cache.
func synthesisInput(req RunRequest, results []model.TaskResult, iteration int, feedback string) model.TaskInput {
	analyses := make(map[string]any, len(results))
	for _, r := range results {
		if r.OK() {
			analyses[string(r.Type)] = r.Payload
		} else {
			analyses[string(r.Type)] = model.FailurePlaceholder
		}
	}
	params := map[string]any{"analyses": analyses}
	if len(req.Params) > 0 {
		params["request"] = req.Params
	}
	if iteration > 0 {
		params["iteration"] = iteration
	}
	return model.TaskInput{
		Type:        model.TaskSynthesis,
		Params:      params,
		ContentHash: req.ContentHash,
		Feedback:    feedback,
	}
}

// dataSummary gives the evaluator a terse account of its source material.
func dataSummary(results []model.TaskResult) string {
	var ok, failed []string
	for _, r := range results {
		if r.OK() {
			ok = append(ok, string(r.Type))
		} else {
			failed = append(failed, string(r.Type))
		}
	}
	s := fmt.Sprintf("%d analyses", len(results))
	if len(ok) > 0 {
		s += ": " + strings.Join(ok, ", ")
	}
	if len(failed) > 0 {
		s += fmt.Sprintf("; failed: %s", strings.Join(failed, ", "))
	}
	return s
}

// escalationReason names what sent the decision to review.
func escalationReason(d model.PolicyDecision) string {
	if len(d.Violations) == 0 {
		return fmt.Sprintf("risk score %.2f at or above the escalation threshold", d.RiskScore)
	}
	names := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		names[i] = v.RuleName
	}
	return "flagged by " + strings.Join(names, ", ")
}

func totalCost(results []model.TaskResult) model.CostCounters {
	var c model.CostCounters
	for _, r := range results {
		c = c.Add(r.Cost)
	}
	return c
}

func sessionStatus(analytical []model.TaskResult) model.SessionStatus {
	for _, r := range analytical {
		if !r.OK() {
			return model.SessionPartialFailure
		}
	}
	return model.SessionSuccess
}

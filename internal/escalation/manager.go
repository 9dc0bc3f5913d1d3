package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/torii-ai/torii/internal/model"
)

// Learner receives resolution feedback for adaptive rules. Satisfied by
// the policy engine.
type Learner interface {
	Learn(ctx context.Context, ruleName string, wasFalsePositive bool) error
}

// Notifier observes escalation lifecycle transitions. Optional; used to
// feed the progress event stream and the review surface.
type Notifier interface {
	EscalationOpened(req model.EscalationRequest)
	EscalationResolved(req model.EscalationRequest)
}

// Mode selects how pending requests get resolved.
type Mode string

const (
	// ModeHuman leaves requests pending for out-of-band resolution
	// through Resolve (the review API).
	ModeHuman Mode = "human"

	// ModeAuto resolves each request after a bounded simulated review
	// delay, bounded by risk score.
	ModeAuto Mode = "auto"
)

// AutoApprovePolicy maps risk score to a simulated resolution. The
// cutoffs are configuration, not doctrine: the asymmetry between approve
// and modify is preserved from operational practice, and deployments tune
// it rather than trusting the defaults.
type AutoApprovePolicy struct {
	ApproveBelow float64       // risk below this resolves approved
	ModifyBelow  float64       // risk below this (and >= ApproveBelow) resolves approved with a caveat
	Delay        time.Duration // simulated review latency
}

// DefaultAutoApprovePolicy mirrors the historical reviewer behaviour.
func DefaultAutoApprovePolicy() AutoApprovePolicy {
	return AutoApprovePolicy{ApproveBelow: 0.5, ModifyBelow: 0.8, Delay: 50 * time.Millisecond}
}

// Config tunes the manager.
type Config struct {
	Mode          Mode
	AutoPolicy    AutoApprovePolicy
	PendingWindow time.Duration // pending requests older than this time out (fail closed)
	MaxSummaryLen int           // review package summary bound, in bytes
}

// DefaultConfig returns human-mode defaults with a 24h review window.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeHuman,
		AutoPolicy:    DefaultAutoApprovePolicy(),
		PendingWindow: 24 * time.Hour,
		MaxSummaryLen: 600,
	}
}

// Manager owns the escalation lifecycle.
type Manager struct {
	store    Store
	learner  Learner
	notifier Notifier // may be nil
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	waiters map[uuid.UUID]chan model.EscalationRequest
}

// NewManager creates an escalation manager. notifier may be nil.
func NewManager(store Store, learner Learner, notifier Notifier, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxSummaryLen <= 0 {
		cfg.MaxSummaryLen = DefaultConfig().MaxSummaryLen
	}
	return &Manager{
		store:    store,
		learner:  learner,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		waiters:  map[uuid.UUID]chan model.EscalationRequest{},
	}
}

// Escalate builds the review package, persists a pending request, and in
// auto mode schedules its simulated resolution. Each session's wait is
// independent; the simulated delay never blocks other sessions.
func (m *Manager) Escalate(ctx context.Context, traceID uuid.UUID, candidate, reason string, riskScore float64, violations []model.Violation) (model.EscalationRequest, error) {
	req := model.EscalationRequest{
		TraceID:   traceID,
		Reason:    reason,
		RiskScore: riskScore,
		Package:   m.buildPackage(candidate, reason, riskScore, violations),
	}
	req, err := m.store.Create(ctx, req)
	if err != nil {
		return model.EscalationRequest{}, fmt.Errorf("escalation: create request: %w", err)
	}

	m.mu.Lock()
	m.waiters[req.ID] = make(chan model.EscalationRequest, 1)
	m.mu.Unlock()

	m.logger.Info("escalation: opened",
		"request_id", req.ID, "seq", req.SeqNum, "risk_score", riskScore, "reason", reason)
	if m.notifier != nil {
		m.notifier.EscalationOpened(req)
	}

	if m.cfg.Mode == ModeAuto {
		go m.autoResolve(req)
	}
	return req, nil
}

// Await blocks until the request reaches a terminal state or ctx is done.
// A request resolved before Await is called returns immediately.
func (m *Manager) Await(ctx context.Context, id uuid.UUID) (model.EscalationRequest, error) {
	m.mu.Lock()
	ch, ok := m.waiters[id]
	m.mu.Unlock()
	if !ok {
		// No waiter means the request resolved (or never existed).
		return m.store.Get(ctx, id)
	}

	select {
	case req := <-ch:
		return req, nil
	case <-ctx.Done():
		return model.EscalationRequest{}, ctx.Err()
	}
}

// Resolve transitions a pending request to a terminal state, feeds the
// policy learner, and wakes the awaiting session. Resolving an
// already-terminal request returns ErrAlreadyResolved; resolutions are
// never rolled back, even when the session that opened them is cancelled.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, status model.EscalationStatus, decision, feedback *string) (model.EscalationRequest, error) {
	req, err := m.store.Resolve(ctx, id, status, decision, feedback)
	if err != nil {
		return model.EscalationRequest{}, err
	}

	m.logger.Info("escalation: resolved",
		"request_id", req.ID, "status", req.Status, "resolution_minutes", req.ResolutionMinutes())

	m.feedback(ctx, req)
	m.wake(req)
	if m.notifier != nil {
		m.notifier.EscalationResolved(req)
	}
	return req, nil
}

// ListPending exposes the review queue.
func (m *Manager) ListPending(ctx context.Context) ([]model.EscalationRequest, error) {
	return m.store.ListPending(ctx)
}

// ListByStatus returns requests in the given terminal or pending state.
func (m *Manager) ListByStatus(ctx context.Context, status model.EscalationStatus) ([]model.EscalationRequest, error) {
	return m.store.ListByStatus(ctx, status)
}

// Get returns one request.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (model.EscalationRequest, error) {
	return m.store.Get(ctx, id)
}

// SweepLoop periodically times out pending requests older than the
// configured window. Timeout is treated as rejected downstream (fail
// closed) and carries no learn signal: an unanswered request says nothing
// about whether the rule was right.
func (m *Manager) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires pending requests past the window and wakes their
// sessions.
func (m *Manager) SweepOnce(ctx context.Context) {
	if m.cfg.PendingWindow <= 0 {
		return
	}
	expired, err := m.store.ExpirePending(ctx, time.Now().Add(-m.cfg.PendingWindow))
	if err != nil {
		m.logger.Error("escalation: expire pending", "error", err)
		return
	}
	for _, req := range expired {
		m.logger.Warn("escalation: timed out waiting for review", "request_id", req.ID, "seq", req.SeqNum)
		m.wake(req)
		if m.notifier != nil {
			m.notifier.EscalationResolved(req)
		}
	}
}

// autoResolve simulates a reviewer: bounded delay, then a risk-bounded
// resolution through the normal Resolve path.
func (m *Manager) autoResolve(req model.EscalationRequest) {
	time.Sleep(m.cfg.AutoPolicy.Delay)

	var status model.EscalationStatus
	var decision string
	switch {
	case req.RiskScore < m.cfg.AutoPolicy.ApproveBelow:
		status, decision = model.EscalationApproved, "auto-approved: low risk"
	case req.RiskScore < m.cfg.AutoPolicy.ModifyBelow:
		status, decision = model.EscalationApproved, "auto-approved with caveats: moderate risk"
	default:
		status, decision = model.EscalationModified, "auto-modified: high risk, hedged recommendations applied"
	}

	if _, err := m.Resolve(context.Background(), req.ID, status, &decision, nil); err != nil {
		m.logger.Error("escalation: auto-resolve", "request_id", req.ID, "error", err)
	}
}

// feedback closes the loop between human judgment and automated policy:
// approval of an escalation raised by adaptive rules means those rules
// fired on a good report, so each one learns a false positive. Rejection
// confirms the rules and leaves thresholds untouched. Timeout teaches
// nothing.
func (m *Manager) feedback(ctx context.Context, req model.EscalationRequest) {
	if m.learner == nil {
		return
	}
	switch req.Status {
	case model.EscalationApproved, model.EscalationRejected:
	default:
		return
	}
	wasFalsePositive := req.Status == model.EscalationApproved
	for _, v := range req.Package.Violations {
		if v.RuleKind != model.RuleAdaptive {
			continue
		}
		if err := m.learner.Learn(ctx, v.RuleName, wasFalsePositive); err != nil {
			m.logger.Error("escalation: learn feedback", "rule", v.RuleName, "error", err)
		}
	}
}

func (m *Manager) wake(req model.EscalationRequest) {
	m.mu.Lock()
	ch, ok := m.waiters[req.ID]
	if ok {
		delete(m.waiters, req.ID)
	}
	m.mu.Unlock()
	if ok {
		ch <- req
	}
}

// buildPackage assembles the bounded human-readable review package.
func (m *Manager) buildPackage(candidate, reason string, riskScore float64, violations []model.Violation) model.ReviewPackage {
	summary := strings.TrimSpace(candidate)
	if len(summary) > m.cfg.MaxSummaryLen {
		// Back off to a rune boundary so the cut never leaves a partial
		// multibyte sequence.
		cut := m.cfg.MaxSummaryLen
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut] + "…"
	}

	pkg := model.ReviewPackage{
		Summary:       summary,
		RiskRationale: fmt.Sprintf("risk score %.2f: %s", riskScore, reason),
		Violations:    violations,
	}

	pkg.ProposedActions = append(pkg.ProposedActions, model.ProposedAction{
		Action:   "approve as-is",
		Tradeoff: "fastest path; accepts the flagged risk unchanged",
	})
	for _, v := range violations {
		if v.RuleKind == model.RuleAdaptive {
			pkg.ProposedActions = append(pkg.ProposedActions, model.ProposedAction{
				Action:   "approve and relax rule " + v.RuleName,
				Tradeoff: "reduces future friction for similar reports; weakens this guardrail",
			})
			break
		}
	}
	pkg.ProposedActions = append(pkg.ProposedActions,
		model.ProposedAction{
			Action:   "request modifications",
			Tradeoff: "delays delivery; produces a hedged report",
		},
		model.ProposedAction{
			Action:   "reject",
			Tradeoff: "no report ships; confirms every flagged rule",
		},
	)
	if len(pkg.ProposedActions) > 4 {
		pkg.ProposedActions = pkg.ProposedActions[:4]
	}
	return pkg
}

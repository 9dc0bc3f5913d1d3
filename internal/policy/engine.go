// Package policy implements the guardrail engine: non-overridable hard
// rules, confidence-scored adaptive rules, and the escalation feedback
// loop that relaxes adaptive thresholds on confirmed false positives.
//
// Decisions are deterministic and auditable: the same candidate against
// the same rule state always yields the same PolicyDecision, and every
// decision carries the violations and reasoning that produced it.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/torii/internal/model"
)

// Candidate is a report under policy evaluation.
type Candidate struct {
	TraceID    uuid.UUID
	Content    string
	Cost       model.CostCounters
	Evaluation model.EvaluationRecord
}

// RuleStore persists adaptive rule state. Mutated only through Learn.
type RuleStore interface {
	GetRule(ctx context.Context, name string) (model.AdaptiveRule, error)
	EnsureRule(ctx context.Context, rule model.AdaptiveRule) error
	UpdateThreshold(ctx context.Context, name string, threshold float64) error
	IncrementTrigger(ctx context.Context, name string) error
	ListRules(ctx context.Context) ([]model.AdaptiveRule, error)
}

// DecisionStore persists evaluated decisions with their violations.
type DecisionStore interface {
	SaveDecision(ctx context.Context, d model.PolicyDecision) error
	UpdateEscalationID(ctx context.Context, decisionID, escalationID uuid.UUID) error
}

// Config tunes the decision policy.
type Config struct {
	// EscalationThreshold is the risk score at or above which an otherwise
	// allowed candidate escalates to human review.
	EscalationThreshold float64

	// CostCeiling is the hard token budget per run; exceeding it is a
	// critical hard violation.
	CostCeiling int64

	// LearnStep is how much a confirmed false positive raises the
	// triggering bar of an adaptive rule.
	LearnStep float64

	// MaxThreshold caps relaxation so a rule can never be learned
	// entirely away.
	MaxThreshold float64
}

// DefaultConfig returns the standard guardrail tuning.
func DefaultConfig() Config {
	return Config{
		EscalationThreshold: 0.6,
		CostCeiling:         200_000,
		LearnStep:           0.05,
		MaxThreshold:        0.95,
	}
}

// Engine evaluates candidates against hard and adaptive rules.
type Engine struct {
	rules     RuleStore
	decisions DecisionStore // optional
	cfg       Config
	logger    *slog.Logger

	hard     []hardRule
	adaptive []adaptiveSignal
}

// NewEngine creates a policy engine and seeds default adaptive rule state
// in the store (existing thresholds are preserved).
func NewEngine(ctx context.Context, rules RuleStore, decisions DecisionStore, cfg Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		rules:     rules,
		decisions: decisions,
		cfg:       cfg,
		logger:    logger,
		hard:      builtinHardRules(cfg),
		adaptive:  builtinAdaptiveSignals(),
	}
	for _, sig := range e.adaptive {
		if err := rules.EnsureRule(ctx, model.AdaptiveRule{
			RuleName:  sig.name,
			Threshold: sig.defaultThreshold,
			IsActive:  true,
			UpdatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("policy: seed rule %s: %w", sig.name, err)
		}
	}
	return e, nil
}

// Evaluate applies all rules to the candidate and returns one decision.
//
// Decision policy: any critical hard violation blocks (short-circuit on the
// first match); a risk score at or above the escalation threshold, or any
// high/critical adaptive violation, escalates; otherwise the candidate is
// allowed. Hard rules are never retried and never learned away.
func (e *Engine) Evaluate(ctx context.Context, c Candidate) (model.PolicyDecision, error) {
	d := model.PolicyDecision{
		ID:        uuid.New(),
		TraceID:   c.TraceID,
		CreatedAt: time.Now().UTC(),
	}

	// Hard rules first; the first critical match decides.
	for _, rule := range e.hard {
		v := rule.check(c)
		if v == nil {
			continue
		}
		d.Violations = append(d.Violations, *v)
		if v.Severity == model.SeverityCritical {
			d.Action = rule.onCritical
			d.RiskScore = 1
			e.logger.Warn("policy: hard rule violation",
				"rule", v.RuleName, "action", d.Action, "trace_id", c.TraceID)
			return e.finish(ctx, d)
		}
	}

	// Adaptive rules: each contributes a weighted signal; the combination
	// is monotonic in every signal.
	var risk, weightSum float64
	escalateAdaptive := false
	for _, sig := range e.adaptive {
		rule, err := e.rules.GetRule(ctx, sig.name)
		if err != nil {
			return model.PolicyDecision{}, fmt.Errorf("policy: load rule %s: %w", sig.name, err)
		}
		score := sig.score(c)
		risk += sig.weight * score
		weightSum += sig.weight
		if !rule.IsActive || score < rule.Threshold {
			continue
		}

		sev := adaptiveSeverity(score, rule.Threshold)
		d.Violations = append(d.Violations, model.Violation{
			RuleName:  sig.name,
			RuleKind:  model.RuleAdaptive,
			Severity:  sev,
			Details:   fmt.Sprintf("signal %.2f at or above threshold %.2f", score, rule.Threshold),
			Reasoning: sig.reasoning,
		})
		if sev == model.SeverityHigh || sev == model.SeverityCritical {
			escalateAdaptive = true
		}
		if err := e.rules.IncrementTrigger(ctx, sig.name); err != nil {
			return model.PolicyDecision{}, fmt.Errorf("policy: record trigger %s: %w", sig.name, err)
		}
	}
	if weightSum > 0 {
		d.RiskScore = risk / weightSum
	}

	switch {
	case d.RiskScore >= e.cfg.EscalationThreshold, escalateAdaptive:
		d.Action = model.ActionEscalate
	default:
		d.Action = model.ActionAllow
	}
	return e.finish(ctx, d)
}

func (e *Engine) finish(ctx context.Context, d model.PolicyDecision) (model.PolicyDecision, error) {
	if e.decisions != nil {
		if err := e.decisions.SaveDecision(ctx, d); err != nil {
			return model.PolicyDecision{}, fmt.Errorf("policy: save decision: %w", err)
		}
	}
	e.logger.Info("policy: decision",
		"action", d.Action, "risk_score", d.RiskScore, "violations", len(d.Violations), "trace_id", d.TraceID)
	return d, nil
}

// LinkEscalation records on a saved decision the escalation it opened, so
// the audit trail joins a decision to its review outcome.
func (e *Engine) LinkEscalation(ctx context.Context, decisionID, escalationID uuid.UUID) error {
	if e.decisions == nil {
		return nil
	}
	if err := e.decisions.UpdateEscalationID(ctx, decisionID, escalationID); err != nil {
		return fmt.Errorf("policy: link escalation: %w", err)
	}
	return nil
}

// Learn processes one resolved escalation for the named adaptive rule. A
// false positive relaxes the rule by raising its triggering threshold; a
// true positive leaves the threshold untouched (tightening is a deliberate
// operator action, never automatic).
func (e *Engine) Learn(ctx context.Context, ruleName string, wasFalsePositive bool) error {
	if !wasFalsePositive {
		return nil
	}
	rule, err := e.rules.GetRule(ctx, ruleName)
	if err != nil {
		return fmt.Errorf("policy: learn %s: %w", ruleName, err)
	}
	next := min(rule.Threshold+e.cfg.LearnStep, e.cfg.MaxThreshold)
	if next == rule.Threshold {
		return nil
	}
	if err := e.rules.UpdateThreshold(ctx, ruleName, next); err != nil {
		return fmt.Errorf("policy: learn %s: %w", ruleName, err)
	}
	e.logger.Info("policy: threshold relaxed on false positive",
		"rule", ruleName, "from", rule.Threshold, "to", next)
	return nil
}

// AdaptiveRuleNames lists the engine's adaptive rules, for callbacks that
// map violations back to learnable rules.
func (e *Engine) AdaptiveRuleNames() []string {
	names := make([]string, len(e.adaptive))
	for i, s := range e.adaptive {
		names[i] = s.name
	}
	return names
}

// adaptiveSeverity grades an adaptive violation by its exceedance margin.
func adaptiveSeverity(score, threshold float64) model.Severity {
	switch margin := score - threshold; {
	case score >= 0.95:
		return model.SeverityCritical
	case margin >= 0.15:
		return model.SeverityHigh
	case margin >= 0.05:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

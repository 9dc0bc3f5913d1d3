package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/torii-ai/torii/internal/model"
)

// hardRule is a fixed, never user-adjustable check. A critical match
// short-circuits evaluation to onCritical.
type hardRule struct {
	name       string
	onCritical model.PolicyAction
	check      func(Candidate) *model.Violation
}

// Patterns for sensitive personal data. Deliberately conservative: a false
// block is recoverable through review, leaked personal data is not.
var (
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
)

// claimPattern matches assertive unsourced claim phrasing. A report using
// these without any citation marker is treated as ungrounded.
var claimPattern = regexp.MustCompile(`(?i)\b(proves?|guarantees?|certainly|definitely|always|never) \w+`)

func builtinHardRules(cfg Config) []hardRule {
	return []hardRule{
		{
			name:       "sensitive_personal_data",
			onCritical: model.ActionBlock,
			check: func(c Candidate) *model.Violation {
				var kinds []string
				if ssnPattern.MatchString(c.Content) {
					kinds = append(kinds, "ssn")
				}
				if cardPattern.MatchString(c.Content) {
					kinds = append(kinds, "card_number")
				}
				if emailPattern.MatchString(c.Content) {
					kinds = append(kinds, "email")
				}
				if len(kinds) == 0 {
					return nil
				}
				return &model.Violation{
					RuleName:  "sensitive_personal_data",
					RuleKind:  model.RuleHard,
					Severity:  model.SeverityCritical,
					Details:   "detected: " + strings.Join(kinds, ", "),
					Reasoning: "reports must not carry personal identifiers; redaction happens upstream, never in the report",
				}
			},
		},
		{
			name:       "ungrounded_claims",
			onCritical: model.ActionEscalate,
			check: func(c Candidate) *model.Violation {
				claims := claimPattern.FindAllString(c.Content, 4)
				if len(claims) == 0 {
					return nil
				}
				if hasCitation(c.Content) {
					return nil
				}
				return &model.Violation{
					RuleName:  "ungrounded_claims",
					RuleKind:  model.RuleHard,
					Severity:  model.SeverityCritical,
					Details:   "unsupported claims with no citation: " + strings.Join(claims, "; "),
					Reasoning: "absolute claims require at least one grounded citation",
				}
			},
		},
		{
			name:       "cost_ceiling",
			onCritical: model.ActionBlock,
			check: func(c Candidate) *model.Violation {
				if cfg.CostCeiling <= 0 || c.Cost.Total() <= cfg.CostCeiling {
					return nil
				}
				return &model.Violation{
					RuleName:  "cost_ceiling",
					RuleKind:  model.RuleHard,
					Severity:  model.SeverityCritical,
					Details:   fmt.Sprintf("run consumed %d tokens against a ceiling of %d", c.Cost.Total(), cfg.CostCeiling),
					Reasoning: "runaway cost is an operational hazard regardless of report quality",
				}
			},
		},
	}
}

func hasCitation(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "source:") ||
		strings.Contains(lower, "[source") ||
		strings.Contains(lower, "according to") ||
		strings.Contains(lower, "citation")
}

// adaptiveSignal computes one 0..1 risk signal from a candidate. The
// threshold lives in the RuleStore; the signal and weight are fixed.
type adaptiveSignal struct {
	name             string
	weight           float64
	defaultThreshold float64
	reasoning        string
	score            func(Candidate) float64
}

var hedgeWords = []string{"may ", "might ", "possibly", "perhaps", "unclear", "likely", "appears to", "seems to"}

func builtinAdaptiveSignals() []adaptiveSignal {
	return []adaptiveSignal{
		{
			name:             "speculative_language",
			weight:           0.35,
			defaultThreshold: 0.7,
			reasoning:        "heavy hedging suggests the analysis lacks grounding in the source data",
			score: func(c Candidate) float64 {
				words := len(strings.Fields(c.Content))
				if words == 0 {
					return 1
				}
				hedges := 0
				lower := strings.ToLower(c.Content)
				for _, w := range hedgeWords {
					hedges += strings.Count(lower, w)
				}
				// 1 hedge per 25 words saturates the signal.
				return min(float64(hedges)*25/float64(words), 1)
			},
		},
		{
			name:             "quality_shortfall",
			weight:           0.40,
			defaultThreshold: 0.7,
			reasoning:        "the quality evaluator scored this candidate poorly even after regeneration",
			score: func(c Candidate) float64 {
				return 1 - c.Evaluation.OverallScore
			},
		},
		{
			name:             "data_gaps",
			weight:           0.25,
			defaultThreshold: 0.5,
			reasoning:        "failed domain analyses left gaps in the synthesized report",
			score: func(c Candidate) float64 {
				gaps := strings.Count(c.Content, model.FailurePlaceholder)
				// Two or more gaps saturate the signal.
				return min(float64(gaps)/2, 1)
			},
		},
	}
}

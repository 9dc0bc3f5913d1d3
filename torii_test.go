package torii

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/torii/internal/tracestore"
)

type countingAnalyzer struct {
	calls atomic.Int64
}

func (a *countingAnalyzer) ModelID() string { return "test-model" }

func (a *countingAnalyzer) Analyze(_ context.Context, in TaskInput) (AnalysisResponse, error) {
	a.calls.Add(1)
	payload := fmt.Sprintf("%s: revenue grew 4.2%% quarter over quarter. Source: finance ledger Q3.", in.Type)
	prompt := fmt.Sprintf("task=%s", in.Type)
	return AnalysisResponse{
		Payload: payload,
		Prompt:  prompt,
		Cost:    Cost{InputTokens: 100, OutputTokens: 50, Calls: 1},
	}, nil
}

type approvingEvaluator struct{}

func (approvingEvaluator) Evaluate(context.Context, string, string) (Evaluation, error) {
	return Evaluation{
		DimensionScores: map[string]float64{"accuracy": 0.92, "completeness": 0.9},
		OverallScore:    0.91,
		Reasoning:       "grounded and complete",
	}, nil
}

type collectingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectingSink) Publish(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *collectingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func TestNewRequiresAnalyzer(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analyzer is required")
}

func TestRunReportEndToEnd(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	an := &countingAnalyzer{}
	sink := &collectingSink{}
	app, err := New(
		WithAnalyzer(an),
		WithEvaluator(approvingEvaluator{}),
		WithEventSink(sink),
	)
	require.NoError(t, err)

	ctx := context.Background()
	req := ReportRequest{Params: map[string]any{"period": "Q3"}, ContentHash: "abc123"}

	rep, err := app.RunReport(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "approved", rep.Status)
	assert.Equal(t, "allow", rep.Action)
	assert.Equal(t, 1, rep.Iterations)
	assert.NotEmpty(t, rep.Content)
	assert.Empty(t, rep.Violations)
	assert.NotEqual(t, rep.ID, rep.SessionID)

	// Four analytical tasks plus one synthesis.
	assert.Equal(t, int64(5), an.calls.Load())

	kinds := sink.kinds()
	assert.Contains(t, kinds, "phase")
	assert.Contains(t, kinds, "task_settled")
	assert.Contains(t, kinds, "policy_decision")
	assert.Contains(t, kinds, "run_finished")

	// An identical run is served entirely from the task cache.
	rep2, err := app.RunReport(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "approved", rep2.Status)
	assert.Equal(t, int64(5), an.calls.Load())

	stats := app.CacheStats()
	assert.GreaterOrEqual(t, stats.Hits, int64(5))
}

func TestRunReportBlocksPersonalData(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	app, err := New(
		WithAnalyzer(leakyAnalyzer{}),
		WithEvaluator(approvingEvaluator{}),
	)
	require.NoError(t, err)

	rep, err := app.RunReport(context.Background(), ReportRequest{Params: map[string]any{"period": "Q3"}})
	require.NoError(t, err)
	assert.Equal(t, "rejected", rep.Status)
	assert.Equal(t, "block", rep.Action)
	require.NotEmpty(t, rep.Violations)
	assert.Equal(t, "sensitive_personal_data", rep.Violations[0].RuleName)
	assert.Equal(t, "critical", rep.Violations[0].Severity)
}

func TestRunReportEscalationCountedInSessionAudit(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("TORII_ESCALATION_MODE", "auto")
	t.Setenv("TORII_AUTO_REVIEW_DELAY", "1ms")

	app, err := New(
		WithAnalyzer(overreachingAnalyzer{}),
		WithEvaluator(approvingEvaluator{}),
	)
	require.NoError(t, err)

	rep, err := app.RunReport(context.Background(), ReportRequest{Params: map[string]any{"period": "Q3"}})
	require.NoError(t, err)
	assert.Equal(t, "escalated", rep.Status)
	require.NotEmpty(t, rep.Violations)

	// The closed session's audit counters see the escalation and the
	// violations behind it, same as the SQL joins would.
	mem, ok := app.traces.(*tracestore.MemoryStore)
	require.True(t, ok)
	sess, ok := mem.Session(rep.SessionID)
	require.True(t, ok)
	require.NotNil(t, sess.EndTime)
	assert.Positive(t, sess.Aggregates.Escalations)
	assert.Positive(t, sess.Aggregates.Violations)
}

type leakyAnalyzer struct{}

func (leakyAnalyzer) ModelID() string { return "leaky" }

func (leakyAnalyzer) Analyze(_ context.Context, in TaskInput) (AnalysisResponse, error) {
	return AnalysisResponse{
		Payload: fmt.Sprintf("%s: contact the filer at 123-45-6789 for detail. Source: intake form.", in.Type),
		Prompt:  "p-" + in.Type,
		Cost:    Cost{Calls: 1},
	}, nil
}

// overreachingAnalyzer writes absolute claims with no citation, which
// sends every run to review.
type overreachingAnalyzer struct{}

func (overreachingAnalyzer) ModelID() string { return "overreaching" }

func (overreachingAnalyzer) Analyze(_ context.Context, in TaskInput) (AnalysisResponse, error) {
	return AnalysisResponse{
		Payload: fmt.Sprintf("%s: the new pricing definitely improves retention in every segment.", in.Type),
		Prompt:  "p-" + in.Type,
		Cost:    Cost{Calls: 1},
	}, nil
}

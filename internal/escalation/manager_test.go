package escalation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/torii/internal/model"
)

type recordingLearner struct {
	mu    sync.Mutex
	calls []learnCall
}

type learnCall struct {
	rule          string
	falsePositive bool
}

func (l *recordingLearner) Learn(_ context.Context, rule string, fp bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, learnCall{rule, fp})
	return nil
}

func (l *recordingLearner) snapshot() []learnCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]learnCall(nil), l.calls...)
}

func adaptiveViolation(rule string) model.Violation {
	return model.Violation{
		RuleName: rule,
		RuleKind: model.RuleAdaptive,
		Severity: model.SeverityHigh,
		Details:  "signal above threshold",
	}
}

func newHumanManager(t *testing.T) (*Manager, *MemoryStore, *recordingLearner) {
	t.Helper()
	store := NewMemoryStore()
	learner := &recordingLearner{}
	m := NewManager(store, learner, nil, DefaultConfig(), slog.Default())
	return m, store, learner
}

func TestEscalateCreatesPendingRequest(t *testing.T) {
	m, _, _ := newHumanManager(t)
	ctx := context.Background()

	req, err := m.Escalate(ctx, uuid.New(), "candidate body", "risk above threshold", 0.7, []model.Violation{adaptiveViolation("quality_shortfall")})
	require.NoError(t, err)

	assert.Equal(t, model.EscalationPending, req.Status)
	assert.Equal(t, int64(1), req.SeqNum)
	assert.NotEmpty(t, req.Package.Summary)
	assert.NotEmpty(t, req.Package.RiskRationale)
	assert.Len(t, req.Package.Violations, 1)
	assert.LessOrEqual(t, len(req.Package.ProposedActions), 4)

	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReviewPackageSummaryBounded(t *testing.T) {
	m, _, _ := newHumanManager(t)

	long := strings.Repeat("x", 10_000)
	req, err := m.Escalate(context.Background(), uuid.New(), long, "r", 0.7, nil)
	require.NoError(t, err)
	assert.Less(t, len(req.Package.Summary), 1000)
}

func TestReviewPackageSummaryCutsOnRuneBoundary(t *testing.T) {
	m, _, _ := newHumanManager(t)

	// 600-byte bound lands mid-rune: "é" is two bytes and 599 is odd.
	long := "x" + strings.Repeat("é", 5_000)
	req, err := m.Escalate(context.Background(), uuid.New(), long, "r", 0.7, nil)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(req.Package.Summary))
	assert.LessOrEqual(t, len(req.Package.Summary), 600+len("…"))
}

func TestResolveExactlyOnce(t *testing.T) {
	m, _, _ := newHumanManager(t)
	ctx := context.Background()

	req, err := m.Escalate(ctx, uuid.New(), "body", "r", 0.7, nil)
	require.NoError(t, err)

	decision := "looks fine"
	resolved, err := m.Resolve(ctx, req.ID, model.EscalationApproved, &decision, nil)
	require.NoError(t, err)
	assert.Equal(t, model.EscalationApproved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = m.Resolve(ctx, req.ID, model.EscalationRejected, nil, nil)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	// The stored state kept the first resolution.
	got, err := m.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscalationApproved, got.Status)
}

func TestResolveRejectsNonTerminalStatus(t *testing.T) {
	m, _, _ := newHumanManager(t)
	req, err := m.Escalate(context.Background(), uuid.New(), "body", "r", 0.7, nil)
	require.NoError(t, err)

	_, err = m.Resolve(context.Background(), req.ID, model.EscalationPending, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidResolution)
}

func TestAwaitBlocksUntilResolution(t *testing.T) {
	m, _, _ := newHumanManager(t)
	ctx := context.Background()

	req, err := m.Escalate(ctx, uuid.New(), "body", "r", 0.7, nil)
	require.NoError(t, err)

	done := make(chan model.EscalationRequest, 1)
	go func() {
		resolved, err := m.Await(ctx, req.ID)
		assert.NoError(t, err)
		done <- resolved
	}()

	time.Sleep(10 * time.Millisecond)
	_, err = m.Resolve(ctx, req.ID, model.EscalationRejected, nil, nil)
	require.NoError(t, err)

	select {
	case resolved := <-done:
		assert.Equal(t, model.EscalationRejected, resolved.Status)
	case <-time.After(time.Second):
		t.Fatal("Await did not return after resolution")
	}
}

func TestApprovalFeedsFalsePositiveToLearner(t *testing.T) {
	m, _, learner := newHumanManager(t)
	ctx := context.Background()

	req, err := m.Escalate(ctx, uuid.New(), "body", "r", 0.7, []model.Violation{
		adaptiveViolation("quality_shortfall"),
		{RuleName: "cost_ceiling", RuleKind: model.RuleHard, Severity: model.SeverityCritical},
	})
	require.NoError(t, err)

	_, err = m.Resolve(ctx, req.ID, model.EscalationApproved, nil, nil)
	require.NoError(t, err)

	calls := learner.snapshot()
	require.Len(t, calls, 1, "hard rules never learn")
	assert.Equal(t, learnCall{"quality_shortfall", true}, calls[0])
}

func TestRejectionFeedsTruePositive(t *testing.T) {
	m, _, learner := newHumanManager(t)
	ctx := context.Background()

	req, err := m.Escalate(ctx, uuid.New(), "body", "r", 0.7, []model.Violation{adaptiveViolation("data_gaps")})
	require.NoError(t, err)
	_, err = m.Resolve(ctx, req.ID, model.EscalationRejected, nil, nil)
	require.NoError(t, err)

	calls := learner.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, learnCall{"data_gaps", false}, calls[0])
}

func TestAutoModeResolvesByRisk(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultConfig()
	cfg.Mode = ModeAuto
	cfg.AutoPolicy = AutoApprovePolicy{ApproveBelow: 0.5, ModifyBelow: 0.8, Delay: time.Millisecond}
	m := NewManager(store, nil, nil, cfg, slog.Default())
	ctx := context.Background()

	tests := []struct {
		risk float64
		want model.EscalationStatus
	}{
		{0.2, model.EscalationApproved},
		{0.6, model.EscalationApproved},
		{0.9, model.EscalationModified},
	}
	for _, tc := range tests {
		req, err := m.Escalate(ctx, uuid.New(), "body", "r", tc.risk, nil)
		require.NoError(t, err)

		resolved, err := m.Await(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, tc.want, resolved.Status, "risk %.1f", tc.risk)
		require.NotNil(t, resolved.HumanDecision)
	}
}

func TestSweepTimesOutStalePending(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultConfig()
	cfg.PendingWindow = time.Hour
	learner := &recordingLearner{}
	m := NewManager(store, learner, nil, cfg, slog.Default())
	ctx := context.Background()

	// Create a request backdated beyond the window.
	now := time.Now()
	store.SetClock(func() time.Time { return now.Add(-2 * time.Hour) })
	req, err := m.Escalate(ctx, uuid.New(), "body", "r", 0.7, []model.Violation{adaptiveViolation("data_gaps")})
	require.NoError(t, err)
	store.SetClock(time.Now)

	awaitDone := make(chan model.EscalationRequest, 1)
	go func() {
		resolved, err := m.Await(ctx, req.ID)
		assert.NoError(t, err)
		awaitDone <- resolved
	}()
	time.Sleep(10 * time.Millisecond)

	m.SweepOnce(ctx)

	select {
	case resolved := <-awaitDone:
		assert.Equal(t, model.EscalationTimeout, resolved.Status)
		assert.False(t, resolved.Status.Approvedish(), "timeout fails closed")
	case <-time.After(time.Second):
		t.Fatal("Await did not return after sweep")
	}

	assert.Empty(t, learner.snapshot(), "timeout carries no learn signal")

	// A timed-out request is terminal.
	_, err = m.Resolve(ctx, req.ID, model.EscalationApproved, nil, nil)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestCountEscalationsJoinsTraceIDs(t *testing.T) {
	m, store, _ := newHumanManager(t)
	ctx := context.Background()

	traceA, traceB := uuid.New(), uuid.New()
	_, err := m.Escalate(ctx, traceA, "body", "r", 0.7, nil)
	require.NoError(t, err)
	_, err = m.Escalate(ctx, traceB, "body", "r", 0.7, nil)
	require.NoError(t, err)

	n, err := store.CountEscalations(ctx, []uuid.UUID{traceA})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

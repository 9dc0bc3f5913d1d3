package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/torii/internal/analyzer"
	"github.com/torii-ai/torii/internal/cache"
	"github.com/torii-ai/torii/internal/model"
	"github.com/torii-ai/torii/internal/tracestore"
)

// stubAnalyzer scripts per-call behaviour.
type stubAnalyzer struct {
	mu      sync.Mutex
	calls   atomic.Int64
	respond func(call int64, in model.TaskInput) (analyzer.Response, error)
	block   time.Duration
}

func (s *stubAnalyzer) Analyze(ctx context.Context, in model.TaskInput) (analyzer.Response, error) {
	n := s.calls.Add(1)
	if s.block > 0 {
		select {
		case <-time.After(s.block):
		case <-ctx.Done():
			return analyzer.Response{}, analyzer.NewError(analyzer.ClassTransient, "analyze", ctx.Err())
		}
	}
	s.mu.Lock()
	respond := s.respond
	s.mu.Unlock()
	return respond(n, in)
}

func (s *stubAnalyzer) ModelID() string { return "stub-model" }

func okAnalyzer(payload string) *stubAnalyzer {
	return &stubAnalyzer{respond: func(int64, model.TaskInput) (analyzer.Response, error) {
		return analyzer.Response{Payload: payload, Prompt: "p", Cost: model.CostCounters{InputTokens: 10, OutputTokens: 5, Calls: 1}}, nil
	}}
}

func testHarness(t *testing.T, a analyzer.Analyzer, cfg Config) (*Executor, *cache.MemoryStore, *tracestore.MemoryStore, model.Session) {
	t.Helper()
	cs := cache.NewMemoryStore()
	ts := tracestore.NewMemoryStore()
	ex := New(a, cs, ts, cfg, slog.Default())
	sess, err := ts.StartSession(context.Background(), "test", nil)
	require.NoError(t, err)
	return ex, cs, ts, sess
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = analyzer.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return cfg
}

func input() model.TaskInput {
	return model.TaskInput{Type: model.TaskRevenue, Params: map[string]any{"quarter": "Q1"}}
}

func TestExecuteSuccessOpensAndClosesTrace(t *testing.T) {
	a := okAnalyzer("result")
	ex, _, ts, sess := testHarness(t, a, fastConfig())

	res, err := ex.Execute(context.Background(), sess.ID, nil, input())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "result", res.Payload)
	assert.False(t, res.Cached)
	assert.Equal(t, int64(15), res.Cost.Total())

	traces, err := ts.SessionTraces(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, model.TraceSuccess, traces[0].Status)
	require.NotNil(t, traces[0].EndTime)
}

func TestExecuteSecondCallHitsTaskCache(t *testing.T) {
	a := okAnalyzer("result")
	ex, cs, _, sess := testHarness(t, a, fastConfig())
	ctx := context.Background()

	_, err := ex.Execute(ctx, sess.ID, nil, input())
	require.NoError(t, err)
	res, err := ex.Execute(ctx, sess.ID, nil, input())
	require.NoError(t, err)

	assert.True(t, res.Cached)
	assert.Equal(t, int64(1), a.calls.Load(), "one analyzer call for two executions")
	assert.Equal(t, int64(1), cs.Stats().Hits)
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	a := &stubAnalyzer{respond: func(call int64, _ model.TaskInput) (analyzer.Response, error) {
		if call < 3 {
			return analyzer.Response{}, analyzer.NewError(analyzer.ClassTransient, "analyze", errors.New("overloaded"))
		}
		return analyzer.Response{Payload: "finally", Cost: model.CostCounters{Calls: 1}}, nil
	}}
	ex, _, _, sess := testHarness(t, a, fastConfig())

	res, err := ex.Execute(context.Background(), sess.ID, nil, input())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, int64(3), a.calls.Load())
}

func TestExecuteCapturesExhaustedRetries(t *testing.T) {
	a := &stubAnalyzer{respond: func(int64, model.TaskInput) (analyzer.Response, error) {
		return analyzer.Response{}, analyzer.NewError(analyzer.ClassTransient, "analyze", errors.New("overloaded"))
	}}
	ex, _, ts, sess := testHarness(t, a, fastConfig())

	res, err := ex.Execute(context.Background(), sess.ID, nil, input())
	require.NoError(t, err, "task failure is captured, not raised")
	assert.Equal(t, model.ResultError, res.Kind)
	assert.Equal(t, int64(3), a.calls.Load())

	traces, _ := ts.SessionTraces(context.Background(), sess.ID)
	require.Len(t, traces, 1)
	assert.Equal(t, model.TraceError, traces[0].Status)
	require.NotNil(t, traces[0].ErrorMessage)
}

func TestExecuteValidationErrorNoRetry(t *testing.T) {
	a := &stubAnalyzer{respond: func(int64, model.TaskInput) (analyzer.Response, error) {
		return analyzer.Response{}, analyzer.NewError(analyzer.ClassValidation, "analyze", errors.New("bad params"))
	}}
	ex, _, _, sess := testHarness(t, a, fastConfig())

	res, err := ex.Execute(context.Background(), sess.ID, nil, input())
	require.NoError(t, err)
	assert.Equal(t, model.ResultError, res.Kind)
	assert.Equal(t, int64(1), a.calls.Load())
}

func TestExecuteUnparsableResponse(t *testing.T) {
	a := &stubAnalyzer{respond: func(int64, model.TaskInput) (analyzer.Response, error) {
		return analyzer.Response{}, analyzer.NewError(analyzer.ClassUnparsable, "analyze", errors.New("schema mismatch"))
	}}
	ex, _, _, sess := testHarness(t, a, fastConfig())

	res, err := ex.Execute(context.Background(), sess.ID, nil, input())
	require.NoError(t, err)
	assert.Equal(t, model.ResultUnparsable, res.Kind)
}

func TestExecuteTimeoutCaptured(t *testing.T) {
	a := &stubAnalyzer{block: time.Second}
	a.respond = func(int64, model.TaskInput) (analyzer.Response, error) {
		return analyzer.Response{Payload: "late"}, nil
	}
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.TaskTimeout = 20 * time.Millisecond
	ex, _, ts, sess := testHarness(t, a, cfg)

	res, err := ex.Execute(context.Background(), sess.ID, nil, input())
	require.NoError(t, err, "a hang becomes a captured error, not a run failure")
	assert.Equal(t, model.ResultError, res.Kind)

	traces, _ := ts.SessionTraces(context.Background(), sess.ID)
	require.Len(t, traces, 1)
	assert.Equal(t, model.TraceTimeout, traces[0].Status)
}

func TestExecuteSingleflightDeduplicates(t *testing.T) {
	a := &stubAnalyzer{block: 30 * time.Millisecond}
	a.respond = func(int64, model.TaskInput) (analyzer.Response, error) {
		return analyzer.Response{Payload: "shared", Cost: model.CostCounters{Calls: 1}}, nil
	}
	ex, _, _, sess := testHarness(t, a, fastConfig())
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make([]model.TaskResult, n)
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			res, err := ex.Execute(ctx, sess.ID, nil, input())
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), a.calls.Load(), "concurrent identical inputs share one invocation")
	for _, r := range results {
		assert.Equal(t, "shared", r.Payload)
	}
}

func TestExecuteInfraFailureSurfacesAsError(t *testing.T) {
	a := okAnalyzer("result")
	cs := cache.NewMemoryStore()
	ts := tracestore.NewMemoryStore()
	ex := New(a, cs, ts, fastConfig(), slog.Default())

	// Unknown session: StartTrace fails, which is an infrastructure
	// failure of the store, not a task failure.
	_, err := ex.Execute(context.Background(), uuid.New(), nil, input())
	require.Error(t, err)
	assert.ErrorIs(t, err, tracestore.ErrNotFound)
}

// preparedAnalyzer additionally pre-renders prompts, enabling call-tier caching.
type preparedAnalyzer struct {
	stubAnalyzer
	prompt func(in model.TaskInput) string
}

func (p *preparedAnalyzer) PreparePrompt(_ context.Context, in model.TaskInput) (string, error) {
	return p.prompt(in), nil
}

func TestExecuteCallTierSharedAcrossInputs(t *testing.T) {
	// Two distinct task inputs render to the same prompt; the second
	// execution must be served from the call tier without an analyzer call.
	a := &preparedAnalyzer{prompt: func(model.TaskInput) string { return "same prompt" }}
	a.respond = func(int64, model.TaskInput) (analyzer.Response, error) {
		return analyzer.Response{Payload: "out", Cost: model.CostCounters{Calls: 1}}, nil
	}
	ex, _, _, sess := testHarness(t, a, fastConfig())
	ctx := context.Background()

	in1 := model.TaskInput{Type: model.TaskRevenue, Params: map[string]any{"quarter": "Q1"}}
	in2 := model.TaskInput{Type: model.TaskRevenue, Params: map[string]any{"quarter": "Q1"}, Feedback: "tighten wording"}
	require.NotEqual(t, cache.TaskFingerprint(in1), cache.TaskFingerprint(in2))

	_, err := ex.Execute(ctx, sess.ID, nil, in1)
	require.NoError(t, err)
	res2, err := ex.Execute(ctx, sess.ID, nil, in2)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.calls.Load())
	assert.Equal(t, "out", res2.Payload)
}

func TestExecuteDifferentInputsDifferentEntries(t *testing.T) {
	calls := map[string]int{}
	var mu sync.Mutex
	a := &stubAnalyzer{}
	a.respond = func(_ int64, in model.TaskInput) (analyzer.Response, error) {
		mu.Lock()
		calls[fmt.Sprint(in.Params["quarter"])]++
		mu.Unlock()
		return analyzer.Response{Payload: fmt.Sprint("report-", in.Params["quarter"])}, nil
	}
	ex, _, _, sess := testHarness(t, a, fastConfig())
	ctx := context.Background()

	r1, err := ex.Execute(ctx, sess.ID, nil, model.TaskInput{Type: model.TaskRevenue, Params: map[string]any{"quarter": "Q1"}})
	require.NoError(t, err)
	r2, err := ex.Execute(ctx, sess.ID, nil, model.TaskInput{Type: model.TaskRevenue, Params: map[string]any{"quarter": "Q2"}})
	require.NoError(t, err)

	assert.Equal(t, "report-Q1", r1.Payload)
	assert.Equal(t, "report-Q2", r2.Payload)
	assert.Equal(t, int64(2), a.calls.Load())
}

// Package executor wraps one analyzer invocation with cache lookup, trace
// open/close, timing, retry, and error classification. It is the only
// place that talks to the analyzer, so every call is traced, budgeted,
// and cache-addressed the same way.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/torii-ai/torii/internal/analyzer"
	"github.com/torii-ai/torii/internal/cache"
	"github.com/torii-ai/torii/internal/model"
	"github.com/torii-ai/torii/internal/tracestore"
)

// PromptPreparer is implemented by analyzers that can render the raw
// prompt without invoking the model. It enables the call-tier cache:
// distinct task inputs that collapse to the same prompt share one model
// invocation.
type PromptPreparer interface {
	PreparePrompt(ctx context.Context, in model.TaskInput) (string, error)
}

// Config tunes the executor.
type Config struct {
	Retry       analyzer.RetryPolicy
	TaskTimeout time.Duration // per-task deadline; converts a hang into a captured timeout
	TaskTTL     time.Duration // task-tier cache TTL
	CallTTL     time.Duration // call-tier cache TTL
}

// DefaultConfig returns the standard executor tuning.
func DefaultConfig() Config {
	return Config{
		Retry:       analyzer.DefaultRetryPolicy(),
		TaskTimeout: 2 * time.Minute,
		TaskTTL:     time.Hour,
		CallTTL:     15 * time.Minute,
	}
}

// Executor runs analysis tasks.
type Executor struct {
	analyzer analyzer.Analyzer
	cache    cache.Store
	traces   tracestore.Store
	cfg      Config
	logger   *slog.Logger

	flight singleflight.Group
}

// New creates an executor over the given collaborators.
func New(a analyzer.Analyzer, c cache.Store, t tracestore.Store, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{analyzer: a, cache: c, traces: t, cfg: cfg, logger: logger}
}

// flightResult is the value shared between deduplicated callers.
type flightResult struct {
	payload string
	cost    model.CostCounters
}

// Execute runs one task: trace open, cache lookup, analyzer invocation
// with retries, cache write, trace close. The returned TaskResult is
// always settled (value, error, or unparsable); the error return is
// reserved for infrastructure failures of the cache or trace store, which
// are the only conditions that should fail a whole run.
func (e *Executor) Execute(ctx context.Context, sessionID uuid.UUID, parent *uuid.UUID, in model.TaskInput) (model.TaskResult, error) {
	tr, err := e.traces.StartTrace(ctx, sessionID, in.Type, parent)
	if err != nil {
		return model.TaskResult{}, fmt.Errorf("executor: start trace: %w", err)
	}
	start := time.Now()

	res, infraErr := e.execute(ctx, in)
	res.Type = in.Type
	res.Duration = time.Since(start)

	if infraErr != nil {
		msg := infraErr.Error()
		if _, err := e.traces.EndTrace(ctx, tr.ID, model.TraceError, res.Cost, &msg); err != nil {
			e.logger.Error("executor: close trace after infra failure", "trace_id", tr.ID, "error", err)
		}
		return model.TaskResult{}, infraErr
	}

	status := model.TraceSuccess
	var errMsg *string
	if !res.OK() {
		status = traceStatusFor(ctx, res)
		errMsg = &res.Err
	}
	if _, err := e.traces.EndTrace(ctx, tr.ID, status, res.Cost, errMsg); err != nil {
		return model.TaskResult{}, fmt.Errorf("executor: end trace: %w", err)
	}

	e.logger.Debug("executor: task settled",
		"task", in.Type, "kind", res.Kind, "cached", res.Cached,
		"duration_ms", res.Duration.Milliseconds(), "trace_id", tr.ID)
	return res, nil
}

// execute resolves the task through the cache tiers and, on miss, the
// analyzer. The returned error is an infrastructure failure; task-level
// failures are captured inside the TaskResult.
func (e *Executor) execute(ctx context.Context, in model.TaskInput) (model.TaskResult, error) {
	if e.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TaskTimeout)
		defer cancel()
	}

	fp := cache.TaskFingerprint(in)
	entry, err := e.cache.Get(ctx, model.CacheTask, fp)
	switch {
	case err == nil:
		return model.TaskResult{Kind: model.ResultValue, Payload: entry.Payload, Cached: true}, nil
	case !errors.Is(err, cache.ErrMiss):
		return model.TaskResult{}, fmt.Errorf("executor: task cache get: %w", err)
	}

	// Concurrent executions of the same fingerprint collapse to one
	// analyzer invocation; late arrivals share its result.
	v, err, shared := e.flight.Do(string(fp), func() (any, error) {
		return e.invoke(ctx, in, fp)
	})
	if err != nil {
		if infra := infraCause(err); infra != nil {
			return model.TaskResult{}, infra
		}
		return settleFailure(err), nil
	}
	fr := v.(flightResult)
	res := model.TaskResult{Kind: model.ResultValue, Payload: fr.payload, Cached: shared}
	if !shared {
		res.Cost = fr.cost
	}
	return res, nil
}

// invoke calls the analyzer (through the call-tier cache when the
// analyzer can pre-render its prompt) and writes both cache tiers.
func (e *Executor) invoke(ctx context.Context, in model.TaskInput, fp model.Fingerprint) (flightResult, error) {
	var prompt string
	if pp, ok := e.analyzer.(PromptPreparer); ok {
		p, err := pp.PreparePrompt(ctx, in)
		if err == nil {
			prompt = p
			callFP := cache.CallFingerprint(e.analyzer.ModelID(), prompt)
			entry, err := e.cache.Get(ctx, model.CacheCall, callFP)
			switch {
			case err == nil:
				// Promote the call hit into the task tier for next time.
				if err := e.cache.Put(ctx, model.CacheTask, fp, entry.Payload, e.cfg.TaskTTL); err != nil {
					return flightResult{}, &infraError{fmt.Errorf("executor: task cache put: %w", err)}
				}
				return flightResult{payload: entry.Payload}, nil
			case !errors.Is(err, cache.ErrMiss):
				return flightResult{}, &infraError{fmt.Errorf("executor: call cache get: %w", err)}
			}
		}
	}

	var resp analyzer.Response
	err := e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var aerr error
		resp, aerr = e.analyzer.Analyze(ctx, in)
		return aerr
	})
	if err != nil {
		return flightResult{}, err
	}

	if err := e.cache.Put(ctx, model.CacheTask, fp, resp.Payload, e.cfg.TaskTTL); err != nil {
		return flightResult{}, &infraError{fmt.Errorf("executor: task cache put: %w", err)}
	}
	if prompt == "" {
		prompt = resp.Prompt
	}
	if prompt != "" {
		callFP := cache.CallFingerprint(e.analyzer.ModelID(), prompt)
		if err := e.cache.Put(ctx, model.CacheCall, callFP, resp.Payload, e.cfg.CallTTL); err != nil {
			return flightResult{}, &infraError{fmt.Errorf("executor: call cache put: %w", err)}
		}
	}
	return flightResult{payload: resp.Payload, cost: resp.Cost}, nil
}

// infraError marks a cache/store failure so it can be told apart from a
// task failure after crossing the singleflight boundary.
type infraError struct{ err error }

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

func infraCause(err error) error {
	var ie *infraError
	if errors.As(err, &ie) {
		return ie.err
	}
	return nil
}

// settleFailure converts a final analyzer error into a captured result.
func settleFailure(err error) model.TaskResult {
	kind := model.ResultError
	if analyzer.ClassOf(err) == analyzer.ClassUnparsable {
		kind = model.ResultUnparsable
	}
	return model.TaskResult{Kind: kind, Err: err.Error()}
}

// traceStatusFor maps a settled failure onto its trace status.
func traceStatusFor(ctx context.Context, res model.TaskResult) model.TraceStatus {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return model.TraceCancelled
	}
	if res.Kind == model.ResultError && strings.Contains(res.Err, context.DeadlineExceeded.Error()) {
		return model.TraceTimeout
	}
	return model.TraceError
}

package analyzer

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the executor's retry behaviour for transient
// failures: a fixed attempt budget with jittered exponential backoff.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // first backoff; doubles each retry
	PerTryLimit time.Duration // per-attempt deadline; zero disables
}

// DefaultRetryPolicy matches the transient-error budget for analyzer calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		PerTryLimit: 60 * time.Second,
	}
}

// Do executes fn under the policy, retrying on Retryable errors with
// jittered exponential backoff. The last error is returned once the
// budget is exhausted; non-retryable errors return immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := range attempts {
		tryCtx := ctx
		var cancel context.CancelFunc
		if p.PerTryLimit > 0 {
			tryCtx, cancel = context.WithTimeout(ctx, p.PerTryLimit)
		}
		err = fn(tryCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil || !Retryable(err) || attempt == attempts-1 {
			return err
		}

		jitter := time.Duration(rand.Int64N(int64(delay) + 1)) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}

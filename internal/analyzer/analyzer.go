// Package analyzer defines the contract for the external intelligence
// service and the typed error classification the executor retries on.
// The real analyzer lives outside this module; everything here is the
// boundary: request/response shapes, error classes, and the retry policy.
package analyzer

import (
	"context"
	"errors"
	"fmt"

	"github.com/torii-ai/torii/internal/model"
)

// Analyzer performs one analysis invocation. Implementations may be slow
// and may fail transiently; they must respect ctx cancellation.
type Analyzer interface {
	// Analyze runs one task. ModelID identifies the backing model for
	// call-tier cache keying.
	Analyze(ctx context.Context, in model.TaskInput) (Response, error)

	// ModelID returns the identifier of the model behind this analyzer.
	ModelID() string
}

// Response is a parsed analyzer result. Payload has already passed schema
// validation at the boundary; an unparsable response surfaces as an
// *Error with ClassUnparsable instead of silent partial data.
type Response struct {
	Payload string
	Prompt  string // the raw prompt actually sent, for call-tier caching
	Cost    model.CostCounters
}

// Class buckets analyzer failures for retry decisions.
type Class string

const (
	// ClassTransient covers overload, rate limits, timeouts, and internal
	// errors. Retried with backoff up to the policy's attempt budget.
	ClassTransient Class = "transient"

	// ClassValidation means the task input itself was malformed. Aborts
	// the task immediately, no retry.
	ClassValidation Class = "validation"

	// ClassUnparsable means the analyzer responded but the payload failed
	// schema validation. Not retried: the same input yields the same
	// malformed output.
	ClassUnparsable Class = "unparsable"

	// ClassFatal is everything else.
	ClassFatal Class = "fatal"
)

// Error is a classified analyzer failure.
type Error struct {
	Class Class
	Op    string // e.g. "analyze revenue_analysis"
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("analyzer: %s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a class and operation label.
func NewError(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf extracts the class from err, defaulting to ClassFatal for
// unclassified errors. Context cancellation and deadline expiry count as
// transient: the per-task timeout converts a hang into a retryable (and
// ultimately captured) failure for that task only.
func ClassOf(err error) Class {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassFatal
}

// Retryable reports whether the executor should retry err.
func Retryable(err error) bool {
	return ClassOf(err) == ClassTransient && !errors.Is(err, context.Canceled)
}

package parse

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/trendpipe/internal/models"
)

// Parser turns a scraped item into a structured payload plus the backend's
// own confidence in it. Implementations classify their failures with
// RecoverableError / UnrecoverableError so the router can route them.
type Parser interface {
	Name() string
	Parse(ctx context.Context, src *models.TrendSource) (payload map[string]any, modelConfidence float64, err error)
}

// Error wraps a parse failure with its routing classification.
type Error struct {
	Kind string // models.ParseErrorRecoverable or models.ParseErrorUnrecoverable
	Code string // short machine-readable cause, e.g. "timeout", "schema_violation"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse %s (%s): %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a later attempt.
func (e *Error) Retryable() bool { return e.Kind == models.ParseErrorRecoverable }

// RecoverableError marks a transient failure (timeout, rate limit, upstream
// hiccup) eligible for delayed retry.
func RecoverableError(code string, err error) *Error {
	return &Error{Kind: models.ParseErrorRecoverable, Code: code, Err: err}
}

// UnrecoverableError marks a permanent failure (malformed input, contract
// violation) routed straight to the dead letter queue.
func UnrecoverableError(code string, err error) *Error {
	return &Error{Kind: models.ParseErrorUnrecoverable, Code: code, Err: err}
}

// classify extracts the parse error classification, treating unclassified
// errors as recoverable so unknown transients get retried rather than
// dead-lettered.
func classify(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return RecoverableError("timeout", err)
	}
	return RecoverableError("unknown", err)
}

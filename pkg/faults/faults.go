// Package faults defines the failure taxonomy shared by the pipeline
// components. Every error that crosses a component boundary wraps exactly
// one of these sentinels so callers can classify it with errors.Is without
// depending on the package that produced it.
package faults

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a retryable operational failure (network hiccup,
	// lock contention, 5xx from a collaborator).
	ErrTransient = errors.New("transient failure")

	// ErrTripped is returned when a circuit breaker is open and no fallback
	// was provided for the call.
	ErrTripped = errors.New("circuit breaker open")

	// ErrRateLimited is returned when no rate-limit token became available
	// within the caller's acquisition budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout is returned when an operation exceeded its deadline or a
	// slot could not be acquired within the acquisition budget.
	ErrTimeout = errors.New("operation timed out")

	// ErrPrerequisite is returned when a required earlier-stage checkpoint
	// is missing or invalid. Never retried.
	ErrPrerequisite = errors.New("prerequisite checkpoint not satisfied")

	// ErrValidation is returned when checkpoint or benchmark validation
	// fails. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrShutdown is returned when work is rejected because a shutdown is
	// in progress. Never retried.
	ErrShutdown = errors.New("shutting down")

	// ErrConfig is returned for invalid configuration detected at boot.
	ErrConfig = errors.New("invalid configuration")

	// ErrFatal marks an unrecoverable failure; the pipeline stops and the
	// process exits non-zero.
	ErrFatal = errors.New("fatal pipeline failure")
)

// Transient wraps err so that errors.Is(result, ErrTransient) holds.
// Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Fatal wraps err so that errors.Is(result, ErrFatal) holds.
// Returns nil for a nil err.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsRetryable reports whether err may be retried with backoff. Only
// transient, timeout and rate-limit failures qualify; everything else is
// either terminal for the job or terminal for the run.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsShutdown reports whether err was caused by a shutdown in progress.
// Shutdown failures are neither retried nor counted against stage health.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled)
}

// FromContext maps a context error observed during an operation to the
// taxonomy: a deadline becomes ErrTimeout, a cancellation becomes
// ErrShutdown. Other errors pass through unchanged.
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrShutdown, err)
	default:
		return err
	}
}

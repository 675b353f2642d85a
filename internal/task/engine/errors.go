package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled   = errors.New("task engine disabled")
	ErrStopped    = errors.New("task engine stopped")
	ErrQueueFull  = errors.New("task engine queue full")
	ErrStaleQueue = errors.New("task dropped: queued too long")
)

// IsAbandoned reports whether a task ended because the engine stopped or shed it, not because
// its attempts ran out. Such tasks may be run again.
func IsAbandoned(err error) bool {
	return errors.Is(err, ErrStopped) ||
		errors.Is(err, ErrStaleQueue) ||
		errors.Is(err, ErrDisabled) ||
		errors.Is(err, context.Canceled)
}

// NoRetry marks an error as permanent so the engine stops retrying.
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter carries a suggested delay before the next attempt (e.g. a Telegram 429 retry_after).
// The hint is capped by RetryMaxDelay and still jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

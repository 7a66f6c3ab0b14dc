// Package retry runs an operation a fixed number of times with a fixed pause
// between attempts.
//
// The pause never grows and carries no jitter. A pause interrupted by context
// cancellation aborts the whole run with ErrInterrupted, so callers never
// mistake a shutdown for a success.
//
//	p := retry.Policy{MaxAttempts: 3, Backoff: 5 * time.Second}
//	err := p.Do(ctx, func(attempt int) error {
//		return copyObject(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nguyentanjr/file-storage-based-aws/logger"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
)

// ErrInterrupted is returned when the context is cancelled while waiting
// between attempts.
var ErrInterrupted = errors.New("backup retry interrupted")

// Policy is a fixed-attempt, fixed-delay retry policy.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
}

// ExhaustedError carries the last failure after every attempt was used.
// Its message is the last error's message unchanged.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string { return e.Last.Error() }
func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do calls fn until it succeeds, returns a Stop error, or MaxAttempts calls
// have been made. attempt starts at 1.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if attempt > 1 && p.Backoff > 0 {
			timer := time.NewTimer(p.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w after %d attempts: %w", ErrInterrupted, attempt-1, ctx.Err())
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil && attempt > 1 {
			return fmt.Errorf("%w after %d attempts: %w", ErrInterrupted, attempt-1, err)
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		var stop StopError
		if errors.As(err, &stop) {
			return stop.Err
		}
		lastErr = err
		if attempt < max {
			logger.Debug("Retry: attempt failed", "attempt", attempt, "max_attempts", max, "error", err)
		}
	}

	return &ExhaustedError{Attempts: max, Last: lastErr}
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

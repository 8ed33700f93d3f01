// Package retry provides a retry policy applied to transfer operations.
package retry

import (
	"context"
	"log/slog"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock implements Clock using the standard time package.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Any retries every error. It is the default predicate.
func Any(error) bool { return true }

// Policy describes a bounded retry loop with exponential backoff.
// The zero value is not usable; construct with the fields set.
type Policy struct {
	// Attempts is the total number of attempts, including the first.
	Attempts int

	// BaseDelay is the sleep before the second attempt; each further
	// attempt doubles it.
	BaseDelay time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Nil means retry everything.
	Retryable func(error) bool

	// Clock defaults to the real clock when nil.
	Clock Clock

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// Do runs fn until it succeeds, the attempts are exhausted, the error is
// not retryable, or the context is cancelled. It returns the last error.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	clk := p.Clock
	if clk == nil {
		clk = realClock{}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = Any
	}

	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			backoff := p.BaseDelay << (attempt - 1)
			logger.Warn("retrying after failure",
				"op", op, "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(backoff):
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			if !retryable(err) {
				return err
			}
			continue
		}
		return nil
	}
	return lastErr
}

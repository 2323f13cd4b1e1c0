// Package retry runs external calls with a bounded number of attempts,
// a per-attempt timeout and exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy bounds one retried operation.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Timeout limits each attempt; zero means no per-attempt limit.
	Timeout time.Duration
	// BaseDelay is doubled after each failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff; zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy is used for CRM, LLM and messaging calls.
var DefaultPolicy = Policy{
	Attempts:  3,
	Timeout:   15 * time.Second,
	BaseDelay: 250 * time.Millisecond,
	MaxDelay:  2 * time.Second,
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff returns the delay before the attempt following attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay * time.Duration(1<<attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is done. It returns the number of attempts made.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) (int, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt, fmt.Errorf("%s: %w", op, lastErr)
		}

		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err
		if IsPermanent(err) {
			slog.Debug("retry.Do: permanent failure", "op", op, "attempt", attempt+1, "error", err)
			return attempt + 1, fmt.Errorf("%s: %w", op, err)
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.Backoff(attempt)
		slog.Warn("retry.Do: attempt failed, backing off", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, fmt.Errorf("%s: %w", op, lastErr)
		case <-timer.C:
		}
	}
	return attempts, fmt.Errorf("%s: giving up after %d attempts: %w", op, attempts, lastErr)
}

// Package retry runs an operation repeatedly until it succeeds, a bounded
// number of attempts is spent or the context ends. Two policies are used by
// the lock managers: a fixed wait between polls and an exponential backoff for
// store round-trips that failed.
package retry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
	"github.com/mirkobrombin/go-warplock/v1/metrics"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	// Values below one are treated as one.
	MaxAttempts int
	// Delay is the wait after the first failure.
	Delay time.Duration
	// Multiplier scales Delay after every failure. 1 keeps it fixed.
	Multiplier float64
	// MaxDelay caps the wait. Zero means no cap.
	MaxDelay time.Duration
	// Retryable reports whether err is worth another attempt. A nil func
	// retries every error.
	Retryable func(err error) bool
	// Logger receives one record per failed attempt. Nil uses slog.Default.
	Logger *slog.Logger
	// Deadline, when set, stops retrying once reached. The last wait is
	// shortened so one attempt lands on the deadline. With a deadline,
	// MaxAttempts below one means no attempt limit.
	Deadline time.Time
}

// Fixed waits the same interval between attempts.
func Fixed(attempts int, wait time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: wait, Multiplier: 1}
}

// Exponential doubles the wait after every failed attempt.
func Exponential(attempts int, initial time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: initial, Multiplier: 2}
}

// WithDeadline returns a copy of p that gives up at t.
func (p Policy) WithDeadline(t time.Time) Policy {
	p.Deadline = t
	return p
}

// WithLogger returns a copy of p logging to l.
func (p Policy) WithLogger(l *slog.Logger) Policy {
	p.Logger = l
	return p
}

// ExhaustedError is returned once every attempt failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do invokes op under policy p. name identifies the operation in logs and
// metrics.
func Do(ctx context.Context, name string, p Policy, op func(context.Context) error) error {
	_, err := DoValue(ctx, name, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, name string, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := p.MaxAttempts
	limited := attempts >= 1 || p.Deadline.IsZero()
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay

	var (
		last error
		i    int
	)
	for i = 1; ; i++ {
		if err := ctx.Err(); err != nil {
			return zero, interrupted(name, i-1, err, last)
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		last = err
		metrics.RetryAttempts.WithLabelValues(name).Inc()
		level := slog.LevelWarn
		if stdErrors.Is(err, warperrors.ErrLockBusy) {
			level = slog.LevelDebug
		}
		logger.Log(ctx, level, "warplock: attempt failed", "op", name, "attempt", i, "max", p.MaxAttempts, "error", err)

		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
		if limited && i >= attempts {
			break
		}
		wait := delay
		if !p.Deadline.IsZero() {
			remaining := time.Until(p.Deadline)
			if remaining <= 0 {
				break
			}
			wait = min(wait, remaining)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, interrupted(name, i, err, last)
		}
		delay = p.next(delay)
	}

	exhausted := &ExhaustedError{Op: name, Attempts: i, Last: last}
	if !stdErrors.Is(last, warperrors.ErrLockBusy) {
		logger.Warn("warplock: retries exhausted", "op", name, "attempts", i, "error", last)
	}
	return zero, exhausted
}

func (p Policy) next(d time.Duration) time.Duration {
	if p.Multiplier > 1 {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// interrupted reports a context that ended between attempts. Deadlines map to
// ErrTimeout; the last attempt error stays reachable through errors.Is.
func interrupted(name string, attempts int, ctxErr, last error) error {
	if stdErrors.Is(ctxErr, context.DeadlineExceeded) {
		ctxErr = warperrors.ErrTimeout
	}
	if last == nil {
		return fmt.Errorf("%s: %w", name, ctxErr)
	}
	return fmt.Errorf("%s: %w after %d attempts: %w", name, ctxErr, attempts, last)
}

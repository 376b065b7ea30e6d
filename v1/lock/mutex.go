package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-warplock/v1/adapter"
	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
	"github.com/mirkobrombin/go-warplock/v1/metrics"
	"github.com/mirkobrombin/go-warplock/v1/retry"
)

// Mutex is the polling lock manager. It acquires with a conditional
// set-if-absent carrying a TTL and, while the key is taken, retries at a
// fixed interval until its timeout is spent.
type Mutex struct {
	*base
}

// NewMutex returns a Mutex on store. Unless WithoutStartupSweep is given,
// every key under the prefix is deleted before NewMutex returns.
func NewMutex(ctx context.Context, store adapter.Store, opts ...Option) (*Mutex, error) {
	b, err := newBase(ctx, store, metrics.VariantPolling, opts)
	if err != nil {
		return nil, err
	}
	return &Mutex{base: b}, nil
}

// Lock acquires name, storing description as the lock record, waiting up to
// timeout (DefaultTimeout when non-positive). It reports false for both
// contention and store failures; use Acquire to tell them apart.
func (m *Mutex) Lock(ctx context.Context, name, description string, timeout time.Duration) bool {
	return m.Acquire(ctx, name, description, timeout) == nil
}

// Acquire is Lock returning the reason of a failure. Contention that outlasts
// the timeout yields an error matching ErrLockBusy.
func (m *Mutex) Acquire(ctx context.Context, name, description string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	key := m.Key(name)
	ctx, span := tracer.Start(ctx, "Mutex.Acquire", trace.WithAttributes(
		attribute.String("warplock.key", key),
		attribute.Int64("warplock.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	if m.held.isClosed() {
		return warperrors.ErrClosed
	}

	start := time.Now()
	// attempts land at 0, i, 2i, ... and a last one at the deadline
	policy := retry.Fixed(0, m.opts.pollInterval).
		WithDeadline(start.Add(timeout)).
		WithLogger(m.logger)
	ttl := timeout + m.opts.leaseSlack
	err := retry.Do(ctx, "lock", policy, func(ctx context.Context) error {
		ok, err := m.store.SetNX(ctx, key, description, ttl)
		if err != nil {
			return err
		}
		if !ok {
			return warperrors.ErrLockBusy
		}
		return nil
	})
	metrics.AcquireWait.WithLabelValues(m.variant).Observe(time.Since(start).Seconds())
	if err != nil {
		result := "error"
		if stdErrors.Is(err, warperrors.ErrLockBusy) {
			result = "busy"
		}
		metrics.AcquireCounter.WithLabelValues(m.variant, result).Inc()
		span.SetStatus(codes.Error, result)
		m.logger.Debug("warplock: lock not acquired", "key", key, "result", result, "error", err)
		return fmt.Errorf("warplock: lock %s: %w", name, err)
	}

	if !m.held.add(key) {
		// Shutdown ran while we were polling
		_, _ = m.store.Delete(context.WithoutCancel(ctx), key)
		return warperrors.ErrClosed
	}
	m.held.arm(key, timeout, func() { m.warnOverdue(key, timeout) })
	metrics.AcquireCounter.WithLabelValues(m.variant, "acquired").Inc()
	span.SetAttributes(attribute.Bool("warplock.acquired", true))
	return nil
}

// warnOverdue logs the lock record of a key still held past its timeout.
// It never releases the lock.
func (m *Mutex) warnOverdue(key string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	record, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok {
		return
	}
	metrics.TimeoutWarnings.Inc()
	m.logger.Error("warplock: lock timeout exceeded", "key", key, "timeout", timeout, "record", record)
}

// Unlock releases name. It reports true only when a key was deleted. On
// failure the key stays in the held set so Shutdown can try again.
func (m *Mutex) Unlock(ctx context.Context, name string) bool {
	return m.Release(ctx, name) == nil
}

// Release is Unlock returning the reason of a failure: ErrNotHeld when no key
// existed, or the store error once retries are spent.
func (m *Mutex) Release(ctx context.Context, name string) error {
	key := m.Key(name)
	ctx, span := tracer.Start(ctx, "Mutex.Release", trace.WithAttributes(attribute.String("warplock.key", key)))
	defer span.End()

	m.held.disarm(key)
	n, err := retry.DoValue(ctx, "unlock", m.opts.releasePolicy, func(ctx context.Context) (int64, error) {
		return m.store.Delete(ctx, key)
	})
	if err != nil {
		metrics.ReleaseCounter.WithLabelValues(m.variant, "error").Inc()
		span.SetStatus(codes.Error, "error")
		return fmt.Errorf("warplock: unlock %s: %w", name, err)
	}
	if n == 0 {
		// nothing left to release, expired or deleted elsewhere
		m.held.remove(key)
		metrics.ReleaseCounter.WithLabelValues(m.variant, "not_held").Inc()
		return fmt.Errorf("warplock: unlock %s: %w", name, warperrors.ErrNotHeld)
	}
	m.held.remove(key)
	metrics.ReleaseCounter.WithLabelValues(m.variant, "released").Inc()
	return nil
}

// Shutdown releases every lock this Mutex holds and refuses new ones. It is
// meant to run from the host's shutdown hook.
func (m *Mutex) Shutdown(ctx context.Context) error {
	return m.shutdown(ctx, func(ctx context.Context, key string) error {
		_, err := retry.DoValue(ctx, "shutdown_unlock", m.opts.releasePolicy, func(ctx context.Context) (int64, error) {
			return m.store.Delete(ctx, key)
		})
		return err
	})
}

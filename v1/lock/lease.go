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

// LeaseMutex is the notification lock manager. Acquisition and release are
// single server-side scripts; a contended caller subscribes to the channel
// named after the lock key and retries as soon as the holder publishes
// UNLOCKED, or gives up when its wait time runs out.
type LeaseMutex struct {
	*base
}

// NewLeaseMutex returns a LeaseMutex on store. Unless WithoutStartupSweep is
// given, every key under the prefix is deleted before it returns.
func NewLeaseMutex(ctx context.Context, store adapter.Store, opts ...Option) (*LeaseMutex, error) {
	b, err := newBase(ctx, store, metrics.VariantLease, opts)
	if err != nil {
		return nil, err
	}
	return &LeaseMutex{base: b}, nil
}

// LockWithLease acquires name for lease, waiting at most wait for a holder to
// release it. Non-positive durations fall back to DefaultWaitTime and
// DefaultLeaseTime.
//
// It returns (false, nil) when the wait ran out. An error is returned when
// the acquire script kept failing or the unlock listener could not be set up;
// cancelling ctx returns its error.
//
// A lease that expires publishes nothing, so waiters only notice it when
// another release wakes them or their wait ends.
func (m *LeaseMutex) LockWithLease(ctx context.Context, name, description string, wait, lease time.Duration) (bool, error) {
	if wait <= 0 {
		wait = DefaultWaitTime
	}
	if lease <= 0 {
		lease = DefaultLeaseTime
	}
	key := m.Key(name)
	ctx, span := tracer.Start(ctx, "LeaseMutex.LockWithLease", trace.WithAttributes(
		attribute.String("warplock.key", key),
		attribute.Int64("warplock.wait_ms", wait.Milliseconds()),
		attribute.Int64("warplock.lease_ms", lease.Milliseconds()),
	))
	defer span.End()

	if m.held.isClosed() {
		return false, warperrors.ErrClosed
	}

	start := time.Now()
	ok, err := m.acquire(ctx, key, description, lease)
	if err == nil && !ok {
		remaining := wait - time.Since(start)
		if remaining > 0 {
			wctx, cancel := context.WithTimeout(ctx, remaining)
			ok, err = m.awaitRelease(wctx, key, description, lease)
			cancel()
			if err != nil && ctx.Err() == nil && wctx.Err() != nil {
				// the wait ran out mid-operation: that is a timeout, not a fault
				ok, err = false, nil
			}
		}
	}
	metrics.AcquireWait.WithLabelValues(m.variant).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.AcquireCounter.WithLabelValues(m.variant, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "error")
		m.logger.Error("warplock: lease lock failed", "key", key, "error", err)
		return false, fmt.Errorf("warplock: lock %s: %w", name, err)
	case !ok:
		metrics.AcquireCounter.WithLabelValues(m.variant, "busy").Inc()
		return false, nil
	}

	if !m.held.add(key) {
		_, _ = m.store.ReleaseAndPublish(context.WithoutCancel(ctx), key, adapter.UnlockedMessage)
		return false, warperrors.ErrClosed
	}
	metrics.AcquireCounter.WithLabelValues(m.variant, "acquired").Inc()
	span.SetAttributes(attribute.Bool("warplock.acquired", true))
	return true, nil
}

// acquire runs the acquire script under exponential backoff.
func (m *LeaseMutex) acquire(ctx context.Context, key, description string, lease time.Duration) (bool, error) {
	return retry.DoValue(ctx, "lock_lease", m.opts.scriptPolicy, func(ctx context.Context) (bool, error) {
		return m.store.AcquireScripted(ctx, key, description, lease)
	})
}

// awaitRelease subscribes to the lock channel, checks once more in case the
// release happened before the subscription was active, then retries on every
// UNLOCKED message until ctx ends. Losing a retry to another waiter keeps the
// subscription open. The subscription is closed before returning.
func (m *LeaseMutex) awaitRelease(ctx context.Context, key, description string, lease time.Duration) (bool, error) {
	sub, err := m.store.Subscribe(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !stdErrors.Is(err, warperrors.ErrSubscribe) {
			err = fmt.Errorf("%w: %s: %w", warperrors.ErrSubscribe, key, err)
		}
		return false, err
	}
	defer sub.Close()

	ok, err := m.acquire(ctx, key, description, lease)
	if err != nil || ok {
		return ok, err
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case msg, open := <-sub.Messages():
			if !open {
				return false, fmt.Errorf("%w: %s: subscription closed", warperrors.ErrSubscribe, key)
			}
			if msg != adapter.UnlockedMessage {
				continue
			}
			ok, err := m.acquire(ctx, key, description, lease)
			if err != nil || ok {
				return ok, err
			}
			m.logger.Debug("warplock: lost wake-up race", "key", key)
		}
	}
}

// UnlockLease deletes the lock key and publishes UNLOCKED on its channel in
// one script. It reports whether a key was deleted; an error means the script
// kept failing.
func (m *LeaseMutex) UnlockLease(ctx context.Context, name string) (bool, error) {
	key := m.Key(name)
	ctx, span := tracer.Start(ctx, "LeaseMutex.UnlockLease", trace.WithAttributes(attribute.String("warplock.key", key)))
	defer span.End()

	ok, err := retry.DoValue(ctx, "unlock_lease", m.opts.scriptPolicy, func(ctx context.Context) (bool, error) {
		return m.store.ReleaseAndPublish(ctx, key, adapter.UnlockedMessage)
	})
	if err != nil {
		metrics.ReleaseCounter.WithLabelValues(m.variant, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "error")
		m.logger.Error("warplock: lease unlock failed", "key", key, "error", err)
		return false, fmt.Errorf("warplock: unlock %s: %w", name, err)
	}
	m.held.remove(key)
	if !ok {
		metrics.ReleaseCounter.WithLabelValues(m.variant, "not_held").Inc()
		return false, nil
	}
	metrics.ReleaseCounter.WithLabelValues(m.variant, "released").Inc()
	return true, nil
}

// Shutdown releases every lock this LeaseMutex holds, waking their waiters,
// and refuses new ones.
func (m *LeaseMutex) Shutdown(ctx context.Context) error {
	return m.shutdown(ctx, func(ctx context.Context, key string) error {
		_, err := retry.DoValue(ctx, "shutdown_unlock_lease", m.opts.scriptPolicy, func(ctx context.Context) (bool, error) {
			return m.store.ReleaseAndPublish(ctx, key, adapter.UnlockedMessage)
		})
		return err
	})
}

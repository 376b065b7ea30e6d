package adapter

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerStore decorates a Store with circuit breaker logic. After
// threshold consecutive store errors every call fails fast with
// ErrCircuitOpen until timeout has elapsed; then a single probe is let
// through. Lost races (SetNX returning false) are not failures.
type CircuitBreakerStore struct {
	store     Store
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreakerStore.
func NewCircuitBreaker(store Store, threshold int, timeout time.Duration) *CircuitBreakerStore {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreakerStore{
		store:     store,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed.
func (cb *CircuitBreakerStore) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow checks if a request should be allowed.
// It handles the transition from Open to Half-Open based on timeout.
func (cb *CircuitBreakerStore) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe in flight
	}
	return false
}

func (cb *CircuitBreakerStore) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// abandon undoes allow for a call that ended on the caller's side. A
// half-open probe goes back to open so the next call can probe again.
func (cb *CircuitBreakerStore) abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// guard runs fn when the circuit allows it. Errors caused by the caller's own
// context are not store failures and leave the failure count alone.
func guard[T any](ctx context.Context, cb *CircuitBreakerStore, fn func() (T, error)) (T, error) {
	if !cb.allow() {
		var zero T
		return zero, warperrors.ErrCircuitOpen
	}
	v, err := fn()
	if err != nil && (ctx.Err() != nil || stdErrors.Is(err, context.Canceled)) {
		cb.abandon()
		return v, err
	}
	cb.record(err)
	return v, err
}

// SetNX implements Store.SetNX with circuit breaker logic.
func (cb *CircuitBreakerStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return guard(ctx, cb, func() (bool, error) { return cb.store.SetNX(ctx, key, value, ttl) })
}

// Get implements Store.Get with circuit breaker logic.
func (cb *CircuitBreakerStore) Get(ctx context.Context, key string) (string, bool, error) {
	var found bool
	v, err := guard(ctx, cb, func() (string, error) {
		v, ok, err := cb.store.Get(ctx, key)
		found = ok
		return v, err
	})
	return v, found, err
}

// Delete implements Store.Delete with circuit breaker logic.
func (cb *CircuitBreakerStore) Delete(ctx context.Context, key string) (int64, error) {
	return guard(ctx, cb, func() (int64, error) { return cb.store.Delete(ctx, key) })
}

// Keys implements Store.Keys with circuit breaker logic.
func (cb *CircuitBreakerStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return guard(ctx, cb, func() ([]string, error) { return cb.store.Keys(ctx, prefix) })
}

// AcquireScripted implements Store.AcquireScripted with circuit breaker logic.
func (cb *CircuitBreakerStore) AcquireScripted(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return guard(ctx, cb, func() (bool, error) { return cb.store.AcquireScripted(ctx, key, value, ttl) })
}

// ReleaseAndPublish implements Store.ReleaseAndPublish with circuit breaker logic.
func (cb *CircuitBreakerStore) ReleaseAndPublish(ctx context.Context, key, message string) (bool, error) {
	return guard(ctx, cb, func() (bool, error) { return cb.store.ReleaseAndPublish(ctx, key, message) })
}

// Subscribe implements Store.Subscribe with circuit breaker logic.
func (cb *CircuitBreakerStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	return guard(ctx, cb, func() (Subscription, error) { return cb.store.Subscribe(ctx, channel) })
}

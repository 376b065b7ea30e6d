package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockBusy is returned when a lock is held by someone else for the
	// whole acquisition window.
	ErrLockBusy = errors.New("lock busy")
	// ErrNotHeld is returned when a release found no key to delete.
	ErrNotHeld = errors.New("lock not held")
	// ErrClosed is returned by managers after Shutdown.
	ErrClosed = errors.New("lock manager closed")
	// ErrCircuitOpen is returned while the store circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrSubscribe wraps failures to establish an unlock notification listener.
	ErrSubscribe = errors.New("subscribe failed")
)

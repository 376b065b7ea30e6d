// Package lock provides best-effort distributed mutexes for worker processes
// that share a Redis (or in-memory) store. Two managers are available:
//
//   - Mutex acquires with a conditional set-if-absent and polls at a fixed
//     interval while the lock is contended.
//   - LeaseMutex acquires and releases through atomic server-side scripts and,
//     when contended, subscribes to a channel named after the lock so that the
//     release wakes it immediately.
//
// Every lock carries a TTL so a crashed holder cannot block others forever.
// Managers remember the locks they hold and release all of them on Shutdown.
// There are no fencing tokens and no owner checks: any process reaching the
// store may delete a lock key.
package lock

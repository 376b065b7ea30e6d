package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-warplock/v1/adapter"
	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
	"github.com/mirkobrombin/go-warplock/v1/retry"
)

func TestLeaseLockUnlock(t *testing.T) {
	store, mr, ctx := newRedis(t)
	m, err := NewLeaseMutex(ctx, store)
	if err != nil {
		t.Fatalf("new lease mutex: %v", err)
	}
	ok, err := m.LockWithLease(ctx, "report", "monthly report", time.Second, 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lock, got %v %v", ok, err)
	}
	if ttl := mr.TTL("LOCK_report"); ttl != 10*time.Second {
		t.Fatalf("expected lease ttl, got %v", ttl)
	}
	ok, err = m.UnlockLease(ctx, "report")
	if err != nil || !ok {
		t.Fatalf("expected unlock, got %v %v", ok, err)
	}
	if mr.Exists("LOCK_report") {
		t.Fatal("key should be deleted")
	}
	if len(m.Held()) != 0 {
		t.Fatalf("held set not drained: %v", m.Held())
	}
}

func TestLeaseDefaults(t *testing.T) {
	store, mr, ctx := newRedis(t)
	m, _ := NewLeaseMutex(ctx, store)
	if ok, err := m.LockWithLease(ctx, "k", "desc", 0, 0); err != nil || !ok {
		t.Fatalf("expected lock, got %v %v", ok, err)
	}
	if ttl := mr.TTL("LOCK_k"); ttl != DefaultLeaseTime {
		t.Fatalf("expected default lease, got %v", ttl)
	}
}

func TestLeaseSubMillisecondLease(t *testing.T) {
	store, _, ctx := newRedis(t)
	m, _ := NewLeaseMutex(ctx, store, WithScriptPolicy(retry.Exponential(3, time.Millisecond)))
	ok, err := m.LockWithLease(ctx, "k", "desc", time.Second, 500*time.Microsecond)
	if err != nil || !ok {
		t.Fatalf("expected lock with a sub-millisecond lease, got %v %v", ok, err)
	}
}

func TestLeaseUnlockNotHeld(t *testing.T) {
	store, _, ctx := newRedis(t)
	m, _ := NewLeaseMutex(ctx, store)
	ok, err := m.UnlockLease(ctx, "nobody")
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got %v %v", ok, err)
	}
}

func TestLeaseTimeout(t *testing.T) {
	store, _, ctx := newRedis(t)
	holder, _ := NewLeaseMutex(ctx, store)
	waiter, _ := NewLeaseMutex(ctx, store, WithoutStartupSweep())
	if ok, _ := holder.LockWithLease(ctx, "k", "holder", time.Second, 10*time.Second); !ok {
		t.Fatal("expected holder lock")
	}
	start := time.Now()
	ok, err := waiter.LockWithLease(ctx, "k", "waiter", 150*time.Millisecond, time.Second)
	elapsed := time.Since(start)
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got %v %v", ok, err)
	}
	if elapsed < 140*time.Millisecond || elapsed > 400*time.Millisecond {
		t.Fatalf("expected ~150ms wait, got %v", elapsed)
	}
}

func testLeaseWakeup(t *testing.T, store adapter.Store) {
	t.Helper()
	ctx := context.Background()
	holder, _ := NewLeaseMutex(ctx, store)
	waiter, _ := NewLeaseMutex(ctx, store, WithoutStartupSweep())
	if ok, _ := holder.LockWithLease(ctx, "k", "holder", time.Second, 10*time.Second); !ok {
		t.Fatal("expected holder lock")
	}

	type result struct {
		ok  bool
		err error
		at  time.Time
	}
	done := make(chan result, 1)
	go func() {
		ok, err := waiter.LockWithLease(ctx, "k", "waiter", 3*time.Second, 10*time.Second)
		done <- result{ok, err, time.Now()}
	}()

	time.Sleep(100 * time.Millisecond)
	released := time.Now()
	if ok, err := holder.UnlockLease(ctx, "k"); err != nil || !ok {
		t.Fatalf("unlock: %v %v", ok, err)
	}
	select {
	case r := <-done:
		if r.err != nil || !r.ok {
			t.Fatalf("waiter should acquire, got %v %v", r.ok, r.err)
		}
		if lag := r.at.Sub(released); lag > 100*time.Millisecond {
			t.Fatalf("wake-up took %v", lag)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken up")
	}
}

func TestLeaseWakeupRedis(t *testing.T) {
	store, _, _ := newRedis(t)
	testLeaseWakeup(t, store)
}

func TestLeaseWakeupInMemory(t *testing.T) {
	testLeaseWakeup(t, adapter.NewInMemoryStore())
}

func TestLeaseSingleWinnerPerRelease(t *testing.T) {
	ctx := context.Background()
	store := adapter.NewInMemoryStore()
	holder, _ := NewLeaseMutex(ctx, store)
	if ok, _ := holder.LockWithLease(ctx, "k", "holder", time.Second, 10*time.Second); !ok {
		t.Fatal("expected holder lock")
	}

	const waiters = 4
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		winner *LeaseMutex
	)
	for i := 0; i < waiters; i++ {
		m, _ := NewLeaseMutex(ctx, store, WithoutStartupSweep())
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.LockWithLease(ctx, "k", "waiter", 300*time.Millisecond, 10*time.Second)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				winner = m
				mu.Unlock()
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	holder.UnlockLease(ctx, "k")
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if len(winner.Held()) != 1 {
		t.Fatal("winner should track its lock")
	}
}

func TestLeaseSubscribeFailure(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{InMemoryStore: adapter.NewInMemoryStore(), subscribeErr: errors.New("pubsub down")}
	holder, _ := NewLeaseMutex(ctx, fs)
	waiter, _ := NewLeaseMutex(ctx, fs, WithoutStartupSweep())
	if ok, _ := holder.LockWithLease(ctx, "k", "holder", time.Second, 10*time.Second); !ok {
		t.Fatal("expected holder lock")
	}
	ok, err := waiter.LockWithLease(ctx, "k", "waiter", time.Second, time.Second)
	if ok {
		t.Fatal("waiter must not acquire")
	}
	if !errors.Is(err, warperrors.ErrSubscribe) {
		t.Fatalf("expected ErrSubscribe, got %v", err)
	}
}

func TestLeaseScriptExhaustion(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{InMemoryStore: adapter.NewInMemoryStore(), acquireErr: errors.New("script failed")}
	m, _ := NewLeaseMutex(ctx, fs, WithScriptPolicy(retry.Exponential(3, time.Millisecond)))
	ok, err := m.LockWithLease(ctx, "k", "desc", time.Second, time.Second)
	if ok {
		t.Fatal("expected no lock")
	}
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", exhausted.Attempts)
	}
}

func TestLeaseCallerCancel(t *testing.T) {
	store, _, _ := newRedis(t)
	bg := context.Background()
	holder, _ := NewLeaseMutex(bg, store)
	waiter, _ := NewLeaseMutex(bg, store, WithoutStartupSweep())
	holder.LockWithLease(bg, "k", "holder", time.Second, 10*time.Second)

	ctx, cancel := context.WithCancel(bg)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	ok, err := waiter.LockWithLease(ctx, "k", "waiter", 5*time.Second, time.Second)
	if ok {
		t.Fatal("expected no lock")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLeaseShutdownWakesWaiters(t *testing.T) {
	store, mr, ctx := newRedis(t)
	holder, _ := NewLeaseMutex(ctx, store)
	waiter, _ := NewLeaseMutex(ctx, store, WithoutStartupSweep())
	for _, name := range []string{"a", "b"} {
		if ok, _ := holder.LockWithLease(ctx, name, "holder", time.Second, 10*time.Second); !ok {
			t.Fatalf("lock %s", name)
		}
	}
	done := make(chan bool, 1)
	go func() {
		ok, _ := waiter.LockWithLease(ctx, "a", "waiter", 3*time.Second, 10*time.Second)
		done <- ok
	}()
	time.Sleep(100 * time.Millisecond)
	if err := holder.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("waiter should acquire after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("shutdown did not wake the waiter")
	}
	if mr.Exists("LOCK_b") {
		t.Fatal("shutdown should release every held lock")
	}
	if ok, err := holder.LockWithLease(ctx, "c", "holder", time.Second, time.Second); ok || !errors.Is(err, warperrors.ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v %v", ok, err)
	}
}

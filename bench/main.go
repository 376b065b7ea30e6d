package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-warplock/v1/adapter"
	"github.com/mirkobrombin/go-warplock/v1/lock"
	"github.com/mirkobrombin/go-warplock/v1/presets"
)

var (
	concurrency = flag.Int("c", 8, "Concurrent workers")
	sections    = flag.Int("n", 500, "Critical sections per target")
	holdFor     = flag.Duration("hold", time.Millisecond, "Time spent inside the critical section")
	poll        = flag.Duration("poll", 5*time.Millisecond, "Poll interval of the polling variant")
	target      = flag.String("target", "all", "Targets: memory-polling, memory-lease, redis-polling, redis-lease")
	redisAddr   = flag.String("redis-addr", "", "Redis address (empty starts an embedded miniredis)")
)

// locker hides the two lock variants behind one acquire/release pair.
type locker struct {
	acquire  func(ctx context.Context, name string) bool
	release  func(ctx context.Context, name string)
	shutdown func(ctx context.Context) error
}

func main() {
	flag.Parse()

	addr := *redisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			log.Fatalf("miniredis: %v", err)
		}
		defer mr.Close()
		addr = mr.Addr()
	}

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory-polling", "memory-lease", "redis-polling", "redis-lease"}
	}

	fmt.Printf("| %-15s | %-10s | %-14s | %-8s |\n", "Target", "Locks/sec", "Avg Acquire", "Failed")
	fmt.Println("|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t), addr)
	}
}

func newLocker(ctx context.Context, name, addr string) (*locker, error) {
	var store adapter.Store
	switch {
	case strings.HasPrefix(name, "memory-"):
		store = adapter.NewInMemoryStore()
	case strings.HasPrefix(name, "redis-"):
		store = presets.RedisOptions{Addr: addr, Prefix: "BENCH_"}.Store()
	default:
		return nil, fmt.Errorf("unknown target %s", name)
	}
	opts := []lock.Option{lock.WithPrefix("BENCH_"), lock.WithPollInterval(*poll)}

	if strings.HasSuffix(name, "-lease") {
		m, err := lock.NewLeaseMutex(ctx, store, opts...)
		if err != nil {
			return nil, err
		}
		return &locker{
			acquire: func(ctx context.Context, key string) bool {
				ok, err := m.LockWithLease(ctx, key, "bench", 10*time.Second, 10*time.Second)
				return ok && err == nil
			},
			release:  func(ctx context.Context, key string) { _, _ = m.UnlockLease(ctx, key) },
			shutdown: m.Shutdown,
		}, nil
	}
	m, err := lock.NewMutex(ctx, store, opts...)
	if err != nil {
		return nil, err
	}
	return &locker{
		acquire:  func(ctx context.Context, key string) bool { return m.Lock(ctx, key, "bench", 10*time.Second) },
		release:  func(ctx context.Context, key string) { m.Unlock(ctx, key) },
		shutdown: m.Shutdown,
	}, nil
}

func runBenchmark(name, addr string) {
	ctx := context.Background()
	l, err := newLocker(ctx, name, addr)
	if err != nil {
		log.Printf("%s: %v", name, err)
		return
	}
	defer func() { _ = l.shutdown(ctx) }()

	var (
		wg        sync.WaitGroup
		next      int64
		ops       int64
		failed    int64
		waitNanos int64
		inside    int32
	)

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for atomic.AddInt64(&next, 1) <= int64(*sections) {
				t0 := time.Now()
				if !l.acquire(ctx, "key") {
					atomic.AddInt64(&failed, 1)
					continue
				}
				atomic.AddInt64(&waitNanos, int64(time.Since(t0)))
				if atomic.AddInt32(&inside, 1) != 1 {
					log.Fatalf("%s: mutual exclusion violated", name)
				}
				time.Sleep(*holdFor)
				atomic.AddInt32(&inside, -1)
				l.release(ctx, "key")
				atomic.AddInt64(&ops, 1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-15s | %-10s | %-14s | %-8d |\n", name, "ERROR", "-", failed)
		return
	}
	throughput := float64(ops) / elapsed.Seconds()
	avgWait := time.Duration(waitNanos / ops)
	fmt.Printf("| %-15s | %-10.0f | %-14v | %-8d |\n", name, throughput, avgWait, failed)
}

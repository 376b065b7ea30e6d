package lock

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warplock/v1/adapter"
)

// newRedis returns a Redis-backed store plus the miniredis server behind it.
func newRedis(t *testing.T) (*adapter.RedisStore, *miniredis.Miniredis, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return adapter.NewRedisStore(client), mr, context.Background()
}

// logBuffer collects log output from concurrent goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

func newTestLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// failingStore wraps an InMemoryStore with injectable failures.
type failingStore struct {
	*adapter.InMemoryStore
	acquireErr   error
	subscribeErr error
	deleteErr    error
}

func (f *failingStore) AcquireScripted(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	return f.InMemoryStore.AcquireScripted(ctx, key, value, ttl)
}

func (f *failingStore) Subscribe(ctx context.Context, channel string) (adapter.Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.InMemoryStore.Subscribe(ctx, channel)
}

func (f *failingStore) Delete(ctx context.Context, key string) (int64, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return f.InMemoryStore.Delete(ctx, key)
}

package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	scanCount             = 100
)

var acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2], "NX") then
    return 1
else
    return 0
end
`)

var releaseScript = redis.NewScript(`
local n = redis.call("DEL", KEYS[1])
redis.call("PUBLISH", KEYS[1], ARGV[1])
return n
`)

// RedisStore implements Store using a Redis backend.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	return err
}

// begin checks the caller context and derives the per-operation one.
func (s *RedisStore) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// SetNX implements Store.SetNX.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr(err)
	}
	return v, true, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) (int64, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.Del(cctx, key).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// Keys implements Store.Keys using SCAN to iterate over keys.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var cursor uint64
	var keys []string
	pattern := escapeGlob(prefix) + "*"
	for {
		batch, next, err := s.client.Scan(cctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// AcquireScripted implements Store.AcquireScripted.
func (s *RedisStore) AcquireScripted(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	// PX rejects 0, round sub-millisecond leases up like SET does
	px := max(ttl.Milliseconds(), 1)
	n, err := acquireScript.Run(cctx, s.client, []string{key}, value, px).Int64()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// ReleaseAndPublish implements Store.ReleaseAndPublish.
func (s *RedisStore) ReleaseAndPublish(ctx context.Context, key, message string) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := releaseScript.Run(cctx, s.client, []string{key}, message).Int64()
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

// Subscribe implements Store.Subscribe. It waits for the server to confirm the
// subscription before returning.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	ps := s.client.Subscribe(cctx, channel)
	if _, err := ps.Receive(cctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: %s: %w", warperrors.ErrSubscribe, channel, mapErr(err))
	}
	return newRedisSubscription(ps), nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	ch   chan string
	done chan struct{}
	once sync.Once
}

func newRedisSubscription(ps *redis.PubSub) *redisSubscription {
	sub := &redisSubscription{
		ps:   ps,
		ch:   make(chan string, 1),
		done: make(chan struct{}),
	}
	in := ps.Channel()
	go func() {
		defer close(sub.ch)
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case sub.ch <- msg.Payload:
				case <-sub.done:
					return
				}
			case <-sub.done:
				return
			}
		}
	}()
	return sub
}

func (r *redisSubscription) Messages() <-chan string { return r.ch }

func (r *redisSubscription) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.ps.Close()
	})
	return err
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

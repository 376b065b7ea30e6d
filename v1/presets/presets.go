package presets

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warplock/v1/adapter"
	"github.com/mirkobrombin/go-warplock/v1/lock"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces lock keys. Empty keeps lock.DefaultPrefix.
	Prefix string
	// BreakerThreshold opens a circuit breaker around the store after that
	// many consecutive failures. Zero disables the breaker.
	BreakerThreshold int
	// BreakerTimeout is how long the breaker stays open. Defaults to 5s.
	BreakerTimeout time.Duration
}

// Store connects to Redis and returns the lock store, wrapped in a circuit
// breaker when BreakerThreshold is set.
func (o RedisOptions) Store() adapter.Store {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	var store adapter.Store = adapter.NewRedisStore(client)
	if o.BreakerThreshold > 0 {
		timeout := o.BreakerTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		store = adapter.NewCircuitBreaker(store, o.BreakerThreshold, timeout)
	}
	return store
}

func (o RedisOptions) lockOptions(extra []lock.Option) []lock.Option {
	var opts []lock.Option
	if o.Prefix != "" {
		opts = append(opts, lock.WithPrefix(o.Prefix))
	}
	return append(opts, extra...)
}

// NewRedisMutex returns a polling Mutex backed by Redis. Stale locks under the
// prefix are swept before it returns.
func NewRedisMutex(ctx context.Context, opts RedisOptions, extra ...lock.Option) (*lock.Mutex, error) {
	return lock.NewMutex(ctx, opts.Store(), opts.lockOptions(extra)...)
}

// NewRedisLeaseMutex returns a LeaseMutex backed by Redis scripts and pub/sub.
func NewRedisLeaseMutex(ctx context.Context, opts RedisOptions, extra ...lock.Option) (*lock.LeaseMutex, error) {
	return lock.NewLeaseMutex(ctx, opts.Store(), opts.lockOptions(extra)...)
}

// NewInMemoryMutex returns a Mutex that only coordinates goroutines of this
// process. Useful for local development and tests.
func NewInMemoryMutex(extra ...lock.Option) *lock.Mutex {
	// the in-memory store starts empty, the sweep cannot fail
	m, _ := lock.NewMutex(context.Background(), adapter.NewInMemoryStore(), extra...)
	return m
}

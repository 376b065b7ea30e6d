package lock

import (
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-warplock/v1/retry"
)

const (
	// DefaultPrefix namespaces lock keys in the shared store.
	DefaultPrefix = "LOCK_"
	// DefaultTimeout bounds Mutex.Lock when no timeout is given.
	DefaultTimeout = 5 * time.Second
	// DefaultPollInterval is the wait between two conditional sets.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultLeaseSlack is added to the Mutex timeout to form the key TTL.
	DefaultLeaseSlack = 200 * time.Millisecond
	// DefaultWaitTime bounds LeaseMutex.LockWithLease when no wait is given.
	DefaultWaitTime = 5 * time.Second
	// DefaultLeaseTime is the LeaseMutex key TTL when no lease is given.
	DefaultLeaseTime = 10 * time.Second

	defaultShutdownConcurrency = 8
	defaultScriptAttempts      = 3
	defaultScriptBackoff       = 100 * time.Millisecond
)

// Option configures a Mutex or a LeaseMutex.
type Option func(*options)

type options struct {
	prefix              string
	pollInterval        time.Duration
	leaseSlack          time.Duration
	logger              *slog.Logger
	sweep               bool
	shutdownConcurrency int
	releasePolicy       retry.Policy
	scriptPolicy        retry.Policy
}

func newOptions(opts []Option) options {
	o := options{
		prefix:              DefaultPrefix,
		pollInterval:        DefaultPollInterval,
		leaseSlack:          DefaultLeaseSlack,
		sweep:               true,
		shutdownConcurrency: defaultShutdownConcurrency,
		// a second of fixed-interval attempts for DEL
		releasePolicy: retry.Fixed(int(time.Second/DefaultPollInterval), DefaultPollInterval),
		scriptPolicy:  retry.Exponential(defaultScriptAttempts, defaultScriptBackoff),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.releasePolicy = o.releasePolicy.WithLogger(o.logger)
	o.scriptPolicy = o.scriptPolicy.WithLogger(o.logger)
	return o
}

// WithPrefix sets the namespace prepended to every lock name.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithPollInterval sets the fixed wait between acquisition attempts of Mutex.
// Non-positive values are ignored.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLeaseSlack sets the extra TTL given to Mutex keys beyond the timeout.
func WithLeaseSlack(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.leaseSlack = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithoutStartupSweep keeps existing keys under the prefix at construction.
func WithoutStartupSweep() Option {
	return func(o *options) {
		o.sweep = false
	}
}

// WithShutdownConcurrency bounds the parallel releases issued by Shutdown.
func WithShutdownConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shutdownConcurrency = n
		}
	}
}

// WithReleasePolicy overrides the retry policy of Mutex releases.
func WithReleasePolicy(p retry.Policy) Option {
	return func(o *options) {
		o.releasePolicy = p
	}
}

// WithScriptPolicy overrides the retry policy of LeaseMutex scripts.
func WithScriptPolicy(p retry.Policy) Option {
	return func(o *options) {
		o.scriptPolicy = p
	}
}

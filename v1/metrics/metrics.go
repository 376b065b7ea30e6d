package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	// VariantPolling labels metrics emitted by the polling Mutex.
	VariantPolling = "polling"
	// VariantLease labels metrics emitted by the notification LeaseMutex.
	VariantLease = "lease"
)

var (
	// AcquireCounter tracks lock acquisition outcomes.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_acquire_total",
		Help: "Total number of lock acquisition attempts by outcome",
	}, []string{"variant", "result"})
	// ReleaseCounter tracks lock release outcomes.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_release_total",
		Help: "Total number of lock releases by outcome",
	}, []string{"variant", "result"})
	// AcquireWait observes how long callers waited for a lock.
	AcquireWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warplock_acquire_wait_seconds",
		Help:    "Time spent acquiring a lock, successful or not",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"variant"})
	// HeldGauge reports the number of locks held by this process.
	HeldGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warplock_held_locks",
		Help: "Current number of locks held by this process",
	}, []string{"variant"})
	// RetryAttempts counts failed attempts seen by the retry executor.
	RetryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_retry_attempts_total",
		Help: "Total number of failed attempts retried or given up",
	}, []string{"op"})
	// TimeoutWarnings counts locks held past their intended timeout.
	TimeoutWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_timeout_warnings_total",
		Help: "Total number of locks still held after their timeout",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, AcquireWait, HeldGauge, RetryAttempts, TimeoutWarnings)
}

package lock

import (
	"slices"
	"sync"
	"time"

	"github.com/mirkobrombin/go-warplock/v1/metrics"
)

// diagTimer fires a warning when a lock outlives its timeout. cancelled is
// only touched under heldSet.mu.
type diagTimer struct {
	t         *time.Timer
	cancelled bool
}

// heldSet tracks the keys this manager holds, in acquisition order, plus the
// diagnostic timers armed for them.
type heldSet struct {
	variant string

	mu     sync.Mutex
	keys   []string
	timers map[string]*diagTimer
	closed bool
}

func newHeldSet(variant string) *heldSet {
	return &heldSet{variant: variant, timers: make(map[string]*diagTimer)}
}

// add appends key. It reports false once the set has been closed.
func (h *heldSet) add(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if !slices.Contains(h.keys, key) {
		h.keys = append(h.keys, key)
		metrics.HeldGauge.WithLabelValues(h.variant).Inc()
	}
	return true
}

func (h *heldSet) remove(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := slices.Index(h.keys, key)
	if i < 0 {
		return
	}
	h.keys = slices.Delete(h.keys, i, i+1)
	metrics.HeldGauge.WithLabelValues(h.variant).Dec()
}

func (h *heldSet) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *heldSet) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.keys)
}

// arm schedules fire after d unless disarm(key) runs first.
func (h *heldSet) arm(key string, d time.Duration, fire func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if old, ok := h.timers[key]; ok {
		old.cancelled = true
		old.t.Stop()
	}
	dt := &diagTimer{}
	dt.t = time.AfterFunc(d, func() {
		h.mu.Lock()
		if dt.cancelled || h.timers[key] != dt {
			h.mu.Unlock()
			return
		}
		delete(h.timers, key)
		h.mu.Unlock()
		fire()
	})
	h.timers[key] = dt
}

// disarm cancels the timer for key. A callback that has not passed its check
// yet stays silent once disarm returns.
func (h *heldSet) disarm(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dt, ok := h.timers[key]; ok {
		dt.cancelled = true
		dt.t.Stop()
		delete(h.timers, key)
	}
}

// close marks the set closed, cancels every timer and returns the held keys.
func (h *heldSet) close() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for key, dt := range h.timers {
		dt.cancelled = true
		dt.t.Stop()
		delete(h.timers, key)
	}
	return slices.Clone(h.keys)
}

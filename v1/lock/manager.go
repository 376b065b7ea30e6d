package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warplock/v1/adapter"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warplock/v1/lock")

// base holds what both managers share: the store, the held-lock set and the
// startup/shutdown sweeps.
type base struct {
	store   adapter.Store
	opts    options
	logger  *slog.Logger
	id      string
	variant string
	held    *heldSet
}

func newBase(ctx context.Context, store adapter.Store, variant string, opts []Option) (*base, error) {
	o := newOptions(opts)
	id := uuid.NewString()
	b := &base{
		store:   store,
		opts:    o,
		logger:  o.logger.With("instance", id, "variant", variant),
		id:      id,
		variant: variant,
		held:    newHeldSet(variant),
	}
	if o.sweep {
		if _, err := b.Sweep(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Key returns the namespaced store key for name.
func (b *base) Key(name string) string {
	return b.opts.prefix + name
}

// ID identifies this manager instance in logs.
func (b *base) ID() string {
	return b.id
}

// Held returns the keys this manager currently holds, oldest first.
func (b *base) Held() []string {
	return b.held.snapshot()
}

// Sweep deletes every key under the prefix, left behind by a previous
// instance that exited without releasing, and returns how many it removed.
// Locks held by live siblings are removed too.
func (b *base) Sweep(ctx context.Context) (int, error) {
	keys, err := b.store.Keys(ctx, b.opts.prefix)
	if err != nil {
		return 0, fmt.Errorf("warplock: sweep: %w", err)
	}
	removed := 0
	for _, key := range keys {
		n, err := b.store.Delete(ctx, key)
		if err != nil {
			return removed, fmt.Errorf("warplock: sweep %s: %w", key, err)
		}
		removed += int(n)
	}
	if removed > 0 {
		b.logger.Info("warplock: cleared stale locks", "prefix", b.opts.prefix, "count", removed)
	}
	return removed, nil
}

// shutdown closes the held set and releases every key through release,
// concurrently. Errors are joined; released keys leave the set.
func (b *base) shutdown(ctx context.Context, release func(ctx context.Context, key string) error) error {
	keys := b.held.close()
	if len(keys) == 0 {
		return nil
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(b.opts.shutdownConcurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := release(ctx, key); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				mu.Unlock()
				return nil
			}
			b.held.remove(key)
			return nil
		})
	}
	_ = g.Wait()
	err := stdErrors.Join(errs...)
	if err != nil {
		b.logger.Warn("warplock: shutdown left locks behind", "count", len(errs), "error", err)
	} else {
		b.logger.Info("warplock: released held locks on shutdown", "count", len(keys))
	}
	return err
}

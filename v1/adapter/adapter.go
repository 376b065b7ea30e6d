package adapter

import (
	"context"
	"strings"
	"sync"
	"time"
)

// UnlockedMessage is published on a lock's channel when the lock is released.
const UnlockedMessage = "UNLOCKED"

// Store abstracts the shared key-value endpoint the lock managers coordinate
// through. Every mutating method must be atomic on the server side.
type Store interface {
	// SetNX sets key to value with the given expiry only if key is absent.
	// It reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the value stored at key. The boolean reports presence.
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes key and returns the number of keys removed.
	Delete(ctx context.Context, key string) (int64, error)
	// Keys lists the keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// AcquireScripted performs the set-if-absent-with-expiry decision in a
	// single server-side step.
	AcquireScripted(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// ReleaseAndPublish deletes key and publishes message on the channel named
	// after key in one step. It reports whether a key was deleted.
	ReleaseAndPublish(ctx context.Context, key, message string) (bool, error)
	// Subscribe listens on channel. It returns once the subscription is
	// active on the server.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers messages published on a channel.
type Subscription interface {
	// Messages is closed once the subscription is closed.
	Messages() <-chan string
	Close() error
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemoryStore is a Store kept in process memory. All operations are
// serialized by a single mutex, which makes every method atomic. Pub/sub is
// fan-out to local subscribers only.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string]memEntry
	subs  map[string][]chan string
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items: make(map[string]memEntry),
		subs:  make(map[string][]chan string),
	}
}

// lookup returns the live entry for key, dropping it if expired. Callers hold mu.
func (s *InMemoryStore) lookup(key string, now time.Time) (memEntry, bool) {
	e, ok := s.items[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(now) {
		delete(s.items, key)
		return memEntry{}, false
	}
	return e, true
}

// SetNX implements Store.SetNX.
func (s *InMemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key, now); ok {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.items[key] = e
	return true, nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key, time.Now())
	return e.value, ok, nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key, time.Now()); !ok {
		return 0, nil
	}
	delete(s.items, key)
	return 1, nil
}

// Keys implements Store.Keys.
func (s *InMemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.lookup(k, now); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// AcquireScripted implements Store.AcquireScripted.
func (s *InMemoryStore) AcquireScripted(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.SetNX(ctx, key, value, ttl)
}

// ReleaseAndPublish implements Store.ReleaseAndPublish.
func (s *InMemoryStore) ReleaseAndPublish(ctx context.Context, key, message string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	_, ok := s.lookup(key, time.Now())
	if ok {
		delete(s.items, key)
	}
	chans := append([]chan string(nil), s.subs[key]...)
	// deliver while still holding mu so a concurrent Close cannot close a
	// channel mid-send
	for _, ch := range chans {
		select {
		case ch <- message:
		default:
		}
	}
	s.mu.Unlock()
	return ok, nil
}

// Subscribe implements Store.Subscribe.
func (s *InMemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan string, 1)
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.mu.Unlock()
	return &memSubscription{store: s, channel: channel, ch: ch}, nil
}

func (s *InMemoryStore) unsubscribe(channel string, ch chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[channel]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			s.subs[channel] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(s.subs, channel)
	}
}

type memSubscription struct {
	store   *InMemoryStore
	channel string
	ch      chan string
	once    sync.Once
}

func (m *memSubscription) Messages() <-chan string { return m.ch }

func (m *memSubscription) Close() error {
	m.once.Do(func() { m.store.unsubscribe(m.channel, m.ch) })
	return nil
}

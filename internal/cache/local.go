package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/smallbiznis/tenantcore/internal/clock"
)

type localEntry struct {
	data      []byte
	expiresAt time.Time
}

// LocalStore is an in-process Distributed used for single-node runs and tests.
// Pattern matching follows path.Match, which agrees with the redis glob for
// keys without '/'.
type LocalStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]localEntry
	subs    []chan []string

	// FailWith makes every call return the error, for exercising degraded paths.
	FailWith error
}

func NewLocalStore(clk clock.Clock) *LocalStore {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &LocalStore{clock: clk, entries: make(map[string]localEntry)}
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, 0, s.FailWith
	}
	entry, ok := s.entries[key]
	if !ok {
		return nil, 0, ErrMiss
	}
	now := s.clock.Now()
	if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil, 0, ErrMiss
	}
	if entry.expiresAt.IsZero() {
		return entry.data, -1, nil
	}
	return entry.data, entry.expiresAt.Sub(now), nil
}

func (s *LocalStore) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.put(key, data, ttl)
	return nil
}

func (s *LocalStore) SetMany(_ context.Context, items []Item, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	for _, item := range items {
		s.put(item.Key, item.Data, ttl)
	}
	return nil
}

func (s *LocalStore) put(key string, data []byte, ttl time.Duration) {
	entry := localEntry{data: append([]byte(nil), data...)}
	if ttl > 0 {
		entry.expiresAt = s.clock.Now().Add(ttl)
	}
	s.entries[key] = entry
}

func (s *LocalStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *LocalStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	var out []string
	for key := range s.entries {
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *LocalStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FailWith
}

func (s *LocalStore) Close() error { return nil }

func (s *LocalStore) PublishInvalidation(_ context.Context, keys []string) error {
	s.mu.Lock()
	subs := append([]chan []string(nil), s.subs...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- keys:
		default:
		}
	}
	return nil
}

func (s *LocalStore) SubscribeInvalidation(ctx context.Context, fn func(keys []string)) error {
	ch := make(chan []string, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return nil
		case keys := <-ch:
			fn(keys)
		}
	}
}

var (
	_ Distributed = (*LocalStore)(nil)
	_ Invalidator = (*LocalStore)(nil)
)

package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/smallbiznis/tenantcore/internal/clock"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// memoryStore is the bounded in-process tier. Reads refresh recency, so the
// oldest element is always the least recently accessed one.
type memoryStore struct {
	mu    sync.Mutex
	max   int
	clock clock.Clock
	lru   *simplelru.LRU

	evictions int64
	onEvict   func()
}

func newMemoryStore(max int, clk clock.Clock) *memoryStore {
	if max <= 0 {
		max = 1000
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	// NewLRU only fails on a non-positive size.
	lru, _ := simplelru.NewLRU(max, nil)
	return &memoryStore{max: max, clock: clk, lru: lru}
}

// get returns a live entry and marks it most recent. Expired entries are dropped.
func (m *memoryStore) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.lru.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(*memoryEntry)
	if !m.clock.Now().Before(entry.expiresAt) {
		m.lru.Remove(key)
		return nil, false
	}
	return entry.data, true
}

func (m *memoryStore) set(key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if evicted := m.lru.Add(key, &memoryEntry{data: data, expiresAt: m.clock.Now().Add(ttl)}); evicted {
		m.evictions++
		if m.onEvict != nil {
			m.onEvict()
		}
	}
}

func (m *memoryStore) delete(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.lru.Remove(key)
	}
}

// sweep removes every expired entry and returns how many were dropped.
func (m *memoryStore) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for _, key := range m.lru.Keys() {
		v, ok := m.lru.Peek(key)
		if ok && !now.Before(v.(*memoryEntry).expiresAt) {
			m.lru.Remove(key)
			removed++
		}
	}
	return removed
}

func (m *memoryStore) oldestKey() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, _, ok := m.lru.GetOldest()
	if !ok {
		return "", false
	}
	return key.(string), true
}

func (m *memoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

func (m *memoryStore) evicted() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

func (m *memoryStore) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
}

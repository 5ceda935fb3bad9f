package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/tenantcore/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	*LocalStore
	setManyCalls int
	setCalls     int
}

func (s *countingStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	s.setCalls++
	return s.LocalStore.Set(ctx, key, data, ttl)
}

func (s *countingStore) SetMany(ctx context.Context, items []Item, ttl time.Duration) error {
	s.setManyCalls++
	return s.LocalStore.SetMany(ctx, items, ttl)
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *countingStore, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	store := &countingStore{LocalStore: NewLocalStore(clk)}
	return New(cfg, store, clk, nil, nil, nil), store, clk
}

func TestSetThenGetHitsMemory(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t1", "user:1", []byte(`{"id":1}`), time.Minute))

	res := c.Get(ctx, "t1", "user:1")
	assert.Equal(t, SourceMemory, res.Source)
	assert.JSONEq(t, `{"id":1}`, string(res.Data))
}

func TestKeysAreTenantScoped(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t1", "k", []byte("a"), time.Minute))

	assert.Equal(t, SourceMiss, c.Get(ctx, "t2", "k").Source)
	assert.Equal(t, "t1:k", Key("t1", "k"))
}

func TestDistributedHitPopulatesMemory(t *testing.T) {
	c, store, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, store.LocalStore.Set(ctx, Key("t1", "k"), []byte("v"), time.Minute))

	first := c.Get(ctx, "t1", "k")
	assert.Equal(t, SourceDistributed, first.Source)

	second := c.Get(ctx, "t1", "k")
	assert.Equal(t, SourceMemory, second.Source)
	assert.Equal(t, []byte("v"), second.Data)
}

func TestDistributedErrorIsReportedNotRaised(t *testing.T) {
	c, store, _ := newTestCache(t, Config{})
	store.FailWith = errors.New("connection refused")

	res := c.Get(context.Background(), "t1", "k")

	assert.Equal(t, SourceError, res.Source)
	assert.False(t, res.Hit())
	assert.Equal(t, int64(1), c.Stats(context.Background()).Errors)
}

func TestSetKeepsMemoryWhenDistributedFails(t *testing.T) {
	c, store, _ := newTestCache(t, Config{})
	store.FailWith = errors.New("down")
	ctx := context.Background()

	err := c.Set(ctx, "t1", "k", []byte("v"), time.Minute)
	require.Error(t, err)

	assert.Equal(t, SourceMemory, c.Get(ctx, "t1", "k").Source)
}

func TestMemoryEvictsLeastRecentlyAccessed(t *testing.T) {
	c, _, clk := newTestCache(t, Config{MemoryMaxEntries: 2})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t1", "a", []byte("1"), time.Minute))
	clk.Advance(time.Second)
	require.NoError(t, c.Set(ctx, "t1", "b", []byte("2"), time.Minute))
	clk.Advance(time.Second)
	c.Get(ctx, "t1", "a")

	oldest, ok := c.memory.oldestKey()
	require.True(t, ok)
	assert.Equal(t, Key("t1", "b"), oldest)

	require.NoError(t, c.Set(ctx, "t1", "c", []byte("3"), time.Minute))

	assert.Equal(t, 2, c.memory.len())
	_, ok = c.memory.get(Key("t1", "b"))
	assert.False(t, ok)
	_, ok = c.memory.get(Key("t1", "a"))
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats(ctx).Evictions)
}

func TestMemoryTTLIsCapped(t *testing.T) {
	c, store, clk := newTestCache(t, Config{MemoryTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t1", "k", []byte("v"), time.Hour))
	clk.Advance(2 * time.Minute)

	res := c.Get(ctx, "t1", "k")
	assert.Equal(t, SourceDistributed, res.Source)
	assert.Equal(t, 1, store.setCalls)
}

func TestSweepRemovesExpired(t *testing.T) {
	c, _, clk := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t1", "short", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "t1", "long", []byte("2"), time.Hour))
	clk.Advance(5 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.memory.len())
}

func TestSetMultipleUsesOneRoundTrip(t *testing.T) {
	c, store, _ := newTestCache(t, Config{})
	ctx := context.Background()

	items := []Item{
		{Key: "a", Data: []byte("1")},
		{Key: "b", Data: []byte("2")},
		{Key: "c", Data: []byte("3")},
	}
	require.NoError(t, c.SetMultiple(ctx, "t1", items, time.Minute))

	assert.Equal(t, 1, store.setManyCalls)
	assert.Equal(t, 0, store.setCalls)
	for _, item := range items {
		assert.Equal(t, SourceMemory, c.Get(ctx, "t1", item.Key).Source)
	}
}

func TestDeletePattern(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t1", "user:1", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "t1", "user:2", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "t1", "plan", []byte("3"), time.Minute))
	require.NoError(t, c.Set(ctx, "t2", "user:1", []byte("4"), time.Minute))

	removed, err := c.DeletePattern(ctx, "t1", "user:*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.Equal(t, SourceMiss, c.Get(ctx, "t1", "user:1").Source)
	assert.Equal(t, SourceMiss, c.Get(ctx, "t1", "user:2").Source)
	assert.True(t, c.Get(ctx, "t1", "plan").Hit())
	assert.True(t, c.Get(ctx, "t2", "user:1").Hit())
}

func TestGetJSONDropsUndecodable(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t1", "k", []byte("not json"), time.Minute))

	var dest map[string]any
	assert.False(t, c.GetJSON(ctx, "t1", "k", &dest))
	assert.Equal(t, 0, c.memory.len())
}

func TestStatsHitRate(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.SetJSON(ctx, "t1", "k", map[string]int{"n": 1}, time.Minute))
	c.Get(ctx, "t1", "k")
	c.Get(ctx, "t1", "k")
	c.Get(ctx, "t1", "missing")
	c.Get(ctx, "t1", "missing-too")

	stats := c.Stats(ctx)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)
	assert.True(t, stats.DistributedAlive)
}

func TestInvalidationDropsPeerMemory(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	shared := NewLocalStore(clk)
	a := New(Config{}, shared, clk, nil, nil, nil)
	b := New(Config{}, shared, clk, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.ListenInvalidations(ctx)
	require.Eventually(t, func() bool {
		shared.mu.Lock()
		defer shared.mu.Unlock()
		return len(shared.subs) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Set(ctx, "t1", "k", []byte("v"), time.Minute))
	require.NoError(t, a.Delete(ctx, "t1", "k"))

	require.Eventually(t, func() bool {
		return b.memory.len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryOnlyCache(t *testing.T) {
	c := New(Config{}, nil, nil, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t1", "k", []byte("v"), time.Minute))
	assert.Equal(t, SourceMemory, c.Get(ctx, "t1", "k").Source)

	removed, err := c.DeletePattern(ctx, "t1", "*")
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.NoError(t, c.Close())
}

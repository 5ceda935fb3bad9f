package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/tenantcore/internal/clock"
	"github.com/smallbiznis/tenantcore/internal/events"
	"github.com/smallbiznis/tenantcore/internal/observability/metrics"
	"go.uber.org/zap"
)

type Source string

const (
	SourceMemory      Source = "memory"
	SourceDistributed Source = "distributed"
	SourceMiss        Source = "miss"
	SourceError       Source = "error"
)

// Result is a lookup outcome. Data is nil unless Source is memory or distributed.
type Result struct {
	Data   []byte
	Source Source
}

func (r Result) Hit() bool {
	return r.Source == SourceMemory || r.Source == SourceDistributed
}

type Config struct {
	MemoryMaxEntries int
	// MemoryTTL caps how long an entry stays in process, whatever the write ttl.
	MemoryTTL      time.Duration
	DefaultTTL     time.Duration
	SweepInterval  time.Duration
	OperationLimit time.Duration
}

func DefaultConfig() Config {
	return Config{
		MemoryMaxEntries: 1000,
		MemoryTTL:        5 * time.Minute,
		DefaultTTL:       5 * time.Minute,
		SweepInterval:    time.Minute,
		OperationLimit:   500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MemoryMaxEntries <= 0 {
		c.MemoryMaxEntries = defaults.MemoryMaxEntries
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = defaults.DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.OperationLimit <= 0 {
		c.OperationLimit = defaults.OperationLimit
	}
	return c
}

// Cache is the two-tier lookup chain: an in-process LRU in front of a shared store.
// A nil Distributed runs the cache memory-only.
type Cache struct {
	cfg     Config
	memory  *memoryStore
	remote  Distributed
	log     *zap.Logger
	bus     *events.Bus
	metrics *metrics.Core

	memoryHits      atomic.Int64
	distributedHits atomic.Int64
	misses          atomic.Int64
	errorCount      atomic.Int64
}

func New(cfg Config, remote Distributed, clk clock.Clock, log *zap.Logger, bus *events.Bus, m *metrics.Core) *Cache {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{
		cfg:     cfg,
		memory:  newMemoryStore(cfg.MemoryMaxEntries, clk),
		remote:  remote,
		log:     log.Named("cache"),
		bus:     bus,
		metrics: m,
	}
	c.memory.onEvict = m.IncCacheEviction
	return c
}

// Key namespaces a logical key by tenant.
func Key(tenantID, key string) string {
	return strings.TrimSpace(tenantID) + ":" + key
}

func (c *Cache) Get(ctx context.Context, tenantID, key string) Result {
	full := Key(tenantID, key)

	if data, ok := c.memory.get(full); ok {
		c.memoryHits.Add(1)
		c.metrics.IncCacheLookup(string(SourceMemory))
		return Result{Data: data, Source: SourceMemory}
	}

	if c.remote == nil {
		return c.miss()
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationLimit)
	defer cancel()
	data, ttl, err := c.remote.Get(opCtx, full)
	switch {
	case errors.Is(err, ErrMiss):
		return c.miss()
	case err != nil:
		c.errorCount.Add(1)
		c.metrics.IncCacheLookup(string(SourceError))
		c.log.Warn("distributed cache get failed", zap.String("key", full), zap.Error(err))
		return Result{Source: SourceError}
	}

	c.memory.set(full, data, c.memoryTTL(ttl))
	c.distributedHits.Add(1)
	c.metrics.IncCacheLookup(string(SourceDistributed))
	return Result{Data: data, Source: SourceDistributed}
}

// GetJSON decodes a hit into dest. It reports false on miss, error or undecodable data.
func (c *Cache) GetJSON(ctx context.Context, tenantID, key string, dest any) bool {
	res := c.Get(ctx, tenantID, key)
	if !res.Hit() {
		return false
	}
	if err := json.Unmarshal(res.Data, dest); err != nil {
		c.log.Warn("cached value undecodable", zap.String("key", Key(tenantID, key)), zap.Error(err))
		c.memory.delete(Key(tenantID, key))
		return false
	}
	return true
}

// Set writes both tiers. The memory tier is always updated; a distributed failure is returned.
func (c *Cache) Set(ctx context.Context, tenantID, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	full := Key(tenantID, key)
	c.memory.set(full, data, c.memoryTTL(ttl))

	if c.remote == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationLimit)
	defer cancel()
	if err := c.remote.Set(opCtx, full, data, ttl); err != nil {
		c.errorCount.Add(1)
		c.log.Warn("distributed cache set failed", zap.String("key", full), zap.Error(err))
		return err
	}
	return nil
}

func (c *Cache) SetJSON(ctx context.Context, tenantID, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, key, data, ttl)
}

// SetMultiple updates memory entry by entry and sends every distributed write in one round trip.
func (c *Cache) SetMultiple(ctx context.Context, tenantID string, items []Item, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	full := make([]Item, 0, len(items))
	for _, item := range items {
		k := Key(tenantID, item.Key)
		c.memory.set(k, item.Data, c.memoryTTL(ttl))
		full = append(full, Item{Key: k, Data: item.Data})
	}

	if c.remote == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationLimit)
	defer cancel()
	if err := c.remote.SetMany(opCtx, full, ttl); err != nil {
		c.errorCount.Add(1)
		c.log.Warn("distributed cache set multiple failed", zap.Int("items", len(items)), zap.Error(err))
		return err
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, tenantID string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, key := range keys {
		full = append(full, Key(tenantID, key))
	}
	return c.deleteFull(ctx, full)
}

// DeletePattern removes every distributed key matching the tenant-scoped glob
// and the memory entries with those exact keys. Memory holds no pattern index,
// so an entry that only exists in memory survives until its ttl.
func (c *Cache) DeletePattern(ctx context.Context, tenantID, pattern string) (int, error) {
	if c.remote == nil {
		return 0, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationLimit)
	defer cancel()

	keys, err := c.remote.Keys(opCtx, Key(tenantID, pattern))
	if err != nil {
		c.errorCount.Add(1)
		c.log.Warn("distributed cache key scan failed", zap.String("pattern", pattern), zap.Error(err))
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.deleteFull(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (c *Cache) deleteFull(ctx context.Context, keys []string) error {
	c.memory.delete(keys...)
	if c.remote == nil {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationLimit)
	defer cancel()
	if err := c.remote.Del(opCtx, keys...); err != nil {
		c.errorCount.Add(1)
		c.log.Warn("distributed cache delete failed", zap.Int("keys", len(keys)), zap.Error(err))
		c.bus.Emit("cache", events.CacheInvalidationError, map[string]any{"keys": len(keys), "error": err.Error()})
		return err
	}
	if inv, ok := c.remote.(Invalidator); ok {
		if err := inv.PublishInvalidation(opCtx, keys); err != nil {
			c.log.Warn("cache invalidation publish failed", zap.Error(err))
		}
	}
	return nil
}

// Warmup loads items for a tenant and writes them through both tiers.
func (c *Cache) Warmup(ctx context.Context, tenantID string, load func(ctx context.Context) ([]Item, error), ttl time.Duration) error {
	items, err := load(ctx)
	if err != nil {
		return err
	}
	if err := c.SetMultiple(ctx, tenantID, items, ttl); err != nil {
		return err
	}
	c.log.Info("cache warmed", zap.String("tenant_id", tenantID), zap.Int("items", len(items)))
	return nil
}

// Sweep drops expired memory entries.
func (c *Cache) Sweep() int {
	return c.memory.sweep()
}

func (c *Cache) RunForever(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if removed := c.Sweep(); removed > 0 {
			c.log.Debug("expired entries swept", zap.Int("removed", removed))
		}
	}
}

// ListenInvalidations drops memory copies of keys deleted by peers. It blocks until ctx is done.
func (c *Cache) ListenInvalidations(ctx context.Context) error {
	inv, ok := c.remote.(Invalidator)
	if !ok {
		<-ctx.Done()
		return nil
	}
	return inv.SubscribeInvalidation(ctx, func(keys []string) {
		c.memory.delete(keys...)
	})
}

type Stats struct {
	MemorySize       int     `json:"memory_size"`
	MemoryMax        int     `json:"memory_max"`
	MemoryHits       int64   `json:"memory_hits"`
	DistributedHits  int64   `json:"distributed_hits"`
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	Errors           int64   `json:"errors"`
	Evictions        int64   `json:"evictions"`
	HitRate          float64 `json:"hit_rate"`
	DistributedAlive bool    `json:"distributed_alive"`
}

func (c *Cache) Stats(ctx context.Context) Stats {
	s := Stats{
		MemorySize:      c.memory.len(),
		MemoryMax:       c.cfg.MemoryMaxEntries,
		MemoryHits:      c.memoryHits.Load(),
		DistributedHits: c.distributedHits.Load(),
		Misses:          c.misses.Load(),
		Errors:          c.errorCount.Load(),
		Evictions:       c.memory.evicted(),
	}
	s.Hits = s.MemoryHits + s.DistributedHits
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if c.remote != nil {
		opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationLimit)
		defer cancel()
		s.DistributedAlive = c.remote.Ping(opCtx) == nil
	}
	return s
}

// Close drops memory and closes the distributed client.
func (c *Cache) Close() error {
	c.memory.clear()
	if c.remote == nil {
		return nil
	}
	return c.remote.Close()
}

func (c *Cache) miss() Result {
	c.misses.Add(1)
	c.metrics.IncCacheLookup(string(SourceMiss))
	return Result{Source: SourceMiss}
}

func (c *Cache) memoryTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if c.cfg.MemoryTTL > 0 && ttl > c.cfg.MemoryTTL {
		return c.cfg.MemoryTTL
	}
	return ttl
}

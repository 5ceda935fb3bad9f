package cache

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenantcore/internal/clock"
	"github.com/smallbiznis/tenantcore/internal/config"
	"github.com/smallbiznis/tenantcore/internal/events"
	"github.com/smallbiznis/tenantcore/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("cache",
	fx.Provide(
		NewRedisClient,
		provideCache,
	),
	fx.Invoke(runBackground),
)

// NewRedisClient is shared by the cache and the queue broker. It is nil when no
// address is configured, which keeps both in process.
func NewRedisClient(cfg config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

type Params struct {
	fx.In

	Cfg     config.Config
	Client  *redis.Client `optional:"true"`
	Clock   clock.Clock
	Log     *zap.Logger
	Bus     *events.Bus
	Metrics *metrics.Core `optional:"true"`
}

func provideCache(p Params) *Cache {
	var remote Distributed = NewLocalStore(p.Clock)
	if p.Client != nil {
		remote = NewRedisStore(p.Client, p.Cfg.Cache.InvalidationChannel)
	}
	return New(Config{
		MemoryMaxEntries: p.Cfg.Cache.MemoryMaxEntries,
		MemoryTTL:        p.Cfg.Cache.MemoryTTL,
		DefaultTTL:       p.Cfg.Cache.DistributedTTL,
		SweepInterval:    p.Cfg.Cache.SweepInterval,
	}, remote, p.Clock, p.Log, p.Bus, p.Metrics)
}

func runBackground(lc fx.Lifecycle, c *Cache, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go c.RunForever(ctx)
			go func() {
				if err := c.ListenInvalidations(ctx); err != nil {
					log.Warn("cache invalidation listener stopped", zap.Error(err))
				}
			}()

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}

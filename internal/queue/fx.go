package queue

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenantcore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("queue",
	fx.Provide(provideBroker),
	fx.Provide(provideConfig),
	fx.Provide(New),
	fx.Invoke(runManager),
)

type brokerParams struct {
	fx.In

	Cfg    config.Config
	Client *redis.Client `optional:"true"`
	Log    *zap.Logger
}

func provideBroker(p brokerParams) Broker {
	if p.Cfg.Queue.Backend == "redis" {
		if p.Client != nil {
			return NewRedisBroker(p.Client, p.Cfg.Queue.KeyPrefix)
		}
		p.Log.Warn("redis queue backend requested without a redis address, using memory broker")
	}
	return NewMemoryBroker()
}

func provideConfig(cfg config.Config) Config {
	return Config{
		LeaseDuration:   cfg.Queue.LeaseDuration,
		PollInterval:    cfg.Queue.PollInterval,
		StalledInterval: cfg.Queue.StalledInterval,
	}
}

func runManager(lc fx.Lifecycle, m *Manager) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return m.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return m.Close(ctx)
		},
	})
}

package router

import (
	"context"

	"github.com/smallbiznis/tenantcore/internal/config"
	"github.com/smallbiznis/tenantcore/internal/events"
	"github.com/smallbiznis/tenantcore/internal/observability/logger"
	"github.com/smallbiznis/tenantcore/internal/observability/metrics"
	"github.com/smallbiznis/tenantcore/pkg/db"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"
)

var Module = fx.Module("router",
	fx.Provide(provideRouter),
	fx.Invoke(runHealthMonitor),
)

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Bus     *events.Bus
	Metrics *metrics.Core `optional:"true"`
}

func provideRouter(p Params) (*Router, error) {
	specs, err := OpenPools(p.Cfg, p.Log)
	if err != nil {
		return nil, err
	}
	return New(Config{
		AcquireTimeout:     p.Cfg.Database.AcquireTimeout,
		StatementTimeout:   p.Cfg.Database.StatementTimeout,
		HealthInterval:     p.Cfg.Router.HealthInterval,
		ProbeTimeout:       p.Cfg.Database.ConnectTimeout,
		SlowQueryThreshold: p.Cfg.Router.SlowQueryThreshold,
		MinConn:            p.Cfg.Database.MinConn,
	}, specs, p.Log, p.Bus, p.Metrics)
}

// OpenPools opens the primary and every replica named in cfg.
func OpenPools(cfg config.Config, log *zap.Logger) ([]PoolSpec, error) {
	var specs []PoolSpec
	for _, poolCfg := range db.PoolConfigs(cfg.Database) {
		conn, err := db.Open(poolCfg, &gorm.Config{
			Logger:                 logger.NewPoolLogger(poolCfg.Name, cfg.Telemetry.LogLevel == "debug"),
			SkipDefaultTransaction: true,
		})
		if err != nil {
			closeSpecs(specs)
			return nil, err
		}
		if cfg.Router.InstrumentPools {
			if err := instrument(conn, poolCfg.Name); err != nil {
				log.Warn("pool instrumentation failed", zap.String("pool", poolCfg.Name), zap.Error(err))
			}
		}
		specs = append(specs, PoolSpec{Name: poolCfg.Name, DB: conn, MaxOpen: poolCfg.MaxOpenConn})
	}
	return specs, nil
}

func instrument(conn *gorm.DB, name string) error {
	if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(name))); err != nil {
		return err
	}
	return conn.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          name,
		RefreshInterval: 15,
		Labels:          map[string]string{"pool": name},
	}))
}

func closeSpecs(specs []PoolSpec) {
	for _, s := range specs {
		if sqlDB, err := s.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func runHealthMonitor(lc fx.Lifecycle, r *Router, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := r.Warmup(ctx); err != nil {
				log.Warn("pool warmup incomplete", zap.Error(err))
			}

			ctx, cancel := context.WithCancel(context.Background())
			go r.RunForever(ctx)

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

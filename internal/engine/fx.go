package engine

import (
	"context"

	"github.com/smallbiznis/tenantcore/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("engine",
	fx.Provide(func(cfg config.Config) Config {
		c := DefaultConfig()
		c.UsageRetention = cfg.Tenant.UsageRetention
		return c
	}),
	fx.Provide(New),
	fx.Invoke(runEngine),
)

// The stop hook is appended at invoke time, so it runs after the hooks of
// modules invoked later, such as the HTTP server.
func runEngine(lc fx.Lifecycle, e *Engine) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go e.RunForever(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			return e.Shutdown(ctx)
		},
	})
}

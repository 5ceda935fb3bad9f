package tenant

import (
	"context"

	"github.com/smallbiznis/tenantcore/internal/config"
	tenantdomain "github.com/smallbiznis/tenantcore/internal/tenant/domain"
	"github.com/smallbiznis/tenantcore/internal/tenant/repository"
	"github.com/smallbiznis/tenantcore/internal/tenant/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tenant.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) tenantdomain.Service { return s }),
	fx.Invoke(preload),
)

func preload(lc fx.Lifecycle, svc *service.Service, cfg config.Config, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			n, err := svc.PreloadActiveTenants(ctx, cfg.Tenant.PreloadLimit)
			if err != nil {
				log.Warn("tenant preload failed", zap.Error(err))
				return nil
			}
			log.Info("active tenants preloaded", zap.Int("tenants", n))
			return nil
		},
	})
}

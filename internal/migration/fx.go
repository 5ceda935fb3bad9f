package migration

import (
	"context"

	"github.com/smallbiznis/tenantcore/internal/router"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(r *router.Router, log *zap.Logger) error {
		if err := Apply(context.Background(), r); err != nil {
			return err
		}
		log.Named("migration").Info("schema up to date", zap.String("dialect", r.Dialect()))
		return nil
	}),
)

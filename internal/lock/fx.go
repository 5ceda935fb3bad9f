package lock

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenantcore/internal/clock"
	"go.uber.org/fx"
)

type Params struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Clock  clock.Clock
}

var Module = fx.Module("lock",
	fx.Provide(func(p Params) Locker { return New(p.Client, p.Clock) }),
)

package events

import (
	"context"

	"github.com/smallbiznis/tenantcore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewBus),
	fx.Invoke(registerLogSink),
	fx.Invoke(registerNatsSink),
)

func registerLogSink(bus *Bus, log *zap.Logger) {
	l := log.Named("events.log")
	bus.Subscribe(func(ev Event) {
		fields := []zap.Field{zap.String("type", string(ev.Type)), zap.String("source", ev.Source)}
		for k, v := range ev.Attrs {
			fields = append(fields, zap.Any(k, v))
		}
		switch ev.Type {
		case PrimaryUnhealthy, JobFailed:
			l.Error("event", fields...)
		case ReplicaUnhealthy, ReplicaFallback, SlowQuery, RateLimitExceeded, JobStalled, CacheInvalidationError:
			l.Warn("event", fields...)
		default:
			l.Debug("event", fields...)
		}
	})
}

func registerNatsSink(lc fx.Lifecycle, cfg config.Config, bus *Bus, log *zap.Logger) error {
	if cfg.Events.NatsURL == "" {
		return nil
	}
	sink, err := NewNatsSink(NatsConfig{
		URL:           cfg.Events.NatsURL,
		Name:          cfg.AppName,
		SubjectPrefix: cfg.Events.SubjectPrefix,
	}, log)
	if err != nil {
		return err
	}
	bus.Subscribe(sink.Handle)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return sink.Close()
		},
	})
	return nil
}

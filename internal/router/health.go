package router

import (
	"context"
	"time"

	"github.com/smallbiznis/tenantcore/internal/events"
	"go.uber.org/zap"
)

// RunForever probes every pool on the health interval until ctx is done.
func (r *Router) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.CheckHealth(ctx)
	}
}

// CheckHealth runs one probe round. Replicas move between healthy and unhealthy;
// a failing primary is reported but keeps serving since nothing can replace it.
func (r *Router) CheckHealth(ctx context.Context) {
	if r.closed.Load() {
		return
	}

	if err := r.probe(ctx, r.primary); err != nil {
		r.log.Error("primary health check failed", zap.Error(err))
		r.bus.Emit(eventSource, events.PrimaryUnhealthy, map[string]any{
			"pool":  r.primary.name,
			"error": err.Error(),
		})
		r.primary.healthy.Store(false)
		r.metrics.SetPoolHealthy(r.primary.name, false)
	} else if !r.primary.healthy.Swap(true) {
		r.metrics.SetPoolHealthy(r.primary.name, true)
		r.log.Info("primary recovered")
	}

	for _, p := range r.replicas {
		err := r.probe(ctx, p)
		switch {
		case err != nil && p.healthy.Swap(false):
			r.metrics.SetPoolHealthy(p.name, false)
			r.log.Warn("replica marked unhealthy", zap.String("pool", p.name), zap.Error(err))
			r.bus.Emit(eventSource, events.ReplicaUnhealthy, map[string]any{
				"pool":  p.name,
				"error": err.Error(),
			})
		case err == nil && !p.healthy.Swap(true):
			r.metrics.SetPoolHealthy(p.name, true)
			r.log.Info("replica recovered", zap.String("pool", p.name))
			r.bus.Emit(eventSource, events.ReplicaRecovered, map[string]any{"pool": p.name})
		}
	}
}

func (r *Router) probe(ctx context.Context, p *pool) error {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()
	return p.db.WithContext(pctx).Exec("SELECT 1").Error
}

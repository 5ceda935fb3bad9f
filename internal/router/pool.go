package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/smallbiznis/tenantcore/pkg/corerr"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// PoolSpec names one connection pool handed to the router.
type PoolSpec struct {
	Name    string
	DB      *gorm.DB
	MaxOpen int
}

type pool struct {
	name    string
	db      *gorm.DB
	size    int64
	sem     *semaphore.Weighted
	healthy atomic.Bool

	inUse           atomic.Int64
	acquireTimeouts atomic.Int64
}

func newPool(spec PoolSpec) *pool {
	size := int64(spec.MaxOpen)
	if size <= 0 {
		size = 10
	}
	p := &pool{
		name: spec.Name,
		db:   spec.DB,
		size: size,
		sem:  semaphore.NewWeighted(size),
	}
	p.healthy.Store(true)
	return p
}

// acquire takes a slot in the pool gate. The returned release is idempotent.
func (r *Router) acquire(ctx context.Context, p *pool) (func(), error) {
	actx, cancel := context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.acquireTimeouts.Add(1)
		r.metrics.IncAcquireTimeout(p.name)
		return nil, corerr.Errorf(corerr.PoolExhausted, "router.acquire",
			"pool %s: no connection available within %s", p.name, r.cfg.AcquireTimeout)
	}
	p.inUse.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.inUse.Add(-1)
			p.sem.Release(1)
		})
	}, nil
}

type PoolStats struct {
	Name            string `json:"name"`
	Healthy         bool   `json:"healthy"`
	Size            int64  `json:"size"`
	InUse           int64  `json:"in_use"`
	Open            int    `json:"open"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	AcquireTimeouts int64  `json:"acquire_timeouts"`
}

func (p *pool) stats() PoolStats {
	s := PoolStats{
		Name:            p.name,
		Healthy:         p.healthy.Load(),
		Size:            p.size,
		InUse:           p.inUse.Load(),
		AcquireTimeouts: p.acquireTimeouts.Load(),
	}
	if sqlDB, err := p.db.DB(); err == nil {
		dbStats := sqlDB.Stats()
		s.Open = dbStats.OpenConnections
		s.Idle = dbStats.Idle
		s.WaitCount = dbStats.WaitCount
	}
	return s
}

func (p *pool) warm(ctx context.Context, n int) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	if int64(n) > p.size {
		n = int(p.size)
	}
	conns := make([]interface{ Close() error }, 0, n)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for i := 0; i < n; i++ {
		conn, err := sqlDB.Conn(ctx)
		if err != nil {
			return fmt.Errorf("warm pool %s: %w", p.name, err)
		}
		conns = append(conns, conn)
	}
	return nil
}

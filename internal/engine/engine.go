package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/smallbiznis/tenantcore/internal/cache"
	"github.com/smallbiznis/tenantcore/internal/clock"
	"github.com/smallbiznis/tenantcore/internal/lock"
	"github.com/smallbiznis/tenantcore/internal/observability/metrics"
	"github.com/smallbiznis/tenantcore/internal/queue"
	"github.com/smallbiznis/tenantcore/internal/router"
	tenantdomain "github.com/smallbiznis/tenantcore/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid engine config")

type Params struct {
	fx.In

	Config  Config `optional:"true"`
	Log     *zap.Logger
	Router  *router.Router
	Cache   *cache.Cache
	Queue   *queue.Manager
	Tenants tenantdomain.Service
	Locker  lock.Locker
	Clock   clock.Clock
	Metrics *metrics.Core `optional:"true"`
}

// Engine owns the serving components for the life of the process. It keeps the
// request counters and tears everything down in dependency order.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	router  *router.Router
	cache   *cache.Cache
	queue   *queue.Manager
	tenants tenantdomain.Service
	locker  lock.Locker
	clock   clock.Clock
	metrics *metrics.Core

	startedAt time.Time

	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	latencySum    atomic.Int64
	window        atomic.Int64
	rpsBits       atomic.Uint64

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(p Params) (*Engine, error) {
	if p.Router == nil || p.Cache == nil || p.Queue == nil || p.Tenants == nil || p.Locker == nil {
		return nil, ErrInvalidConfig
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	e := &Engine{
		cfg:       p.Config.withDefaults(),
		log:       log.Named("engine"),
		router:    p.Router,
		cache:     p.Cache,
		queue:     p.Queue,
		tenants:   p.Tenants,
		locker:    p.Locker,
		clock:     clk,
		metrics:   p.Metrics,
		startedAt: clk.Now(),
	}
	if err := e.queue.RegisterProcessor(e.cfg.RetentionQueue, JobUsageRetention, e.handleUsageRetention, 1); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) RecordRequest(latency time.Duration) {
	e.totalRequests.Add(1)
	e.window.Add(1)
	e.latencySum.Add(int64(latency))
	e.metrics.IncRequest()
}

func (e *Engine) RecordError() {
	e.totalErrors.Add(1)
	e.metrics.IncRequestError()
}

// Tick closes the current throughput window.
func (e *Engine) Tick() {
	n := e.window.Swap(0)
	rps := float64(n) / e.cfg.ThroughputInterval.Seconds()
	e.rpsBits.Store(math.Float64bits(rps))

	avg := e.averageLatency()
	e.metrics.SetThroughput(rps, avg)
	if n > 0 {
		e.log.Debug("throughput", zap.Float64("rps", rps), zap.Duration("avg_latency", avg))
	}
}

func (e *Engine) averageLatency() time.Duration {
	total := e.totalRequests.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(e.latencySum.Load() / total)
}

// RunForever drives the throughput window and the retention schedule until ctx is done.
func (e *Engine) RunForever(ctx context.Context) {
	throughput := time.NewTicker(e.cfg.ThroughputInterval)
	defer throughput.Stop()
	retention := time.NewTicker(e.cfg.RetentionInterval)
	defer retention.Stop()

	e.scheduleRetention(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-throughput.C:
			e.Tick()
		case <-retention.C:
			e.scheduleRetention(ctx)
		}
	}
}

func (e *Engine) scheduleRetention(ctx context.Context) {
	if _, err := e.ScheduleRetention(ctx); err != nil && ctx.Err() == nil {
		e.log.Warn("usage retention not scheduled", zap.Error(err))
	}
}

type Status struct {
	UptimeSeconds     float64            `json:"uptime_seconds"`
	Uptime            string             `json:"uptime"`
	RequestsPerSecond float64            `json:"requests_per_second"`
	AvgLatencyMs      float64            `json:"avg_latency_ms"`
	TotalRequests     int64              `json:"total_requests"`
	TotalErrors       int64              `json:"total_errors"`
	ActiveConnections int64              `json:"active_connections"`
	Router            router.Stats       `json:"database"`
	Cache             cache.Stats        `json:"cache"`
	Queues            []queue.QueueStats `json:"queues"`
	QueueError        string             `json:"queue_error,omitempty"`
}

func (e *Engine) Status(ctx context.Context) Status {
	uptime := e.clock.Now().Sub(e.startedAt)
	routerStats := e.router.Stats()
	s := Status{
		UptimeSeconds:     uptime.Seconds(),
		Uptime:            FormatUptime(uptime),
		RequestsPerSecond: math.Float64frombits(e.rpsBits.Load()),
		AvgLatencyMs:      float64(e.averageLatency()) / float64(time.Millisecond),
		TotalRequests:     e.totalRequests.Load(),
		TotalErrors:       e.totalErrors.Load(),
		ActiveConnections: routerStats.Primary.InUse,
		Router:            routerStats,
		Cache:             e.cache.Stats(ctx),
	}
	queues, err := e.queue.GetQueueStats(ctx)
	if err != nil {
		s.QueueError = "queue broker unavailable"
		e.log.Warn("queue stats unavailable", zap.Error(err))
	}
	s.Queues = queues
	return s
}

// FormatUptime renders the two most significant units, e.g. "2h 5m" or "41s".
func FormatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours%24, minutes%60)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes%60)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// Shutdown drains the queue before closing the pools, since handlers may
// still issue queries, and closes the cache last. Later calls return the
// first result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		var result *multierror.Error
		if err := e.queue.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("queue: %w", err))
		}
		if err := e.router.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("router: %w", err))
		}
		if err := e.cache.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("cache: %w", err))
		}
		e.shutdownErr = result.ErrorOrNil()
		if e.shutdownErr != nil {
			e.log.Error("engine shutdown incomplete", zap.Error(e.shutdownErr))
			return
		}
		e.log.Info("engine shut down", zap.Duration("uptime", e.clock.Now().Sub(e.startedAt)))
	})
	return e.shutdownErr
}

package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Core holds the prometheus collectors shared by the serving components.
// Every method is safe on a nil receiver so components can run without metrics.
type Core struct {
	queries         *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	slowQueries     *prometheus.CounterVec
	replicaFallback prometheus.Counter
	poolHealthy     *prometheus.GaugeVec
	poolWait        *prometheus.CounterVec

	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter

	quotaChecks *prometheus.CounterVec

	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	requests       prometheus.Counter
	requestErrors  prometheus.Counter
	requestsPerSec prometheus.Gauge
	avgLatency     prometheus.Gauge
}

func NewCore(registerer prometheus.Registerer, cfg Config) *Core {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tenantcore"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &Core{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantcore_router_queries_total",
			Help:        "Statements executed by pool, kind and outcome.",
			ConstLabels: constLabels,
		}, []string{"pool", "kind", "outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "tenantcore_router_query_duration_seconds",
			Help:        "Statement latency by pool and kind.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: constLabels,
		}, []string{"pool", "kind"}),
		slowQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantcore_router_slow_queries_total",
			Help:        "Statements above the slow query threshold.",
			ConstLabels: constLabels,
		}, []string{"pool"}),
		replicaFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tenantcore_router_replica_fallback_total",
			Help:        "Reads served by the primary because no replica was healthy.",
			ConstLabels: constLabels,
		}),
		poolHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tenantcore_router_pool_healthy",
			Help:        "1 when the pool passed its last health probe.",
			ConstLabels: constLabels,
		}, []string{"pool"}),
		poolWait: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantcore_router_pool_acquire_timeouts_total",
			Help:        "Connection acquisitions that timed out.",
			ConstLabels: constLabels,
		}, []string{"pool"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantcore_cache_lookups_total",
			Help:        "Cache lookups by serving tier.",
			ConstLabels: constLabels,
		}, []string{"source"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tenantcore_cache_memory_evictions_total",
			Help:        "Entries evicted from the in-process tier for capacity.",
			ConstLabels: constLabels,
		}),
		quotaChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantcore_quota_checks_total",
			Help:        "Quota decisions by operation and outcome.",
			ConstLabels: constLabels,
		}, []string{"operation", "outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantcore_queue_jobs_total",
			Help:        "Job attempts by queue and outcome.",
			ConstLabels: constLabels,
		}, []string{"queue", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "tenantcore_queue_job_duration_seconds",
			Help:        "Job handler latency by queue.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			ConstLabels: constLabels,
		}, []string{"queue"}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tenantcore_requests_total",
			Help:        "Requests recorded by the engine.",
			ConstLabels: constLabels,
		}),
		requestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tenantcore_request_errors_total",
			Help:        "Request errors recorded by the engine.",
			ConstLabels: constLabels,
		}),
		requestsPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "tenantcore_requests_per_second",
			Help:        "Requests observed during the last one second window.",
			ConstLabels: constLabels,
		}),
		avgLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "tenantcore_request_avg_latency_seconds",
			Help:        "Mean request latency since start.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.queries, m.queryDuration, m.slowQueries, m.replicaFallback, m.poolHealthy, m.poolWait,
		m.cacheLookups, m.cacheEvictions,
		m.quotaChecks,
		m.jobs, m.jobDuration,
		m.requests, m.requestErrors, m.requestsPerSec, m.avgLatency,
	)
	return m
}

func (m *Core) ObserveQuery(pool, kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.queries.WithLabelValues(pool, kind, outcome).Inc()
	m.queryDuration.WithLabelValues(pool, kind).Observe(d.Seconds())
}

func (m *Core) IncSlowQuery(pool string) {
	if m == nil {
		return
	}
	m.slowQueries.WithLabelValues(pool).Inc()
}

func (m *Core) IncReplicaFallback() {
	if m == nil {
		return
	}
	m.replicaFallback.Inc()
}

func (m *Core) IncAcquireTimeout(pool string) {
	if m == nil {
		return
	}
	m.poolWait.WithLabelValues(pool).Inc()
}

func (m *Core) SetPoolHealthy(pool string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.poolHealthy.WithLabelValues(pool).Set(v)
}

func (m *Core) IncCacheLookup(source string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(source).Inc()
}

func (m *Core) IncCacheEviction() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}

func (m *Core) IncQuotaCheck(operation string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.quotaChecks.WithLabelValues(operation, outcome).Inc()
}

func (m *Core) ObserveJob(queue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(queue, outcome).Inc()
	m.jobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func (m *Core) IncRequest() {
	if m == nil {
		return
	}
	m.requests.Inc()
}

func (m *Core) IncRequestError() {
	if m == nil {
		return
	}
	m.requestErrors.Inc()
}

func (m *Core) SetThroughput(rps float64, avgLatency time.Duration) {
	if m == nil {
		return
	}
	m.requestsPerSec.Set(rps)
	m.avgLatency.Set(avgLatency.Seconds())
}

package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/smallbiznis/tenantcore/internal/events"
	"github.com/smallbiznis/tenantcore/internal/observability/metrics"
	"github.com/smallbiznis/tenantcore/pkg/corerr"
	"github.com/smallbiznis/tenantcore/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	eventSource      = "router"
	maxLoggedSQLSize = 100

	maxLoggedParamSize = 64
)

// Query is a parameterized statement using ? placeholders.
type Query struct {
	SQL  string
	Args []any
}

type Options struct {
	// ForceMaster routes a read to the primary, e.g. read-your-writes.
	ForceMaster bool
}

type BatchResult struct {
	Result *ResultSet
	Err    error
}

// Router sends writes to the primary and spreads reads over healthy replicas.
type Router struct {
	cfg      Config
	primary  *pool
	replicas []*pool
	next     atomic.Uint64

	log     *zap.Logger
	bus     *events.Bus
	metrics *metrics.Core
	tracer  trace.Tracer

	totalQueries atomic.Int64
	slowQueries  atomic.Int64
	errorCount   atomic.Int64
	fallbacks    atomic.Int64
	closed       atomic.Bool
}

// New builds a router over specs. The first spec is the primary; the rest are replicas.
func New(cfg Config, specs []PoolSpec, log *zap.Logger, bus *events.Bus, m *metrics.Core) (*Router, error) {
	if len(specs) == 0 || specs[0].DB == nil {
		return nil, errors.New("router: primary pool is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		cfg:     cfg.withDefaults(),
		primary: newPool(specs[0]),
		log:     log.Named("router"),
		bus:     bus,
		metrics: m,
		tracer:  otel.Tracer("tenantcore/router"),
	}
	for _, spec := range specs[1:] {
		if spec.DB == nil {
			return nil, fmt.Errorf("router: replica %s has no connection", spec.Name)
		}
		r.replicas = append(r.replicas, newPool(spec))
	}
	r.metrics.SetPoolHealthy(r.primary.name, true)
	for _, p := range r.replicas {
		r.metrics.SetPoolHealthy(p.name, true)
	}
	return r, nil
}

// Execute classifies q and runs it on the selected pool.
func (r *Router) Execute(ctx context.Context, q Query, opts Options) (*ResultSet, error) {
	if r.closed.Load() {
		return nil, corerr.E(corerr.UpstreamUnavailable, "router.execute", errors.New("router closed"))
	}
	kind := Classify(q.SQL)
	p := r.primary
	if kind == Read && !opts.ForceMaster {
		p = r.pickReplica()
	}

	release, err := r.acquire(ctx, p)
	if err != nil {
		r.errorCount.Add(1)
		return nil, err
	}
	defer release()

	return r.exec(ctx, p.db, p.name, kind, q)
}

// ExecuteBatch runs reads concurrently and writes one at a time in submission order.
// Results line up with qs; one failing item does not stop the others.
func (r *Router) ExecuteBatch(ctx context.Context, qs []Query) []BatchResult {
	results := make([]BatchResult, len(qs))
	if len(qs) == 0 {
		return results
	}

	// Per-statement errors land in results, so the group never fails fast.
	var reads errgroup.Group
	var writes []int
	for i, q := range qs {
		if Classify(q.SQL) == Write {
			writes = append(writes, i)
			continue
		}
		reads.Go(func() error {
			rs, err := r.Execute(ctx, q, Options{})
			results[i] = BatchResult{Result: rs, Err: err}
			return nil
		})
	}

	for _, i := range writes {
		rs, err := r.Execute(ctx, qs[i], Options{})
		results[i] = BatchResult{Result: rs, Err: err}
	}

	_ = reads.Wait()
	return results
}

// Runner is satisfied by both the Router and a Tx, so repositories can run the
// same statements inside or outside a transaction.
type Runner interface {
	Execute(ctx context.Context, q Query, opts Options) (*ResultSet, error)
}

// Tx runs statements on the single primary connection that owns a transaction.
// Options are ignored; every statement goes to the primary.
type Tx struct {
	r  *Router
	db *gorm.DB
}

func (t *Tx) Execute(ctx context.Context, q Query, _ Options) (*ResultSet, error) {
	return t.r.exec(ctx, t.db, t.r.primary.name, Classify(q.SQL), q)
}

// WithTransaction runs fn inside BEGIN/COMMIT on the primary. Any error from fn
// rolls back. The pool slot is released on every path.
func (r *Router) WithTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	if r.closed.Load() {
		return corerr.E(corerr.UpstreamUnavailable, "router.transaction", errors.New("router closed"))
	}
	release, err := r.acquire(ctx, r.primary)
	if err != nil {
		r.errorCount.Add(1)
		return err
	}
	defer release()

	return r.primary.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Tx{r: r, db: tx})
	})
}

// ExecuteTransaction runs qs atomically and returns one result per statement.
func (r *Router) ExecuteTransaction(ctx context.Context, qs []Query) ([]*ResultSet, error) {
	results := make([]*ResultSet, 0, len(qs))
	err := r.WithTransaction(ctx, func(tx *Tx) error {
		for _, q := range qs {
			rs, err := tx.Execute(ctx, q, Options{})
			if err != nil {
				return err
			}
			results = append(results, rs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// WithPrimary lends the primary handle to fn for schema work, holding a pool
// slot until fn returns.
func (r *Router) WithPrimary(ctx context.Context, fn func(db *gorm.DB) error) error {
	if r.closed.Load() {
		return corerr.E(corerr.UpstreamUnavailable, "router.primary", errors.New("router closed"))
	}
	release, err := r.acquire(ctx, r.primary)
	if err != nil {
		return err
	}
	defer release()
	return fn(r.primary.db.WithContext(ctx))
}

// Dialect names the primary's gorm dialector, e.g. "postgres" or "sqlite".
func (r *Router) Dialect() string {
	return r.primary.db.Dialector.Name()
}

func (r *Router) pickReplica() *pool {
	healthy := make([]*pool, 0, len(r.replicas))
	for _, p := range r.replicas {
		if p.healthy.Load() {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		if len(r.replicas) > 0 {
			r.fallbacks.Add(1)
			r.metrics.IncReplicaFallback()
			r.log.Warn("no healthy replica, reading from primary")
			r.bus.Emit(eventSource, events.ReplicaFallback, map[string]any{"replicas": len(r.replicas)})
		}
		return r.primary
	}
	idx := r.next.Add(1) - 1
	return healthy[idx%uint64(len(healthy))]
}

func (r *Router) exec(ctx context.Context, conn *gorm.DB, poolName string, kind Kind, q Query) (*ResultSet, error) {
	queryID := ulid.Make().String()
	ctx, span := r.tracer.Start(ctx, "router."+string(kind), trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("db.pool", poolName),
		attribute.String("db.query_id", queryID),
		attribute.String("db.statement", truncate(q.SQL, maxLoggedSQLSize)),
	)

	stmtCtx, cancel := context.WithTimeout(ctx, r.cfg.StatementTimeout)
	defer cancel()

	start := time.Now()
	rs := &ResultSet{Pool: poolName, QueryID: queryID}
	var err error
	session := conn.WithContext(stmtCtx)
	if kind == Read || HasReturning(q.SQL) {
		rows := make([]map[string]any, 0)
		res := session.Raw(q.SQL, q.Args...).Scan(&rows)
		err = res.Error
		rs.Rows = rows
		rs.RowsAffected = res.RowsAffected
	} else {
		res := session.Exec(q.SQL, q.Args...)
		err = res.Error
		rs.RowsAffected = res.RowsAffected
	}
	rs.Duration = time.Since(start)

	r.totalQueries.Add(1)
	r.metrics.ObserveQuery(poolName, string(kind), rs.Duration, err)

	if rs.Duration > r.cfg.SlowQueryThreshold {
		r.recordSlow(q, poolName, queryID, rs.Duration)
	}

	if err != nil {
		r.errorCount.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		r.log.Warn("query failed",
			zap.String("pool", poolName),
			zap.String("query_id", queryID),
			zap.String("sql", truncate(q.SQL, maxLoggedSQLSize)),
			zap.Error(err),
		)
		return nil, classifyExecErr(err, poolName)
	}
	return rs, nil
}

func (r *Router) recordSlow(q Query, poolName, queryID string, d time.Duration) {
	r.slowQueries.Add(1)
	r.metrics.IncSlowQuery(poolName)
	stmt := truncate(q.SQL, maxLoggedSQLSize)
	params := loggableArgs(q.Args)
	r.log.Warn("slow query",
		zap.String("pool", poolName),
		zap.String("query_id", queryID),
		zap.String("sql", stmt),
		zap.Any("params", params),
		zap.Int64("duration_ms", d.Milliseconds()),
	)
	r.bus.Emit(eventSource, events.SlowQuery, map[string]any{
		"query_id":    queryID,
		"sql":         stmt,
		"params":      params,
		"duration_ms": d.Milliseconds(),
		"pool":        poolName,
	})
}

func classifyExecErr(err error, poolName string) error {
	op := "router.execute." + poolName
	switch {
	case db.IsConnectTimeout(err):
		return corerr.E(corerr.ConnectTimeout, op, err)
	case db.IsStatementTimeout(err):
		return corerr.E(corerr.StatementTimeout, op, err)
	case errors.Is(err, gorm.ErrInvalidDB), strings.Contains(err.Error(), "sql: database is closed"):
		return corerr.E(corerr.UpstreamUnavailable, op, err)
	default:
		return pkgerrors.Wrap(err, op)
	}
}

// Stats is a point-in-time snapshot of router counters and pool health.
type Stats struct {
	TotalQueries int64       `json:"total_queries"`
	SlowQueries  int64       `json:"slow_queries"`
	Errors       int64       `json:"errors"`
	Fallbacks    int64       `json:"replica_fallbacks"`
	Primary      PoolStats   `json:"primary"`
	Replicas     []PoolStats `json:"replicas"`
}

func (r *Router) Stats() Stats {
	s := Stats{
		TotalQueries: r.totalQueries.Load(),
		SlowQueries:  r.slowQueries.Load(),
		Errors:       r.errorCount.Load(),
		Fallbacks:    r.fallbacks.Load(),
		Primary:      r.primary.stats(),
		Replicas:     make([]PoolStats, 0, len(r.replicas)),
	}
	for _, p := range r.replicas {
		s.Replicas = append(s.Replicas, p.stats())
	}
	return s
}

// Warmup opens the configured minimum of connections on every pool.
func (r *Router) Warmup(ctx context.Context) error {
	var result *multierror.Error
	for _, p := range r.pools() {
		if err := p.warm(ctx, r.cfg.MinConn); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close closes every pool. Later calls to Execute fail with UpstreamUnavailable.
func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var result *multierror.Error
	for _, p := range r.pools() {
		sqlDB, err := p.db.DB()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := sqlDB.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close pool %s: %w", p.name, err))
		}
	}
	return result.ErrorOrNil()
}

func (r *Router) pools() []*pool {
	return append([]*pool{r.primary}, r.replicas...)
}

var (
	_ Runner = (*Router)(nil)
	_ Runner = (*Tx)(nil)
)

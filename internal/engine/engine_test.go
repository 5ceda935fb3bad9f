package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tenantcore/internal/cache"
	"github.com/smallbiznis/tenantcore/internal/clock"
	"github.com/smallbiznis/tenantcore/internal/config"
	"github.com/smallbiznis/tenantcore/internal/lock"
	"github.com/smallbiznis/tenantcore/internal/queue"
	"github.com/smallbiznis/tenantcore/internal/router"
	tenantdomain "github.com/smallbiznis/tenantcore/internal/tenant/domain"
	"github.com/smallbiznis/tenantcore/pkg/corerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type tenantsMock struct {
	tenantdomain.Service
	mock.Mock
}

func (m *tenantsMock) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

type harness struct {
	engine  *Engine
	router  *router.Router
	cache   *cache.Cache
	queue   *queue.Manager
	tenants *tenantsMock
	clock   *clock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := "file:" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	r, err := router.New(router.Config{}, []router.PoolSpec{{Name: "primary", DB: conn, MaxOpen: 1}}, zap.NewNop(), nil, nil)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	c := cache.New(cache.Config{}, cache.NewLocalStore(clk), clk, nil, nil, nil)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	topology := config.DefaultTopology()
	topology.JobDefaults.Backoff = time.Millisecond
	q, err := queue.New(queue.Params{
		Config:   queue.Config{PollInterval: 2 * time.Millisecond},
		Log:      zap.NewNop(),
		Topology: config.NewStaticTopologyHolder(topology),
		Broker:   queue.NewMemoryBroker(),
		GenID:    node,
		Clock:    clock.SystemClock{},
	})
	require.NoError(t, err)

	tenants := &tenantsMock{}
	e, err := New(Params{
		Log:     zap.NewNop(),
		Router:  r,
		Cache:   c,
		Queue:   q,
		Tenants: tenants,
		Locker:  lock.NewLocal(clk),
		Clock:   clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	return &harness{engine: e, router: r, cache: c, queue: q, tenants: tenants, clock: clk}
}

func TestRecordRequestAndTick(t *testing.T) {
	h := newHarness(t)

	h.engine.RecordRequest(10 * time.Millisecond)
	h.engine.RecordRequest(30 * time.Millisecond)
	h.engine.RecordError()
	h.engine.Tick()

	h.clock.Advance(90 * time.Second)
	status := h.engine.Status(context.Background())
	assert.Equal(t, int64(2), status.TotalRequests)
	assert.Equal(t, int64(1), status.TotalErrors)
	assert.InDelta(t, 2.0, status.RequestsPerSecond, 0.001)
	assert.InDelta(t, 20.0, status.AvgLatencyMs, 0.001)
	assert.Equal(t, "1m 30s", status.Uptime)
	assert.Equal(t, "primary", status.Router.Primary.Name)
	require.Len(t, status.Queues, 4)
	assert.Empty(t, status.QueueError)

	h.engine.Tick()
	assert.Zero(t, h.engine.Status(context.Background()).RequestsPerSecond)
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "0s", FormatUptime(0))
	assert.Equal(t, "45s", FormatUptime(45*time.Second))
	assert.Equal(t, "2h 5m", FormatUptime(2*time.Hour+5*time.Minute+9*time.Second))
	assert.Equal(t, "1d 3h 0m", FormatUptime(27*time.Hour))
}

func TestScheduleRetentionOncePerInterval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	want := h.clock.Now().Add(-30 * 24 * time.Hour)
	purged := make(chan time.Time, 1)
	h.tenants.On("PurgeUsage", mock.Anything, mock.MatchedBy(func(before time.Time) bool {
		return before.Equal(want)
	})).Run(func(args mock.Arguments) {
		purged <- args.Get(1).(time.Time)
	}).Return(int64(4), nil).Once()

	ok, err := h.engine.ScheduleRetention(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.engine.ScheduleRetention(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second schedule within the hour is skipped")

	require.NoError(t, h.queue.Start(ctx))
	select {
	case before := <-purged:
		assert.True(t, before.Equal(want))
	case <-time.After(3 * time.Second):
		t.Fatal("retention job did not run")
	}
	h.tenants.AssertExpectations(t)

	h.clock.Advance(time.Hour)
	h.tenants.On("PurgeUsage", mock.Anything, mock.Anything).Return(int64(0), nil)
	ok, err = h.engine.ScheduleRetention(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShutdownDrainsQueueBeforeRouter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started := make(chan struct{})
	var queryErr atomic.Value
	require.NoError(t, h.queue.RegisterProcessor("normal-priority", "slow_query", func(ctx context.Context, job *queue.Job) (any, error) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		_, err := h.router.Execute(ctx, router.Query{SQL: "SELECT 1 AS one"}, router.Options{})
		if err != nil {
			queryErr.Store(err)
		}
		return nil, err
	}, 1))
	require.NoError(t, h.queue.Start(ctx))
	_, err := h.queue.AddTask(ctx, "normal-priority", "slow_query", nil, queue.Options{Attempts: 1})
	require.NoError(t, err)

	<-started
	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(shutdownCtx))
	assert.Nil(t, queryErr.Load(), "handler query must run before pools close")

	_, err = h.router.Execute(ctx, router.Query{SQL: "SELECT 1"}, router.Options{})
	assert.True(t, corerr.Is(err, corerr.UpstreamUnavailable))

	require.NoError(t, h.engine.Shutdown(shutdownCtx))
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantcore/internal/clock"
	"github.com/smallbiznis/tenantcore/internal/config"
	"github.com/smallbiznis/tenantcore/internal/events"
	"github.com/smallbiznis/tenantcore/pkg/corerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testTopology() config.Topology {
	t := config.DefaultTopology()
	t.Queues = []config.QueueSpec{
		{Name: "fast", Concurrency: 4, Priority: 1},
		{Name: "narrow", Concurrency: 2, Priority: 2},
		{Name: "other", Concurrency: 1, Priority: 3},
	}
	t.JobDefaults.Backoff = 5 * time.Millisecond
	return t
}

type harness struct {
	manager *Manager
	broker  *MemoryBroker
	mu      sync.Mutex
	events  []events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := &harness{broker: NewMemoryBroker()}
	bus := events.NewBus(zap.NewNop())
	bus.Subscribe(func(ev events.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})

	h.manager, err = New(Params{
		Config:   Config{PollInterval: 2 * time.Millisecond, LeaseDuration: time.Second, StalledInterval: time.Hour},
		Log:      zap.NewNop(),
		Topology: config.NewStaticTopologyHolder(testTopology()),
		Broker:   h.broker,
		GenID:    node,
		Clock:    clock.SystemClock{},
		Bus:      bus,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.manager.Close(ctx)
	})
	return h
}

func (h *harness) count(typ events.Type) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func waitState(t *testing.T, m *Manager, id snowflake.ID, want State) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		var err error
		job, err = m.GetJob(context.Background(), id)
		return err == nil && job.State == want
	}, 3*time.Second, 5*time.Millisecond)
	return job
}

func TestRetryThenComplete(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	require.NoError(t, h.manager.RegisterProcessor("fast", "flaky", func(ctx context.Context, job *Job) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return map[string]string{"ok": "yes"}, nil
	}, 1))
	require.NoError(t, h.manager.Start(context.Background()))

	job, err := h.manager.AddTask(context.Background(), "fast", "flaky", map[string]int{"n": 1}, Options{Attempts: 3})
	require.NoError(t, err)

	done := waitState(t, h.manager, job.ID, StateCompleted)
	assert.Equal(t, 3, done.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.JSONEq(t, `{"ok":"yes"}`, string(done.Result))
	assert.Equal(t, 2, h.count(events.JobRetrying))
	assert.Equal(t, 1, h.count(events.JobCompleted))
	assert.Zero(t, h.count(events.JobFailed))
}

func TestExhaustedAttemptsFail(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.RegisterProcessor("fast", "broken", func(ctx context.Context, job *Job) (any, error) {
		panic("boom")
	}, 1))
	require.NoError(t, h.manager.Start(context.Background()))

	job, err := h.manager.AddTask(context.Background(), "fast", "broken", nil, Options{Attempts: 2})
	require.NoError(t, err)

	failed := waitState(t, h.manager, job.ID, StateFailed)
	assert.Equal(t, 2, failed.Attempts)
	assert.Contains(t, failed.LastError, "panicked")
	assert.Equal(t, 1, h.count(events.JobFailed))

	stats, err := h.manager.GetQueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[0].Failed)
}

func TestProcessorConcurrencyCap(t *testing.T) {
	h := newHarness(t)
	var running, peak atomic.Int32
	handler := func(ctx context.Context, job *Job) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}
	require.NoError(t, h.manager.RegisterProcessor("fast", "capped", handler, 2))
	require.NoError(t, h.manager.Start(context.Background()))

	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{Type: "capped"}
	}
	jobs, err := h.manager.AddBatchTasks(context.Background(), "fast", tasks)
	require.NoError(t, err)
	require.Len(t, jobs, 10)

	for _, j := range jobs {
		waitState(t, h.manager, j.ID, StateCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestQueueGateCapsAllTypes(t *testing.T) {
	h := newHarness(t)
	var running, peak atomic.Int32
	handler := func(ctx context.Context, job *Job) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}
	// narrow allows 2 at once even though the types ask for 3 each.
	require.NoError(t, h.manager.RegisterProcessor("narrow", "a", handler, 3))
	require.NoError(t, h.manager.RegisterProcessor("narrow", "b", handler, 3))
	require.NoError(t, h.manager.Start(context.Background()))

	var ids []snowflake.ID
	for i := 0; i < 6; i++ {
		typ := "a"
		if i%2 == 1 {
			typ = "b"
		}
		job, err := h.manager.AddTask(context.Background(), "narrow", typ, nil, Options{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitState(t, h.manager, id, StateCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPriorityOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	low, err := h.manager.AddTask(ctx, "other", "ordered", "low", Options{Priority: 9})
	require.NoError(t, err)
	high, err := h.manager.AddTask(ctx, "other", "ordered", "high", Options{Priority: 1})
	require.NoError(t, err)
	def, err := h.manager.AddTask(ctx, "other", "ordered", "default", Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, def.Priority)

	var mu sync.Mutex
	var order []snowflake.ID
	require.NoError(t, h.manager.RegisterProcessor("other", "ordered", func(ctx context.Context, job *Job) (any, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil, nil
	}, 1))
	require.NoError(t, h.manager.Start(ctx))

	waitState(t, h.manager, low.ID, StateCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []snowflake.ID{high.ID, def.ID, low.ID}, order)
}

func TestPauseStopsDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var calls atomic.Int32
	require.NoError(t, h.manager.RegisterProcessor("fast", "paused", func(ctx context.Context, job *Job) (any, error) {
		calls.Add(1)
		return nil, nil
	}, 1))
	require.NoError(t, h.manager.PauseQueue("fast"))
	require.NoError(t, h.manager.Start(ctx))

	job, err := h.manager.AddTask(ctx, "fast", "paused", nil, Options{})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load())

	stats, err := h.manager.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.True(t, stats[0].Paused)
	assert.Equal(t, int64(1), stats[0].Waiting)

	require.NoError(t, h.manager.ResumeQueue("fast"))
	waitState(t, h.manager, job.ID, StateCompleted)
}

func TestUnknownQueueRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.AddTask(context.Background(), "missing", "x", nil, Options{})
	assert.True(t, corerr.Is(err, corerr.ValidationFailed))

	err = h.manager.RegisterProcessor("fast", "", func(context.Context, *Job) (any, error) { return nil, nil }, 1)
	assert.True(t, corerr.Is(err, corerr.ValidationFailed))

	_, err = h.manager.AddTask(context.Background(), "fast", "bad", make(chan int), Options{})
	assert.True(t, corerr.Is(err, corerr.ValidationFailed))
}

func TestDuplicateProcessorRejected(t *testing.T) {
	h := newHarness(t)
	noop := func(context.Context, *Job) (any, error) { return nil, nil }
	require.NoError(t, h.manager.RegisterProcessor("fast", "dup", noop, 1))
	assert.Error(t, h.manager.RegisterProcessor("fast", "dup", noop, 1))
}

func TestCleanTerminalJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.RegisterProcessor("fast", "done", func(context.Context, *Job) (any, error) { return nil, nil }, 1))
	require.NoError(t, h.manager.Start(ctx))

	job, err := h.manager.AddTask(ctx, "fast", "done", nil, Options{})
	require.NoError(t, err)
	waitState(t, h.manager, job.ID, StateCompleted)

	n, err := h.manager.Clean(ctx, "fast", StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.manager.GetJob(ctx, job.ID)
	assert.True(t, corerr.Is(err, corerr.NotFound))

	_, err = h.manager.Clean(ctx, "fast", StateWaiting)
	assert.True(t, corerr.Is(err, corerr.ValidationFailed))
}

func TestCloseWaitsForInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, h.manager.RegisterProcessor("fast", "slow", func(ctx context.Context, job *Job) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	}, 1))
	require.NoError(t, h.manager.Start(ctx))
	job, err := h.manager.AddTask(ctx, "fast", "slow", nil, Options{})
	require.NoError(t, err)

	<-started
	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.manager.Close(closeCtx))
	assert.True(t, finished.Load())

	stored, err := h.broker.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
	require.NoError(t, h.manager.Close(closeCtx))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, RetryDelay(2*time.Second, 1))
	assert.Equal(t, 4*time.Second, RetryDelay(2*time.Second, 2))
	assert.Equal(t, 8*time.Second, RetryDelay(2*time.Second, 3))
	assert.Zero(t, RetryDelay(0, 2))
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"
	"github.com/smallbiznis/tenantcore/internal/clock"
	"github.com/smallbiznis/tenantcore/internal/config"
	"github.com/smallbiznis/tenantcore/internal/events"
	"github.com/smallbiznis/tenantcore/internal/observability/metrics"
	"github.com/smallbiznis/tenantcore/pkg/corerr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var ErrInvalidConfig = errors.New("invalid queue manager config")

type Config struct {
	LeaseDuration   time.Duration
	PollInterval    time.Duration
	StalledInterval time.Duration
	// FinishTimeout bounds the broker write that records a job outcome.
	FinishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		LeaseDuration:   time.Minute,
		PollInterval:    200 * time.Millisecond,
		StalledInterval: 30 * time.Second,
		FinishTimeout:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaults.LeaseDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = defaults.StalledInterval
	}
	if c.FinishTimeout <= 0 {
		c.FinishTimeout = defaults.FinishTimeout
	}
	return c
}

type Params struct {
	fx.In

	Config   Config `optional:"true"`
	Log      *zap.Logger
	Topology *config.TopologyHolder
	Broker   Broker
	GenID    *snowflake.Node
	Clock    clock.Clock
	Bus      *events.Bus   `optional:"true"`
	Metrics  *metrics.Core `optional:"true"`
}

type queueRuntime struct {
	spec    config.QueueSpec
	gate    *semaphore.Weighted
	paused  atomic.Bool
	running atomic.Int64
}

type processor struct {
	queue       *queueRuntime
	jobType     string
	handler     Handler
	concurrency int
}

// Manager runs the named queues declared in the topology. Queues are fixed at
// construction; each has its own concurrency gate, so a backlog in one never
// holds workers of another.
type Manager struct {
	cfg      Config
	log      *zap.Logger
	broker   Broker
	topology *config.TopologyHolder
	genID    *snowflake.Node
	clock    clock.Clock
	bus      *events.Bus
	metrics  *metrics.Core

	queues map[string]*queueRuntime
	order  []string

	mu         sync.Mutex
	processors map[string]*processor
	runCtx     context.Context
	cancel     context.CancelFunc
	closed     bool
	wg         sync.WaitGroup
}

func New(p Params) (*Manager, error) {
	if p.Broker == nil || p.Topology == nil || p.GenID == nil {
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

	m := &Manager{
		cfg:        p.Config.withDefaults(),
		log:        log.Named("queue"),
		broker:     p.Broker,
		topology:   p.Topology,
		genID:      p.GenID,
		clock:      clk,
		bus:        p.Bus,
		metrics:    p.Metrics,
		queues:     make(map[string]*queueRuntime),
		processors: make(map[string]*processor),
	}
	for _, spec := range p.Topology.Get().Queues {
		m.queues[spec.Name] = &queueRuntime{
			spec: spec,
			gate: semaphore.NewWeighted(int64(spec.Concurrency)),
		}
		m.order = append(m.order, spec.Name)
	}
	return m, nil
}

func (m *Manager) queue(op, name string) (*queueRuntime, error) {
	q, ok := m.queues[name]
	if !ok {
		return nil, corerr.Errorf(corerr.ValidationFailed, op, "queue %q is not configured", name)
	}
	return q, nil
}

// AddTask submits one job.
func (m *Manager) AddTask(ctx context.Context, queueName, jobType string, payload any, opts Options) (*Job, error) {
	jobs, err := m.submit(ctx, "queue.add_task", queueName, []Task{{Type: jobType, Payload: payload, Options: opts}})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// AddBatchTasks submits every task in one broker round trip. Either all are stored or none.
func (m *Manager) AddBatchTasks(ctx context.Context, queueName string, tasks []Task) ([]*Job, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	return m.submit(ctx, "queue.add_batch_tasks", queueName, tasks)
}

func (m *Manager) submit(ctx context.Context, op, queueName string, tasks []Task) ([]*Job, error) {
	q, err := m.queue(op, queueName)
	if err != nil {
		return nil, err
	}
	defaults := m.topology.Get().JobDefaults
	now := m.clock.Now()

	jobs := make([]*Job, 0, len(tasks))
	for _, task := range tasks {
		job, err := m.newJob(q.spec, defaults, task, now)
		if err != nil {
			return nil, corerr.E(corerr.ValidationFailed, op, err)
		}
		jobs = append(jobs, job)
	}
	if err := m.broker.Enqueue(ctx, now, jobs...); err != nil {
		return nil, corerr.E(corerr.UpstreamUnavailable, op, err)
	}
	return jobs, nil
}

func (m *Manager) newJob(spec config.QueueSpec, defaults config.JobDefaults, task Task, now time.Time) (*Job, error) {
	if strings.TrimSpace(task.Type) == "" {
		return nil, errors.New("job type is required")
	}
	var payload json.RawMessage
	if task.Payload != nil {
		data, err := json.Marshal(task.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		payload = data
	}

	opts := task.Options
	job := &Job{
		ID:          m.genID.Generate(),
		Queue:       spec.Name,
		Type:        task.Type,
		TenantID:    opts.TenantID,
		Payload:     payload,
		Priority:    spec.Priority,
		MaxAttempts: defaults.Attempts,
		Backoff:     defaults.Backoff,
		State:       StateWaiting,
		CreatedAt:   now,
		RunAt:       now,
	}
	if opts.Priority != 0 {
		job.Priority = opts.Priority
	}
	if opts.Attempts > 0 {
		job.MaxAttempts = opts.Attempts
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	if opts.Backoff > 0 {
		job.Backoff = opts.Backoff
	}
	if opts.Delay > 0 {
		job.RunAt = now.Add(opts.Delay)
		job.State = StateDelayed
	}
	return job, nil
}

// RegisterProcessor binds handler to (queue, type). At most concurrency
// instances of it run at once; the queue's own ceiling still applies on top.
func (m *Manager) RegisterProcessor(queueName, jobType string, handler Handler, concurrency int) error {
	const op = "queue.register_processor"
	q, err := m.queue(op, queueName)
	if err != nil {
		return err
	}
	if strings.TrimSpace(jobType) == "" || handler == nil {
		return corerr.Errorf(corerr.ValidationFailed, op, "job type and handler are required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := laneKey(queueName, jobType)
	if _, dup := m.processors[key]; dup {
		return corerr.Errorf(corerr.ValidationFailed, op, "processor for %s/%s already registered", queueName, jobType)
	}
	p := &processor{queue: q, jobType: jobType, handler: handler, concurrency: concurrency}
	m.processors[key] = p

	m.log.Info("processor registered",
		zap.String("queue", queueName),
		zap.String("type", jobType),
		zap.Int("concurrency", concurrency),
	)
	if m.runCtx != nil && !m.closed {
		m.launch(m.runCtx, p)
	}
	return nil
}

// Start launches workers for every registered processor and the stalled-lease
// sweep. Work stops when ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("queue manager is closed")
	}
	if m.runCtx != nil {
		return nil
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)
	for _, p := range m.processors {
		m.launch(m.runCtx, p)
	}

	m.wg.Add(1)
	go m.watchStalled(m.runCtx)

	m.log.Info("queue manager started", zap.Int("queues", len(m.queues)), zap.Int("processors", len(m.processors)))
	return nil
}

func (m *Manager) launch(ctx context.Context, p *processor) {
	for i := 0; i < p.concurrency; i++ {
		m.wg.Add(1)
		go m.work(ctx, p)
	}
}

func (m *Manager) work(ctx context.Context, p *processor) {
	defer m.wg.Done()
	q := p.queue

	for ctx.Err() == nil {
		if q.paused.Load() {
			if !m.idle(ctx) {
				return
			}
			continue
		}
		if err := q.gate.Acquire(ctx, 1); err != nil {
			return
		}

		now := m.clock.Now()
		job, err := m.broker.Claim(ctx, q.spec.Name, p.jobType, now, now.Add(m.cfg.LeaseDuration))
		if err != nil || job == nil {
			q.gate.Release(1)
			if err != nil && ctx.Err() == nil {
				m.log.Warn("claim failed", zap.String("queue", q.spec.Name), zap.String("type", p.jobType), zap.Error(err))
			}
			if !m.idle(ctx) {
				return
			}
			continue
		}

		q.running.Add(1)
		m.process(ctx, p, job)
		q.running.Add(-1)
		q.gate.Release(1)
	}
}

func (m *Manager) idle(ctx context.Context) bool {
	timer := time.NewTimer(m.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// process runs one delivery. The handler keeps running through shutdown so
// in-flight work can finish; only the lease bounds it.
func (m *Manager) process(ctx context.Context, p *processor, job *Job) {
	base := context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithTimeout(base, m.cfg.LeaseDuration)
	defer cancel()

	log := m.log.With(
		zap.String("queue", job.Queue),
		zap.String("type", job.Type),
		zap.String("job_id", job.ID.String()),
		zap.Int("attempt", job.Attempts),
	)

	start := time.Now()
	result, err := invoke(jobCtx, p.handler, job)
	elapsed := time.Since(start)

	opCtx, opCancel := context.WithTimeout(base, m.cfg.FinishTimeout)
	defer opCancel()
	defaults := m.topology.Get().JobDefaults
	now := m.clock.Now()
	attrs := map[string]any{
		"queue":    job.Queue,
		"type":     job.Type,
		"job_id":   job.ID.String(),
		"attempts": job.Attempts,
	}

	if err == nil {
		if result != nil {
			if data, mErr := json.Marshal(result); mErr == nil {
				job.Result = data
			} else {
				log.Warn("job result not encodable", zap.Error(mErr))
			}
		}
		job.FinishedAt = &now
		if bErr := m.broker.Complete(opCtx, job, keepOr(defaults.KeepCompleted, 100)); bErr != nil {
			log.Error("record completion failed", zap.Error(bErr))
		}
		m.metrics.ObserveJob(job.Queue, "completed", elapsed)
		m.bus.Emit("queue", events.JobCompleted, attrs)
		log.Debug("job completed", zap.Duration("duration", elapsed))
		return
	}

	job.LastError = err.Error()
	attrs["error"] = job.LastError

	if job.Attempts < job.MaxAttempts {
		delay := RetryDelay(job.Backoff, job.Attempts)
		if bErr := m.broker.Retry(opCtx, job, now.Add(delay)); bErr != nil {
			log.Error("schedule retry failed", zap.Error(bErr))
		}
		attrs["delay_ms"] = delay.Milliseconds()
		m.metrics.ObserveJob(job.Queue, "retrying", elapsed)
		m.bus.Emit("queue", events.JobRetrying, attrs)
		log.Warn("job failed, retrying", zap.Duration("delay", delay), zap.Error(err))
		return
	}

	job.FinishedAt = &now
	if bErr := m.broker.Fail(opCtx, job, keepOr(defaults.KeepFailed, 50)); bErr != nil {
		log.Error("record failure failed", zap.Error(bErr))
	}
	m.metrics.ObserveJob(job.Queue, "failed", elapsed)
	m.bus.Emit("queue", events.JobFailed, attrs)
	log.Error("job failed permanently", zap.Int("max_attempts", job.MaxAttempts), zap.Error(err))
}

func invoke(ctx context.Context, h Handler, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

// RetryDelay is the wait before the delivery following attempt: base, 2*base, 4*base...
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.Reset()

	delay := base
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func keepOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (m *Manager) watchStalled(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.StalledInterval)
	defer ticker.Stop()

	for {
		m.RecoverStalled(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RecoverStalled returns jobs whose lease expired to waiting and reports how many moved.
func (m *Manager) RecoverStalled(ctx context.Context) int {
	m.mu.Lock()
	procs := make([]*processor, 0, len(m.processors))
	for _, p := range m.processors {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	total := 0
	now := m.clock.Now()
	for _, p := range procs {
		ids, err := m.broker.RecoverStalled(ctx, p.queue.spec.Name, p.jobType, now)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn("stalled recovery failed", zap.String("queue", p.queue.spec.Name), zap.Error(err))
			}
			continue
		}
		for _, id := range ids {
			m.bus.Emit("queue", events.JobStalled, map[string]any{
				"queue":  p.queue.spec.Name,
				"type":   p.jobType,
				"job_id": id.String(),
			})
			m.log.Warn("stalled job requeued", zap.String("queue", p.queue.spec.Name), zap.String("job_id", id.String()))
		}
		total += len(ids)
	}
	return total
}

// PauseQueue stops new deliveries from the queue in this process. Running jobs finish.
func (m *Manager) PauseQueue(name string) error {
	q, err := m.queue("queue.pause", name)
	if err != nil {
		return err
	}
	q.paused.Store(true)
	m.log.Info("queue paused", zap.String("queue", name))
	return nil
}

func (m *Manager) ResumeQueue(name string) error {
	q, err := m.queue("queue.resume", name)
	if err != nil {
		return err
	}
	q.paused.Store(false)
	m.log.Info("queue resumed", zap.String("queue", name))
	return nil
}

// GetQueueStats reports every configured queue in topology order.
func (m *Manager) GetQueueStats(ctx context.Context) ([]QueueStats, error) {
	out := make([]QueueStats, 0, len(m.order))
	for _, name := range m.order {
		q := m.queues[name]
		counts, err := m.broker.Counts(ctx, name)
		if err != nil {
			return nil, corerr.E(corerr.UpstreamUnavailable, "queue.stats", err)
		}
		out = append(out, QueueStats{
			Name:        name,
			Concurrency: q.spec.Concurrency,
			Priority:    q.spec.Priority,
			Paused:      q.paused.Load(),
			Running:     q.running.Load(),
			Counts:      counts,
		})
	}
	return out, nil
}

func (m *Manager) GetJob(ctx context.Context, id snowflake.ID) (*Job, error) {
	job, err := m.broker.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return nil, corerr.E(corerr.NotFound, "queue.get_job", err)
	}
	if err != nil {
		return nil, corerr.E(corerr.UpstreamUnavailable, "queue.get_job", err)
	}
	return job, nil
}

// Clean drops retained completed or failed jobs of a queue.
func (m *Manager) Clean(ctx context.Context, queueName string, state State) (int, error) {
	const op = "queue.clean"
	if _, err := m.queue(op, queueName); err != nil {
		return 0, err
	}
	if state != StateCompleted && state != StateFailed {
		return 0, corerr.Errorf(corerr.ValidationFailed, op, "state %q cannot be cleaned", state)
	}
	n, err := m.broker.Clean(ctx, queueName, state)
	if err != nil {
		return 0, corerr.E(corerr.UpstreamUnavailable, op, err)
	}
	return n, nil
}

// Close stops claiming, waits for in-flight jobs until ctx is done, then
// closes the broker. It is safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	var result *multierror.Error
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("queue drain: %w", ctx.Err()))
	}
	if err := m.broker.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	m.log.Info("queue manager closed")
	return result.ErrorOrNil()
}

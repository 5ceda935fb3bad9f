package queue

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

type waitItem struct {
	id       snowflake.ID
	priority int
	seq      int64
}

type waitHeap []waitItem

func (h waitHeap) Len() int { return len(h) }
func (h waitHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *waitHeap) Push(x any) { *h = append(*h, x.(waitItem)) }
func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type lane struct {
	waiting waitHeap
	delayed map[snowflake.ID]time.Time
	active  map[snowflake.ID]time.Time
}

// MemoryBroker keeps jobs in process. It backs single-node runs and tests.
type MemoryBroker struct {
	mu        sync.Mutex
	seq       int64
	jobs      map[snowflake.ID]*Job
	lanes     map[string]*lane
	completed map[string][]snowflake.ID
	failed    map[string][]snowflake.ID
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		jobs:      make(map[snowflake.ID]*Job),
		lanes:     make(map[string]*lane),
		completed: make(map[string][]snowflake.ID),
		failed:    make(map[string][]snowflake.ID),
	}
}

func laneKey(queue, jobType string) string {
	return queue + "\x00" + jobType
}

func (b *MemoryBroker) lane(queue, jobType string) *lane {
	k := laneKey(queue, jobType)
	l, ok := b.lanes[k]
	if !ok {
		l = &lane{
			delayed: make(map[snowflake.ID]time.Time),
			active:  make(map[snowflake.ID]time.Time),
		}
		b.lanes[k] = l
	}
	return l
}

func (b *MemoryBroker) push(l *lane, job *Job) {
	b.seq++
	job.State = StateWaiting
	heap.Push(&l.waiting, waitItem{id: job.ID, priority: job.Priority, seq: b.seq})
}

// unqueue removes id from every set of its lane.
func (b *MemoryBroker) unqueue(l *lane, id snowflake.ID) {
	delete(l.delayed, id)
	delete(l.active, id)
	for i, item := range l.waiting {
		if item.id == id {
			heap.Remove(&l.waiting, i)
			return
		}
	}
}

// drop forgets a terminal job together with any queued copy of its id.
func (b *MemoryBroker) drop(id snowflake.ID) {
	if job, ok := b.jobs[id]; ok {
		b.unqueue(b.lane(job.Queue, job.Type), id)
		delete(b.jobs, id)
	}
}

func (b *MemoryBroker) Enqueue(_ context.Context, now time.Time, jobs ...*Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, job := range jobs {
		stored := job.clone()
		l := b.lane(stored.Queue, stored.Type)
		b.jobs[stored.ID] = stored
		if stored.RunAt.After(now) {
			stored.State = StateDelayed
			l.delayed[stored.ID] = stored.RunAt
			continue
		}
		b.push(l, stored)
	}
	return nil
}

func (b *MemoryBroker) Claim(_ context.Context, queue, jobType string, now, leaseUntil time.Time) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.lane(queue, jobType)
	for id, runAt := range l.delayed {
		if runAt.After(now) {
			continue
		}
		delete(l.delayed, id)
		if job, ok := b.jobs[id]; ok {
			b.push(l, job)
		}
	}

	var job *Job
	for job == nil {
		if l.waiting.Len() == 0 {
			return nil, nil
		}
		item := heap.Pop(&l.waiting).(waitItem)
		if stored, ok := b.jobs[item.id]; ok && stored.State == StateWaiting {
			job = stored
		}
	}
	job.State = StateActive
	job.Attempts++
	started := now
	job.ProcessedAt = &started
	l.active[job.ID] = leaseUntil
	return job.clone(), nil
}

func (b *MemoryBroker) Complete(_ context.Context, job *Job, keep int) error {
	return b.finish(job, StateCompleted, b.completed, keep)
}

func (b *MemoryBroker) Fail(_ context.Context, job *Job, keep int) error {
	return b.finish(job, StateFailed, b.failed, keep)
}

func (b *MemoryBroker) finish(job *Job, state State, lists map[string][]snowflake.ID, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if stored.State == StateCompleted || stored.State == StateFailed {
		return nil
	}
	b.unqueue(b.lane(stored.Queue, stored.Type), stored.ID)

	finished := time.Now().UTC()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}
	stored.State = state
	stored.FinishedAt = &finished
	stored.LastError = job.LastError
	stored.Result = append(stored.Result[:0], job.Result...)

	list := append([]snowflake.ID{stored.ID}, lists[stored.Queue]...)
	if keep < 1 {
		keep = 1
	}
	if len(list) > keep {
		for _, old := range list[keep:] {
			b.drop(old)
		}
		list = list[:keep]
	}
	lists[stored.Queue] = list
	return nil
}

func (b *MemoryBroker) Retry(_ context.Context, job *Job, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if stored.State == StateCompleted || stored.State == StateFailed {
		return nil
	}
	l := b.lane(stored.Queue, stored.Type)
	b.unqueue(l, stored.ID)
	stored.State = StateDelayed
	stored.RunAt = runAt
	stored.LastError = job.LastError
	l.delayed[stored.ID] = runAt
	return nil
}

func (b *MemoryBroker) RecoverStalled(_ context.Context, queue, jobType string, now time.Time) ([]snowflake.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.lane(queue, jobType)
	var recovered []snowflake.ID
	for id, until := range l.active {
		if until.After(now) {
			continue
		}
		delete(l.active, id)
		job, ok := b.jobs[id]
		if !ok {
			continue
		}
		b.push(l, job)
		recovered = append(recovered, id)
	}
	return recovered, nil
}

func (b *MemoryBroker) Get(_ context.Context, id snowflake.ID) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

func (b *MemoryBroker) Counts(_ context.Context, queue string) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var c Counts
	prefix := queue + "\x00"
	for k, l := range b.lanes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		c.Waiting += int64(l.waiting.Len())
		c.Delayed += int64(len(l.delayed))
		c.Active += int64(len(l.active))
	}
	c.Completed = int64(len(b.completed[queue]))
	c.Failed = int64(len(b.failed[queue]))
	return c, nil
}

func (b *MemoryBroker) Clean(_ context.Context, queue string, state State) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lists map[string][]snowflake.ID
	switch state {
	case StateCompleted:
		lists = b.completed
	case StateFailed:
		lists = b.failed
	default:
		return 0, fmt.Errorf("state %q cannot be cleaned", state)
	}
	ids := lists[queue]
	for _, id := range ids {
		b.drop(id)
	}
	delete(lists, queue)
	return len(ids), nil
}

func (b *MemoryBroker) Close() error { return nil }

var _ Broker = (*MemoryBroker)(nil)

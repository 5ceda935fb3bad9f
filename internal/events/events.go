package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Type string

const (
	ReplicaUnhealthy       Type = "replica_unhealthy"
	ReplicaRecovered       Type = "replica_recovered"
	PrimaryUnhealthy       Type = "primary_unhealthy"
	ReplicaFallback        Type = "replica_fallback"
	SlowQuery              Type = "slow_query"
	RateLimitExceeded      Type = "rate_limit_exceeded"
	IdentificationFailed   Type = "tenant_identification_failed"
	TenantCreated          Type = "tenant_created"
	TenantUpdated          Type = "tenant_updated"
	JobCompleted           Type = "job_completed"
	JobRetrying            Type = "job_retrying"
	JobFailed              Type = "job_failed"
	JobStalled             Type = "job_stalled"
	CacheInvalidationError Type = "cache_invalidation_failed"
)

// Event is an observability notification. Attrs carry only scalar values.
type Event struct {
	Type   Type           `json:"type"`
	Source string         `json:"source"`
	At     time.Time      `json:"at"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

type Handler func(Event)

// Bus fans events out to registered handlers synchronously. A nil *Bus drops everything.
// Handlers must not block; a panicking handler is logged and skipped.
type Bus struct {
	mu     sync.RWMutex
	all    []Handler
	byType map[Type][]Handler
	log    *zap.Logger
	now    func() time.Time
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		byType: make(map[Type][]Handler),
		log:    log.Named("events"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers h for the given types, or for every event when none are given.
func (b *Bus) Subscribe(h Handler, types ...Type) {
	if b == nil || h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.all = append(b.all, h)
		return
	}
	for _, t := range types {
		b.byType[t] = append(b.byType[t], h)
	}
}

func (b *Bus) Emit(source string, t Type, attrs map[string]any) {
	if b == nil {
		return
	}
	ev := Event{Type: t, Source: source, At: b.now(), Attrs: attrs}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.all)+len(b.byType[t]))
	handlers = append(handlers, b.byType[t]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("type", string(ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	h(ev)
}

package engine

import (
	"context"
	"time"

	"github.com/smallbiznis/tenantcore/internal/queue"
	"go.uber.org/zap"
)

const (
	JobUsageRetention = "usage_retention"

	retentionLockKey = "tenantcore:lock:usage_retention"
)

type retentionPayload struct {
	Before time.Time `json:"before"`
}

type retentionResult struct {
	Removed int64 `json:"removed"`
}

// ScheduleRetention enqueues one purge of usage older than the retention
// window. The lease is left to expire so peers skip the same interval; it
// reports false when another instance already holds it.
func (e *Engine) ScheduleRetention(ctx context.Context) (bool, error) {
	_, ok, err := e.locker.TryLock(ctx, retentionLockKey, e.cfg.RetentionInterval)
	if err != nil || !ok {
		return false, err
	}
	before := e.clock.Now().Add(-e.cfg.UsageRetention)
	job, err := e.queue.AddTask(ctx, e.cfg.RetentionQueue, JobUsageRetention, retentionPayload{Before: before}, queue.Options{})
	if err != nil {
		return false, err
	}
	e.log.Info("usage retention scheduled", zap.String("job_id", job.ID.String()), zap.Time("before", before))
	return true, nil
}

func (e *Engine) handleUsageRetention(ctx context.Context, job *queue.Job) (any, error) {
	var payload retentionPayload
	if err := job.Decode(&payload); err != nil {
		return nil, err
	}
	if payload.Before.IsZero() {
		payload.Before = e.clock.Now().Add(-e.cfg.UsageRetention)
	}
	removed, err := e.tenants.PurgeUsage(ctx, payload.Before)
	if err != nil {
		return nil, err
	}
	e.log.Info("usage purged", zap.Int64("rows", removed), zap.Time("before", payload.Before))
	return retentionResult{Removed: removed}, nil
}

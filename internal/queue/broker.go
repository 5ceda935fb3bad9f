package queue

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var ErrJobNotFound = errors.New("job not found")

// Broker persists jobs and hands them out by (queue, type). Lower priority
// values are claimed first; equal priorities are claimed in submission order.
type Broker interface {
	// Enqueue stores jobs as waiting, or delayed when RunAt is after now.
	Enqueue(ctx context.Context, now time.Time, jobs ...*Job) error
	// Claim promotes due delayed jobs and leases the next waiting one until
	// leaseUntil. It returns nil and no error when nothing is ready.
	Claim(ctx context.Context, queue, jobType string, now, leaseUntil time.Time) (*Job, error)
	Complete(ctx context.Context, job *Job, keep int) error
	// Retry moves an active job back to delayed until runAt.
	Retry(ctx context.Context, job *Job, runAt time.Time) error
	Fail(ctx context.Context, job *Job, keep int) error
	// RecoverStalled returns expired leases to waiting and reports their ids.
	RecoverStalled(ctx context.Context, queue, jobType string, now time.Time) ([]snowflake.ID, error)
	Get(ctx context.Context, id snowflake.ID) (*Job, error)
	Counts(ctx context.Context, queue string) (Counts, error)
	// Clean drops the retained terminal jobs of one state and reports how many went.
	Clean(ctx context.Context, queue string, state State) (int, error)
	Close() error
}

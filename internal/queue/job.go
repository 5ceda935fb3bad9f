package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one unit of work. Attempts counts deliveries so far, including the current one.
type Job struct {
	ID          snowflake.ID    `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"`
	State       State           `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	RunAt       time.Time       `json:"run_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Decode unmarshals the payload into dest.
func (j *Job) Decode(dest any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(j.Payload, dest)
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Payload = append(json.RawMessage(nil), j.Payload...)
	cp.Result = append(json.RawMessage(nil), j.Result...)
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		cp.ProcessedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Options override the queue and topology defaults for one job. Zero values keep the defaults.
type Options struct {
	Priority int
	Attempts int
	Backoff  time.Duration
	Delay    time.Duration
	TenantID string
}

// Task is one entry of a batch submission.
type Task struct {
	Type    string
	Payload any
	Options Options
}

// Handler processes a job. The returned value, when not nil, is stored as the job result.
// Handlers must tolerate being run more than once for the same job.
type Handler func(ctx context.Context, job *Job) (any, error)

type QueueStats struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Priority    int    `json:"priority"`
	Paused      bool   `json:"paused"`
	Running     int64  `json:"running"`
	Counts
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

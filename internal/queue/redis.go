package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
)

const enqueueScript = `
local state = 'waiting'
if tonumber(ARGV[4]) > tonumber(ARGV[5]) then state = 'delayed' end
redis.call('HSET', KEYS[4], 'data', ARGV[2], 'priority', ARGV[3], 'attempts', 0, 'state', state, 'run_at', ARGV[4])
redis.call('SADD', KEYS[5], ARGV[6])
if state == 'delayed' then
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
else
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) * 1000000000000 + seq, ARGV[1])
end
return 1
`

const claimScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local prio = redis.call('HGET', ARGV[3] .. id, 'priority')
  if prio then
    local seq = redis.call('INCR', KEYS[4])
    redis.call('ZADD', KEYS[1], tonumber(prio) * 1000000000000 + seq, id)
    redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
  end
end
while true do
  local head = redis.call('ZPOPMIN', KEYS[1])
  if #head == 0 then return false end
  local id = head[1]
  local key = ARGV[3] .. id
  if redis.call('HGET', key, 'state') == 'waiting' then
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'state', 'active', 'processed_at', ARGV[1])
    return id
  end
end
`

const finishScript = `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
local current = redis.call('HGET', KEYS[3], 'state')
if not current or current == 'completed' or current == 'failed' then return 0 end
redis.call('HSET', KEYS[3], 'state', ARGV[5], 'finished_at', ARGV[4], 'last_error', ARGV[6], 'result', ARGV[7])
redis.call('LPUSH', KEYS[2], ARGV[1])
local keep = tonumber(ARGV[2])
local dropped = redis.call('LRANGE', KEYS[2], keep, -1)
for _, old in ipairs(dropped) do
  redis.call('DEL', ARGV[3] .. old)
end
redis.call('LTRIM', KEYS[2], 0, keep - 1)
return #dropped
`

const retryScript = `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
local current = redis.call('HGET', KEYS[3], 'state')
if not current or current == 'completed' or current == 'failed' then return 0 end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'delayed', 'run_at', ARGV[2], 'last_error', ARGV[3])
return 1
`

const recoverScript = `
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local recovered = {}
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local prio = redis.call('HGET', ARGV[2] .. id, 'priority')
  if prio then
    local seq = redis.call('INCR', KEYS[3])
    redis.call('ZADD', KEYS[2], tonumber(prio) * 1000000000000 + seq, id)
    redis.call('HSET', ARGV[2] .. id, 'state', 'waiting')
    table.insert(recovered, id)
  end
end
return recovered
`

// RedisBroker stores jobs in redis. Every state move runs as one Lua script,
// so a job is never visible in two sets at once. Ids whose hash was trimmed
// or cleaned are dropped when a script meets them, and finishing a job that
// is already terminal is a no-op. Waiting scores are
// priority*1e12 + sequence. Job keys are built inside the
// scripts, which ties the layout to a single redis node.
//
// Layout under prefix P:
//
//	P:job:<id>              hash: data, priority, attempts, state, run_at, ...
//	P:<queue>:<type>:waiting zset scored by priority and sequence
//	P:<queue>:<type>:delayed zset scored by run_at (ms)
//	P:<queue>:<type>:active  zset scored by lease deadline (ms)
//	P:<queue>:types          set of job types seen on the queue
//	P:<queue>:completed      list, newest first, capped
//	P:<queue>:failed         list, newest first, capped
//	P:seq                    sequence counter
type RedisBroker struct {
	client  *redis.Client
	prefix  string
	enqueue *redis.Script
	claim   *redis.Script
	finish  *redis.Script
	retry   *redis.Script
	stalled *redis.Script
}

// NewRedisBroker does not own client; Close leaves it open for the cache.
func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = "tenantcore:queue"
	}
	return &RedisBroker{
		client:  client,
		prefix:  prefix,
		enqueue: redis.NewScript(enqueueScript),
		claim:   redis.NewScript(claimScript),
		finish:  redis.NewScript(finishScript),
		retry:   redis.NewScript(retryScript),
		stalled: redis.NewScript(recoverScript),
	}
}

func (b *RedisBroker) jobPrefix() string { return b.prefix + ":job:" }
func (b *RedisBroker) jobKey(id snowflake.ID) string { return b.jobPrefix() + id.String() }
func (b *RedisBroker) seqKey() string { return b.prefix + ":seq" }
func (b *RedisBroker) typesKey(queue string) string { return b.prefix + ":" + queue + ":types" }
func (b *RedisBroker) laneKey(queue, jobType, set string) string {
	return b.prefix + ":" + queue + ":" + jobType + ":" + set
}
func (b *RedisBroker) listKey(queue string, state State) string {
	return b.prefix + ":" + queue + ":" + string(state)
}

func (b *RedisBroker) Enqueue(ctx context.Context, now time.Time, jobs ...*Job) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, job := range jobs {
			data, err := json.Marshal(job)
			if err != nil {
				return err
			}
			keys := []string{
				b.laneKey(job.Queue, job.Type, "waiting"),
				b.laneKey(job.Queue, job.Type, "delayed"),
				b.seqKey(),
				b.jobKey(job.ID),
				b.typesKey(job.Queue),
			}
			b.enqueue.Eval(ctx, pipe, keys,
				job.ID.String(), data, job.Priority, job.RunAt.UnixMilli(), now.UnixMilli(), job.Type)
		}
		return nil
	})
	return err
}

func (b *RedisBroker) Claim(ctx context.Context, queue, jobType string, now, leaseUntil time.Time) (*Job, error) {
	keys := []string{
		b.laneKey(queue, jobType, "waiting"),
		b.laneKey(queue, jobType, "delayed"),
		b.laneKey(queue, jobType, "active"),
		b.seqKey(),
	}
	raw, err := b.claim.Run(ctx, b.client, keys, now.UnixMilli(), leaseUntil.UnixMilli(), b.jobPrefix()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, id)
}

func (b *RedisBroker) Complete(ctx context.Context, job *Job, keep int) error {
	return b.finishJob(ctx, job, StateCompleted, keep)
}

func (b *RedisBroker) Fail(ctx context.Context, job *Job, keep int) error {
	return b.finishJob(ctx, job, StateFailed, keep)
}

func (b *RedisBroker) finishJob(ctx context.Context, job *Job, state State, keep int) error {
	if keep < 1 {
		keep = 1
	}
	finished := time.Now().UTC()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}
	keys := []string{
		b.laneKey(job.Queue, job.Type, "active"),
		b.listKey(job.Queue, state),
		b.jobKey(job.ID),
		b.laneKey(job.Queue, job.Type, "waiting"),
		b.laneKey(job.Queue, job.Type, "delayed"),
	}
	return b.finish.Run(ctx, b.client, keys,
		job.ID.String(), keep, b.jobPrefix(), finished.UnixMilli(), string(state), job.LastError, string(job.Result)).Err()
}

func (b *RedisBroker) Retry(ctx context.Context, job *Job, runAt time.Time) error {
	keys := []string{
		b.laneKey(job.Queue, job.Type, "active"),
		b.laneKey(job.Queue, job.Type, "delayed"),
		b.jobKey(job.ID),
		b.laneKey(job.Queue, job.Type, "waiting"),
	}
	return b.retry.Run(ctx, b.client, keys, job.ID.String(), runAt.UnixMilli(), job.LastError).Err()
}

func (b *RedisBroker) RecoverStalled(ctx context.Context, queue, jobType string, now time.Time) ([]snowflake.ID, error) {
	keys := []string{
		b.laneKey(queue, jobType, "active"),
		b.laneKey(queue, jobType, "waiting"),
		b.seqKey(),
	}
	raw, err := b.stalled.Run(ctx, b.client, keys, now.UnixMilli(), b.jobPrefix()).StringSlice()
	if err != nil {
		return nil, err
	}
	ids := make([]snowflake.ID, 0, len(raw))
	for _, s := range raw {
		id, err := snowflake.ParseString(s)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *RedisBroker) Get(ctx context.Context, id snowflake.ID) (*Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	var job Job
	if err := json.Unmarshal([]byte(fields["data"]), &job); err != nil {
		return nil, err
	}
	applyHash(&job, fields)
	return &job, nil
}

// applyHash overlays the mutable hash fields on the submitted job.
func applyHash(job *Job, fields map[string]string) {
	if v, err := strconv.Atoi(fields["attempts"]); err == nil {
		job.Attempts = v
	}
	if v := fields["state"]; v != "" {
		job.State = State(v)
	}
	job.LastError = fields["last_error"]
	if v := fields["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}
	if t, ok := millis(fields["run_at"]); ok {
		job.RunAt = t
	}
	if t, ok := millis(fields["processed_at"]); ok {
		job.ProcessedAt = &t
	}
	if t, ok := millis(fields["finished_at"]); ok {
		job.FinishedAt = &t
	}
}

func millis(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func (b *RedisBroker) Counts(ctx context.Context, queue string) (Counts, error) {
	types, err := b.client.SMembers(ctx, b.typesKey(queue)).Result()
	if err != nil {
		return Counts{}, err
	}

	pipe := b.client.Pipeline()
	type laneCmds struct{ waiting, delayed, active *redis.IntCmd }
	lanes := make([]laneCmds, 0, len(types))
	for _, t := range types {
		lanes = append(lanes, laneCmds{
			waiting: pipe.ZCard(ctx, b.laneKey(queue, t, "waiting")),
			delayed: pipe.ZCard(ctx, b.laneKey(queue, t, "delayed")),
			active:  pipe.ZCard(ctx, b.laneKey(queue, t, "active")),
		})
	}
	completed := pipe.LLen(ctx, b.listKey(queue, StateCompleted))
	failed := pipe.LLen(ctx, b.listKey(queue, StateFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}

	var c Counts
	for _, l := range lanes {
		c.Waiting += l.waiting.Val()
		c.Delayed += l.delayed.Val()
		c.Active += l.active.Val()
	}
	c.Completed = completed.Val()
	c.Failed = failed.Val()
	return c, nil
}

func (b *RedisBroker) Clean(ctx context.Context, queue string, state State) (int, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, errors.New("only completed or failed jobs can be cleaned")
	}
	list := b.listKey(queue, state)
	ids, err := b.client.LRange(ctx, list, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, b.jobPrefix()+id)
	}
	keys = append(keys, list)
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (b *RedisBroker) Close() error { return nil }

var _ Broker = (*RedisBroker)(nil)

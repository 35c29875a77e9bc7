// Package redisq implementa repository.JobStore sobre Redis.
//
// Layout (todas las keys con Prefix):
//
//	job:{id}        hash: data (JSON inmutable), state, attempts, next_attempt_at,
//	                updated_at, completed_at
//	ready           zset de ids Pending, score = next_attempt_at (unix ms)
//	state:{state}   zset índice por estado, score = created_at (unix ms)
//
// Las transiciones corren en scripts Lua, así el claim Pending→InFlight es
// atómico aunque varios procesos compartan la cola.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "hf:dq:"

// JobStore guarda DeliveryJobs en Redis.
type JobStore struct {
	rdb    *redis.Client
	prefix string
}

var _ repository.JobStore = (*JobStore)(nil)

// New crea el store. prefix vacío usa DefaultPrefix.
func New(rdb *redis.Client, prefix string) *JobStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &JobStore{rdb: rdb, prefix: prefix}
}

func (s *JobStore) jobKey(id string) string                { return s.prefix + "job:" + id }
func (s *JobStore) readyKey() string                       { return s.prefix + "ready" }
func (s *JobStore) stateKey(st repository.JobState) string { return s.prefix + "state:" + string(st) }

// ─── scripts ───

var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'state', ARGV[2], 'attempts', ARGV[3],
  'next_attempt_at', ARGV[4], 'updated_at', ARGV[5], 'completed_at', ARGV[6])
redis.call('ZADD', KEYS[3], ARGV[8], ARGV[9])
if ARGV[2] == 'pending' then redis.call('ZADD', KEYS[2], ARGV[7], ARGV[9]) end
return 1
`)

// KEYS: ready, state:pending, state:in_flight
// ARGV: now_ms, limit, job key prefix, updated_at
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local h = ARGV[3] .. id
  if redis.call('HGET', h, 'state') == 'pending' then
    redis.call('HSET', h, 'state', 'in_flight', 'updated_at', ARGV[4])
    redis.call('HINCRBY', h, 'attempts', 1)
    local score = redis.call('ZSCORE', KEYS[2], id)
    redis.call('ZREM', KEYS[2], id)
    redis.call('ZADD', KEYS[3], score or ARGV[1], id)
    table.insert(out, id)
  end
end
return out
`)

// KEYS: job, ready, state:in_flight, state:{new}
// ARGV: data, state, attempts, next_attempt_at, updated_at, completed_at, ready score, id
var finishScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return -1 end
if st ~= 'in_flight' then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'state', ARGV[2], 'attempts', ARGV[3],
  'next_attempt_at', ARGV[4], 'updated_at', ARGV[5], 'completed_at', ARGV[6])
local score = redis.call('ZSCORE', KEYS[3], ARGV[8])
redis.call('ZREM', KEYS[3], ARGV[8])
redis.call('ZADD', KEYS[4], score or ARGV[7], ARGV[8])
if ARGV[2] == 'pending' then redis.call('ZADD', KEYS[2], ARGV[7], ARGV[8]) end
return 1
`)

// KEYS: job, ready, state:pending, state:cancelled
// ARGV: id, now
var cancelScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return -1 end
if st ~= 'pending' then return 0 end
redis.call('HSET', KEYS[1], 'state', 'cancelled', 'updated_at', ARGV[2], 'completed_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
local score = redis.call('ZSCORE', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], score or 0, ARGV[1])
return 1
`)

// KEYS: job, ready, state:in_flight, state:pending
// ARGV: id, expected updated_at, new time, ready score
var recoverScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'in_flight' then return 0 end
if redis.call('HGET', KEYS[1], 'updated_at') ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'state', 'pending', 'next_attempt_at', ARGV[3], 'updated_at', ARGV[3])
local score = redis.call('ZSCORE', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], score or 0, ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// ─── JobStore ───

func (s *JobStore) Insert(ctx context.Context, jobs ...*repository.DeliveryJob) error {
	keys := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j == nil || j.ID == "" {
			return repository.ErrInvalidInput
		}
		keys = append(keys, s.jobKey(j.ID))
	}
	if len(keys) == 0 {
		return nil
	}
	n, err := s.rdb.Exists(ctx, keys...).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return repository.ErrConflict
	}
	for _, j := range jobs {
		data, err := encodeData(j)
		if err != nil {
			return err
		}
		ok, err := insertScript.Run(ctx, s.rdb,
			[]string{s.jobKey(j.ID), s.readyKey(), s.stateKey(j.State)},
			data, string(j.State), j.Attempts, fmtTime(j.NextAttemptAt), fmtTime(j.UpdatedAt),
			fmtTimePtr(j.CompletedAt), j.NextAttemptAt.UnixMilli(), j.CreatedAt.UnixMilli(), j.ID,
		).Int()
		if err != nil {
			return fmt.Errorf("redisq insert %s: %w", j.ID, err)
		}
		if ok == 0 {
			return repository.ErrConflict
		}
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*repository.DeliveryJob, error) {
	m, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, repository.ErrNotFound
	}
	return decodeJob(m)
}

func (s *JobStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*repository.DeliveryJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := claimScript.Run(ctx, s.rdb,
		[]string{s.readyKey(), s.stateKey(repository.JobPending), s.stateKey(repository.JobInFlight)},
		now.UnixMilli(), limit, s.prefix+"job:", fmtTime(now),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redisq claim: %w", err)
	}
	return s.getMany(ctx, ids)
}

func (s *JobStore) Finish(ctx context.Context, job *repository.DeliveryJob) error {
	if job.State != repository.JobPending && !job.State.Terminal() {
		return repository.ErrInvalidTransition
	}
	data, err := encodeData(job)
	if err != nil {
		return err
	}
	res, err := finishScript.Run(ctx, s.rdb,
		[]string{s.jobKey(job.ID), s.readyKey(), s.stateKey(repository.JobInFlight), s.stateKey(job.State)},
		data, string(job.State), job.Attempts, fmtTime(job.NextAttemptAt), fmtTime(job.UpdatedAt),
		fmtTimePtr(job.CompletedAt), job.NextAttemptAt.UnixMilli(), job.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("redisq finish %s: %w", job.ID, err)
	}
	switch res {
	case -1:
		return repository.ErrNotFound
	case 0:
		return repository.ErrInvalidTransition
	}
	return nil
}

func (s *JobStore) Cancel(ctx context.Context, id string, now time.Time) (*repository.DeliveryJob, error) {
	res, err := cancelScript.Run(ctx, s.rdb,
		[]string{s.jobKey(id), s.readyKey(), s.stateKey(repository.JobPending), s.stateKey(repository.JobCancelled)},
		id, fmtTime(now),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("redisq cancel %s: %w", id, err)
	}
	if res == -1 {
		return nil, repository.ErrNotFound
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res == 0 {
		return job, repository.ErrNotCancellable
	}
	return job, nil
}

func (s *JobStore) ListByState(ctx context.Context, state repository.JobState, limit int) ([]*repository.DeliveryJob, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.rdb.ZRange(ctx, s.stateKey(state), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out, err := s.getMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make([]*repository.DeliveryJob, 0)
	}
	return out, nil
}

func (s *JobStore) RecoverInFlight(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.rdb.ZRange(ctx, s.stateKey(repository.JobInFlight), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		raw, err := s.rdb.HGet(ctx, s.jobKey(id), "updated_at").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return n, err
		}
		at, err := parseTime(raw)
		if err != nil || !at.Before(before) {
			continue
		}
		ok, err := recoverScript.Run(ctx, s.rdb,
			[]string{s.jobKey(id), s.readyKey(), s.stateKey(repository.JobInFlight), s.stateKey(repository.JobPending)},
			id, raw, fmtTime(before), before.UnixMilli(),
		).Int()
		if err != nil {
			return n, err
		}
		n += ok
	}
	return n, nil
}

func (s *JobStore) NextDue(ctx context.Context) (time.Time, bool, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, s.readyKey(), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)).UTC(), true, nil
}

func (s *JobStore) getMany(ctx context.Context, ids []string) ([]*repository.DeliveryJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]*repository.DeliveryJob, 0, len(ids))
	for _, c := range cmds {
		m := c.Val()
		if len(m) == 0 {
			continue
		}
		job, err := decodeJob(m)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// ─── encoding ───

// jobData son los campos que solo cambian vía Finish.
type jobData struct {
	ID          string    `json:"id"`
	ActivityID  string    `json:"activity_id"`
	ActorID     string    `json:"actor_id"`
	Payload     []byte    `json:"payload"`
	TargetInbox string    `json:"target_inbox"`
	Recipients  []string  `json:"recipients"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
	LastStatus  int       `json:"last_status,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func encodeData(j *repository.DeliveryJob) (string, error) {
	b, err := json.Marshal(jobData{
		ID: j.ID, ActivityID: j.ActivityID, ActorID: j.ActorID, Payload: j.Payload,
		TargetInbox: j.TargetInbox, Recipients: j.Recipients, MaxAttempts: j.MaxAttempts,
		CreatedAt: j.CreatedAt, LastStatus: j.LastStatus, LastError: j.LastError,
	})
	return string(b), err
}

func decodeJob(m map[string]string) (*repository.DeliveryJob, error) {
	var d jobData
	if err := json.Unmarshal([]byte(m["data"]), &d); err != nil {
		return nil, fmt.Errorf("redisq decode: %w", err)
	}
	job := &repository.DeliveryJob{
		ID: d.ID, ActivityID: d.ActivityID, ActorID: d.ActorID, Payload: d.Payload,
		TargetInbox: d.TargetInbox, Recipients: d.Recipients, MaxAttempts: d.MaxAttempts,
		CreatedAt: d.CreatedAt, LastStatus: d.LastStatus, LastError: d.LastError,
		State: repository.JobState(m["state"]),
	}
	var err error
	if job.Attempts, err = strconv.Atoi(m["attempts"]); err != nil {
		return nil, fmt.Errorf("redisq decode attempts: %w", err)
	}
	if job.NextAttemptAt, err = parseTime(m["next_attempt_at"]); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(m["updated_at"]); err != nil {
		return nil, err
	}
	if v := m["completed_at"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		job.CompletedAt = &t
	}
	return job, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

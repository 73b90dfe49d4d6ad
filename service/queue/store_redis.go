package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/go-redis/redis/v8"
	"strconv"
	"time"
)

// claimScript moves the earliest due job to the lease expiry in one step, so no other worker sees it as due
// until the lease passes.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZADD', KEYS[1], ARGV[2], ids[1])
return ids[1]
`)

type redisStore struct {
	client  redis.UniversalClient
	keyJobs string
	keyDue  string
}

// NewRedisStore shares one queue between every process using the same redis and prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) Store {
	return redisStore{
		client:  client,
		keyJobs: prefix + ":q:jobs",
		keyDue:  prefix + ":q:due",
	}
}

func (rs redisStore) Put(ctx context.Context, j Job) (err error) {
	var data []byte
	data, err = json.Marshal(j)
	if err == nil {
		var added bool
		added, err = rs.client.HSetNX(ctx, rs.keyJobs, j.Id, data).Result()
		if err == nil && !added {
			err = fmt.Errorf("duplicate job id %s", j.Id)
		}
	}
	if err == nil {
		err = rs.client.ZAdd(ctx, rs.keyDue, &redis.Z{Score: score(j.DueAt), Member: j.Id}).Err()
	}
	return wrapRedisErr(err)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (rs redisStore) Claim(ctx context.Context, now time.Time, lease time.Duration) (j Job, ok bool, err error) {
	dueAt := now.Add(lease)
	var id string
	id, err = claimScript.Run(ctx, rs.client, []string{rs.keyDue}, strconv.FormatInt(now.UnixMilli(), 10), strconv.FormatInt(dueAt.UnixMilli(), 10)).Text()
	switch {
	case errors.Is(err, redis.Nil):
		err = nil
	case err == nil:
		j, err = rs.get(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			// index entry without a job
			err = rs.client.ZRem(ctx, rs.keyDue, id).Err()
		case err == nil:
			j.State = StateActive
			j.Attempts++
			j.DueAt = dueAt
			err = rs.set(ctx, j)
			ok = err == nil
		}
	}
	err = wrapRedisErr(err)
	return
}

func (rs redisStore) Complete(ctx context.Context, id string) (err error) {
	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, rs.keyJobs, id)
		pipe.ZRem(ctx, rs.keyDue, id)
		return nil
	})
	return wrapRedisErr(err)
}

func (rs redisStore) Retry(ctx context.Context, id string, dueAt time.Time, lastErr string) (err error) {
	var j Job
	j, err = rs.get(ctx, id)
	if err == nil {
		j.State = StatePending
		j.DueAt = dueAt
		j.LastError = lastErr
		var data []byte
		data, err = json.Marshal(j)
		if err == nil {
			_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, rs.keyJobs, id, data)
				pipe.ZAdd(ctx, rs.keyDue, &redis.Z{Score: score(dueAt), Member: id})
				return nil
			})
		}
	}
	return wrapRedisErr(err)
}

func (rs redisStore) Fail(ctx context.Context, id string, lastErr string) (err error) {
	var j Job
	j, err = rs.get(ctx, id)
	if err == nil {
		j.State = StateFailed
		j.LastError = lastErr
		var data []byte
		data, err = json.Marshal(j)
		if err == nil {
			_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, rs.keyJobs, id, data)
				pipe.ZRem(ctx, rs.keyDue, id)
				return nil
			})
		}
	}
	return wrapRedisErr(err)
}

func (rs redisStore) Get(ctx context.Context, id string) (j Job, err error) {
	j, err = rs.get(ctx, id)
	err = wrapRedisErr(err)
	return
}

func (rs redisStore) get(ctx context.Context, id string) (j Job, err error) {
	var data []byte
	data, err = rs.client.HGet(ctx, rs.keyJobs, id).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		err = fmt.Errorf("%w: %s", ErrNotFound, id)
	case err == nil:
		err = json.Unmarshal(data, &j)
	}
	return
}

func (rs redisStore) set(ctx context.Context, j Job) (err error) {
	var data []byte
	data, err = json.Marshal(j)
	if err == nil {
		err = rs.client.HSet(ctx, rs.keyJobs, j.Id, data).Err()
	}
	return
}

func (rs redisStore) List(ctx context.Context, state State, limit int) (jobs []Job, err error) {
	var vals []string
	vals, err = rs.client.HVals(ctx, rs.keyJobs).Result()
	for _, v := range vals {
		if err != nil || (limit > 0 && len(jobs) >= limit) {
			break
		}
		var j Job
		err = json.Unmarshal([]byte(v), &j)
		if err == nil && (state == "" || j.State == state) {
			jobs = append(jobs, j)
		}
	}
	err = wrapRedisErr(err)
	return
}

func (rs redisStore) Counts(ctx context.Context) (s Stats, err error) {
	var jobs []Job
	jobs, err = rs.List(ctx, "", 0)
	if err == nil {
		s = countStates(jobs)
	}
	return
}

// Close leaves the shared client open.
func (rs redisStore) Close() error {
	return nil
}

func wrapRedisErr(src error) (dst error) {
	switch {
	case src == nil:
	case errors.Is(src, ErrNotFound):
		dst = src
	default:
		dst = fmt.Errorf("%w: %s", ErrStore, src)
	}
	return
}

package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	bolt "go.etcd.io/bbolt"
	"time"
)

var bucketJobs = []byte("jobs")

// bucketDue indexes the claimable jobs by 8 bytes of big endian due time in unix nanos followed by the job id.
// Failed jobs are absent from it.
var bucketDue = []byte("due")

type boltStore struct {
	db *bolt.DB
}

// NewBoltStore opens the single node queue file, creating it when missing.
func NewBoltStore(path string) (s Store, err error) {
	var db *bolt.DB
	db, err = bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err == nil {
		err = db.Update(func(tx *bolt.Tx) (err error) {
			_, err = tx.CreateBucketIfNotExists(bucketJobs)
			if err == nil {
				_, err = tx.CreateBucketIfNotExists(bucketDue)
			}
			return
		})
		if err != nil {
			_ = db.Close()
		}
	}
	switch err {
	case nil:
		s = boltStore{db: db}
	default:
		err = fmt.Errorf("%w: %s", ErrStore, err)
	}
	return
}

func dueKey(t time.Time, id string) (k []byte) {
	k = make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	k = append(k, id...)
	return
}

func (bs boltStore) Put(ctx context.Context, j Job) (err error) {
	err = bs.db.Update(func(tx *bolt.Tx) (err error) {
		jobs := tx.Bucket(bucketJobs)
		if jobs.Get([]byte(j.Id)) != nil {
			return fmt.Errorf("duplicate job id %s", j.Id)
		}
		return putJob(tx, j)
	})
	return wrapBoltErr(err)
}

func putJob(tx *bolt.Tx, j Job) (err error) {
	var data []byte
	data, err = json.Marshal(j)
	if err == nil {
		err = tx.Bucket(bucketJobs).Put([]byte(j.Id), data)
	}
	if err == nil && j.State != StateFailed {
		err = tx.Bucket(bucketDue).Put(dueKey(j.DueAt, j.Id), nil)
	}
	return
}

func getJob(tx *bolt.Tx, id string) (j Job, err error) {
	data := tx.Bucket(bucketJobs).Get([]byte(id))
	switch data {
	case nil:
		err = fmt.Errorf("%w: %s", ErrNotFound, id)
	default:
		err = json.Unmarshal(data, &j)
	}
	return
}

// Claim takes the earliest due job. Index entries pointing to no job are dropped on the way.
func (bs boltStore) Claim(ctx context.Context, now time.Time, lease time.Duration) (j Job, ok bool, err error) {
	err = bs.db.Update(func(tx *bolt.Tx) (err error) {
		due := tx.Bucket(bucketDue)
		var stale [][]byte
		var claim []byte
		c := due.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) <= 8 {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if int64(binary.BigEndian.Uint64(k[:8])) > now.UnixNano() {
				break
			}
			j, err = getJob(tx, string(k[8:]))
			if errors.Is(err, ErrNotFound) {
				err = nil
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if err == nil {
				claim = append([]byte(nil), k...)
			}
			break
		}
		for _, k := range stale {
			if err == nil {
				err = due.Delete(k)
			}
		}
		if err != nil || claim == nil {
			return
		}
		if err = due.Delete(claim); err != nil {
			return
		}
		j.State = StateActive
		j.Attempts++
		j.DueAt = now.Add(lease)
		err = putJob(tx, j)
		ok = err == nil
		return
	})
	if err != nil || !ok {
		j = Job{}
		ok = false
	}
	err = wrapBoltErr(err)
	return
}

func (bs boltStore) Complete(ctx context.Context, id string) (err error) {
	err = bs.db.Update(func(tx *bolt.Tx) (err error) {
		var j Job
		j, err = getJob(tx, id)
		if err == nil {
			err = tx.Bucket(bucketDue).Delete(dueKey(j.DueAt, id))
		}
		if err == nil {
			err = tx.Bucket(bucketJobs).Delete([]byte(id))
		}
		return
	})
	return wrapBoltErr(err)
}

func (bs boltStore) Retry(ctx context.Context, id string, dueAt time.Time, lastErr string) (err error) {
	err = bs.update(id, func(j *Job) {
		j.State = StatePending
		j.DueAt = dueAt
		j.LastError = lastErr
	})
	return
}

func (bs boltStore) Fail(ctx context.Context, id string, lastErr string) (err error) {
	err = bs.update(id, func(j *Job) {
		j.State = StateFailed
		j.LastError = lastErr
	})
	return
}

func (bs boltStore) update(id string, mod func(j *Job)) (err error) {
	err = bs.db.Update(func(tx *bolt.Tx) (err error) {
		var j Job
		j, err = getJob(tx, id)
		if err == nil {
			err = tx.Bucket(bucketDue).Delete(dueKey(j.DueAt, id))
		}
		if err == nil {
			mod(&j)
			err = putJob(tx, j)
		}
		return
	})
	return wrapBoltErr(err)
}

func (bs boltStore) Get(ctx context.Context, id string) (j Job, err error) {
	err = bs.db.View(func(tx *bolt.Tx) (err error) {
		j, err = getJob(tx, id)
		return
	})
	err = wrapBoltErr(err)
	return
}

func (bs boltStore) List(ctx context.Context, state State, limit int) (jobs []Job, err error) {
	err = bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) (err error) {
			if limit > 0 && len(jobs) >= limit {
				return
			}
			var j Job
			err = json.Unmarshal(v, &j)
			if err == nil && (state == "" || j.State == state) {
				jobs = append(jobs, j)
			}
			return
		})
	})
	err = wrapBoltErr(err)
	return
}

func (bs boltStore) Counts(ctx context.Context) (s Stats, err error) {
	var jobs []Job
	jobs, err = bs.List(ctx, "", 0)
	if err == nil {
		s = countStates(jobs)
	}
	return
}

func (bs boltStore) Close() error {
	return bs.db.Close()
}

func countStates(jobs []Job) (s Stats) {
	for _, j := range jobs {
		switch j.State {
		case StatePending:
			s.Pending++
		case StateActive:
			s.Active++
		case StateFailed:
			s.Failed++
		}
	}
	return
}

func wrapBoltErr(src error) (dst error) {
	switch {
	case src == nil:
	case errors.Is(src, ErrNotFound):
		dst = src
	default:
		dst = fmt.Errorf("%w: %s", ErrStore, src)
	}
	return
}

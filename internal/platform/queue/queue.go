// Package queue is a reliable Redis list queue for status recompute jobs.
//
// Producers LPUSH onto the pending list. Consumers atomically move the oldest
// job onto a processing list with BLMOVE and remove it with LREM once it has
// been handled. Jobs left on the processing list by a crashed consumer are
// moved back with Requeue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrEmpty is returned by Dequeue when no job arrived before the timeout.
	ErrEmpty = errors.New("queue: empty")
	// ErrMalformed is returned for a payload that could not be decoded. The
	// payload has already been moved to the dead list.
	ErrMalformed = errors.New("queue: malformed job")
)

// Job asks for the statuses of PatientIDs to be recomputed.
type Job struct {
	ID            uuid.UUID   `json:"id"`
	PatientIDs    []uuid.UUID `json:"patient_ids"`
	AcademicYears []int       `json:"academic_years,omitempty"`
	Reason        string      `json:"reason"`
	Attempts      int         `json:"attempts"`
	EnqueuedAt    time.Time   `json:"enqueued_at"`
}

// Delivery is a dequeued job. raw is the exact payload on the processing list.
type Delivery struct {
	Job Job
	raw string
}

// RedisQueue keeps pending jobs at name, in-flight jobs at name:processing
// and jobs that exhausted their attempts at name:dead.
type RedisQueue struct {
	client     *redis.Client
	name       string
	processing string
	dead       string
	now        func() time.Time
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client:     client,
		name:       name,
		processing: name + ":processing",
		dead:       name + ":dead",
		now:        time.Now,
	}
}

// Name returns the pending list key.
func (q *RedisQueue) Name() string { return q.name }

// Enqueue pushes job, assigning an id and enqueue time when missing.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if len(job.PatientIDs) == 0 {
		return nil
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the oldest pending job and moves it onto
// the processing list. A payload that cannot be decoded is moved to the dead
// list and reported as an error.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.name, q.processing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return q.decode(ctx, raw)
}

// TryDequeue is Dequeue without blocking.
func (q *RedisQueue) TryDequeue(ctx context.Context) (*Delivery, error) {
	raw, err := q.client.LMove(ctx, q.name, q.processing, "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return q.decode(ctx, raw)
}

func (q *RedisQueue) decode(ctx context.Context, raw string) (*Delivery, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		if _, perr := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.processing, 1, raw)
			p.LPush(ctx, q.dead, raw)
			return nil
		}); perr != nil {
			return nil, fmt.Errorf("bury malformed job: %w", perr)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Delivery{Job: job, raw: raw}, nil
}

// Ack removes a handled delivery from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", d.Job.ID, err)
	}
	return nil
}

// Retry puts a failed delivery back on the pending list with its attempt
// count incremented, or on the dead list once maxAttempts is reached. It
// reports whether the job was buried.
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, maxAttempts int) (bool, error) {
	job := d.Job
	job.Attempts++
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}
	dest := q.name
	buried := maxAttempts > 0 && job.Attempts >= maxAttempts
	if buried {
		dest = q.dead
	}
	if _, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processing, 1, d.raw)
		p.LPush(ctx, dest, payload)
		return nil
	}); err != nil {
		return false, fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return buried, nil
}

// Requeue moves every job on the processing list back onto the pending list.
// It must only run while no consumer is active.
func (q *RedisQueue) Requeue(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.name, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("requeue jobs: %w", err)
		}
		n++
	}
}

// Len returns the number of pending jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

// DeadLen returns the number of buried jobs.
func (q *RedisQueue) DeadLen(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dead).Result()
}

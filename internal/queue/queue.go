// Package queue implements a durable at-least-once job queue on the
// queue_jobs table. Each service database carries its own copy of the
// table, so the upload and payment services each get an isolated queue
// over their existing connection pool.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultMaxAttempts is how many times a job runs before dead-lettering.
const DefaultMaxAttempts = 3

// Job is one claimed unit of work.
type Job struct {
	ID          int64
	Queue       string
	JobKey      *string
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	CreatedAt   time.Time
}

// Unmarshal decodes the job payload into v.
func (j *Job) Unmarshal(v any) error {
	if len(j.Payload) == 0 {
		return errors.New("job has no payload")
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal job payload: %w", err)
	}
	return nil
}

// fatalError marks a handler failure that must not be retried.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps a handler error so the job dead-letters immediately instead
// of consuming its remaining attempts.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was wrapped by Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// DefaultBackoff returns the retry delay for a completed attempt number:
// 5s, 25s, 125s, then capped.
func DefaultBackoff(attempt int) time.Duration {
	delay := 5 * time.Second
	maxDelay := 125 * time.Second

	for i := 1; i < attempt; i++ {
		delay *= 5
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// Queue enqueues and claims jobs on one database.
type Queue struct {
	pool *pgxpool.Pool
}

// New creates a queue over an existing connection pool.
func New(pool *pgxpool.Pool) *Queue {
	if pool == nil {
		panic("queue: nil pool")
	}
	return &Queue{pool: pool}
}

func marshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return body, nil
}

// Enqueue adds a job runnable immediately.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload any) error {
	return q.EnqueueAt(ctx, queue, payload, time.Now().UTC())
}

// EnqueueAt adds a job that becomes runnable at runAt.
func (q *Queue) EnqueueAt(ctx context.Context, queue string, payload any, runAt time.Time) error {
	body, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	_, err = q.pool.Exec(ctx, `
		INSERT INTO queue_jobs (queue, payload, max_attempts, run_at)
		VALUES ($1, $2, $3, $4)
	`, queue, body, DefaultMaxAttempts, runAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue job on %s: %w", queue, err)
	}
	return nil
}

// EnqueueUnique adds a job with a stable key. While a job with the same
// key is pending or running on the queue, re-enqueues are a no-op.
// Returns whether a job was added.
func (q *Queue) EnqueueUnique(ctx context.Context, queue, jobKey string, payload any) (bool, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return false, err
	}

	tag, err := q.pool.Exec(ctx, `
		INSERT INTO queue_jobs (queue, job_key, payload, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (queue, job_key) WHERE job_key IS NOT NULL AND status IN ('pending', 'running')
		DO NOTHING
	`, queue, jobKey, body, DefaultMaxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue unique job on %s: %w", queue, err)
	}
	return tag.RowsAffected() == 1, nil
}

// EnqueueBatch adds many jobs to one queue in a single transaction.
func (q *Queue) EnqueueBatch(ctx context.Context, queue string, payloads []any) error {
	if len(payloads) == 0 {
		return nil
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, payload := range payloads {
		body, err := marshalPayload(payload)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO queue_jobs (queue, payload, max_attempts, run_at)
			VALUES ($1, $2, $3, NOW())
		`, queue, body, DefaultMaxAttempts); err != nil {
			return fmt.Errorf("failed to enqueue job on %s: %w", queue, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch enqueue: %w", err)
	}
	return nil
}

// claim atomically takes the oldest runnable job off a queue. Returns nil
// when the queue is empty.
func (q *Queue) claim(ctx context.Context, queue string) (*Job, error) {
	job := &Job{}
	err := q.pool.QueryRow(ctx, `
		UPDATE queue_jobs
		SET status = 'running', attempts = attempts + 1, started_at = NOW()
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = $1 AND status = 'pending' AND run_at <= NOW()
			ORDER BY run_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, queue, job_key, payload, attempts, max_attempts, run_at, created_at
	`, queue).Scan(
		&job.ID, &job.Queue, &job.JobKey, &job.Payload,
		&job.Attempts, &job.MaxAttempts, &job.RunAt, &job.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job on %s: %w", queue, err)
	}
	return job, nil
}

// complete marks a job done.
func (q *Queue) complete(ctx context.Context, jobID int64) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs SET status = 'completed', finished_at = NOW() WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", jobID, err)
	}
	return nil
}

// retry reschedules a failed job after a delay.
func (q *Queue) retry(ctx context.Context, jobID int64, lastError string, delay time.Duration) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'pending', run_at = NOW() + $2, last_error = $3, started_at = NULL
		WHERE id = $1
	`, jobID, delay, lastError)
	if err != nil {
		return fmt.Errorf("failed to reschedule job %d: %w", jobID, err)
	}
	return nil
}

// fail dead-letters a job.
func (q *Queue) fail(ctx context.Context, jobID int64, lastError string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'failed', finished_at = NOW(), last_error = $2
		WHERE id = $1
	`, jobID, lastError)
	if err != nil {
		return fmt.Errorf("failed to dead-letter job %d: %w", jobID, err)
	}
	return nil
}

// Depth returns the number of runnable jobs waiting on a queue.
func (q *Queue) Depth(ctx context.Context, queue string) (int64, error) {
	var depth int64
	err := q.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_jobs WHERE queue = $1 AND status = 'pending'
	`, queue).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

// RequeueStuck returns jobs whose worker died mid-run to the pending
// state. olderThan bounds how long a running job may go untouched.
func (q *Queue) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'pending', run_at = NOW(), started_at = NULL
		WHERE status = 'running' AND started_at < NOW() - $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Sweep deletes finished jobs past their retention windows.
func (q *Queue) Sweep(ctx context.Context, completedRetention, failedRetention time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM queue_jobs
		WHERE (status = 'completed' AND finished_at < NOW() - $1)
		   OR (status = 'failed' AND finished_at < NOW() - $2)
	`, completedRetention, failedRetention)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one claimed job. Returning nil completes the job,
// returning an error retries it with backoff, and returning Fatal(err)
// dead-letters it immediately.
type Handler func(ctx context.Context, job *Job) error

// ConsumerConfig controls how a consumer drains one queue.
type ConsumerConfig struct {
	// Queue is the queue name to consume.
	Queue string

	// Concurrency is how many jobs run at once.
	Concurrency int

	// PollInterval is how long to sleep when the queue is empty.
	PollInterval time.Duration

	// Backoff maps a completed attempt number to the retry delay.
	Backoff func(attempt int) time.Duration
}

// Consumer drains a single queue with a pool of workers.
type Consumer struct {
	queue  *Queue
	cfg    ConsumerConfig
	handle Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer for one queue.
func (q *Queue) NewConsumer(cfg ConsumerConfig, handle Handler) *Consumer {
	if cfg.Queue == "" {
		panic("queue: consumer requires a queue name")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	return &Consumer{
		queue:  q,
		cfg:    cfg,
		handle: handle,
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (c *Consumer) Start(ctx context.Context) {
	slog.Info("starting queue consumer",
		"queue", c.cfg.Queue,
		"concurrency", c.cfg.Concurrency)

	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go c.runWorker(ctx)
	}
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	slog.Info("queue consumer stopped", "queue", c.cfg.Queue)
}

func (c *Consumer) runWorker(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		job, err := c.queue.claim(ctx, c.cfg.Queue)
		if err != nil {
			slog.Error("failed to claim job", "queue", c.cfg.Queue, "error", err)
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(c.cfg.PollInterval):
			}
			continue
		}

		c.process(ctx, job)
	}
}

func (c *Consumer) process(ctx context.Context, job *Job) {
	err := c.invoke(ctx, job)
	if err == nil {
		if cerr := c.queue.complete(ctx, job.ID); cerr != nil {
			slog.Error("failed to complete job",
				"queue", job.Queue, "job_id", job.ID, "error", cerr)
		}
		return
	}

	if IsFatal(err) || job.Attempts >= job.MaxAttempts {
		slog.Error("job dead-lettered",
			"queue", job.Queue,
			"job_id", job.ID,
			"attempt", job.Attempts,
			"error", err)
		if ferr := c.queue.fail(ctx, job.ID, err.Error()); ferr != nil {
			slog.Error("failed to dead-letter job",
				"queue", job.Queue, "job_id", job.ID, "error", ferr)
		}
		return
	}

	delay := c.cfg.Backoff(job.Attempts)
	slog.Warn("job failed, retrying",
		"queue", job.Queue,
		"job_id", job.ID,
		"attempt", job.Attempts,
		"retry_in", delay,
		"error", err)
	if rerr := c.queue.retry(ctx, job.ID, err.Error(), delay); rerr != nil {
		slog.Error("failed to reschedule job",
			"queue", job.Queue, "job_id", job.ID, "error", rerr)
	}
}

// invoke runs the handler, converting panics into retryable errors so a
// bad payload cannot take the worker down.
func (c *Consumer) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return c.handle(ctx, job)
}

// RepeatEvery describes one recurring job.
type RepeatEvery struct {
	// Queue receives the job.
	Queue string

	// JobKey dedupes the job: a new run is only enqueued once the
	// previous one has finished.
	JobKey string

	// Every is the enqueue interval.
	Every time.Duration

	// Payload is the job body, marshaled on every tick.
	Payload any
}

// Scheduler enqueues recurring jobs on fixed intervals. The unique job
// key keeps overlapping schedules collapsed to one pending run, so
// running multiple schedulers against the same database is safe.
type Scheduler struct {
	queue   *Queue
	entries []RepeatEvery

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler for a set of recurring jobs.
func (q *Queue) NewScheduler(entries []RepeatEvery) *Scheduler {
	return &Scheduler{
		queue:   q,
		entries: entries,
		stopCh:  make(chan struct{}),
	}
}

// Start launches one goroutine per recurring job. Each entry is enqueued
// once immediately, then on every tick.
func (s *Scheduler) Start(ctx context.Context) {
	for _, entry := range s.entries {
		s.wg.Add(1)
		go s.runEntry(ctx, entry)
	}
}

// Stop signals the scheduler goroutines and waits for them.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("queue scheduler stopped")
}

func (s *Scheduler) runEntry(ctx context.Context, entry RepeatEvery) {
	defer s.wg.Done()

	slog.Info("scheduling recurring job",
		"queue", entry.Queue,
		"job_key", entry.JobKey,
		"every", entry.Every)

	s.tick(ctx, entry)

	ticker := time.NewTicker(entry.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx, entry)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, entry RepeatEvery) {
	if _, err := s.queue.EnqueueUnique(ctx, entry.Queue, entry.JobKey, entry.Payload); err != nil {
		slog.Error("failed to enqueue recurring job",
			"queue", entry.Queue,
			"job_key", entry.JobKey,
			"error", err)
	}
}

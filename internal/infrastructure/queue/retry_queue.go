// Package queue implements the in-process retry queue that re-executes
// payment jobs after transient failures, with priority ordering and
// exponential backoff.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recon/engine/internal/domain/shared"
)

// Status represents the lifecycle status of a queued job
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Priority bounds. Higher runs first.
const (
	MinPriority = 1
	MaxPriority = 10
)

var (
	ErrQueueNotRunning = errors.New("retry queue is not running")
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotPending   = errors.New("only pending jobs can be cancelled")
)

// Job is one queued execution request for a payment
type Job struct {
	ID          uuid.UUID
	PaymentID   uuid.UUID
	Priority    int
	ScheduledAt time.Time
	Attempts    int
	MaxAttempts int
	Status      Status
	LastError   string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// shouldRetry returns true while retry attempts remain
func (j *Job) shouldRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// Executor runs the actual payment job. The queue owns scheduling and
// backoff; the executor owns the work. The job ID is stable across retries
// of the same job so executors can key idempotent work on it.
type Executor interface {
	Execute(ctx context.Context, jobID uuid.UUID, paymentID uuid.UUID) error
}

// Config holds retry queue configuration
type Config struct {
	TickInterval      time.Duration
	BatchSize         int
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	Retention         time.Duration
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:      30 * time.Second,
		BatchSize:         10,
		MaxConcurrentJobs: 3,
		JobTimeout:        5 * time.Minute,
		MaxAttempts:       3,
		BaseDelay:         5 * time.Second,
		BackoffMultiplier: 2,
		Retention:         7 * 24 * time.Hour,
	}
}

// RetryQueue is an in-memory prioritized, time-scheduled job set. A tick
// dispatches due pending jobs ordered by priority desc then scheduled time
// asc, up to the batch size and concurrency cap. A payment never has two
// jobs running at once. The queue provides no cross-process exclusion; a
// multi-instance deployment needs an external lock keyed by payment id
// before dispatch.
type RetryQueue struct {
	config   Config
	executor Executor
	logger   *zap.Logger

	mu       sync.Mutex
	jobs     map[uuid.UUID]*Job
	inflight map[uuid.UUID]struct{} // payment ids currently running

	sem       chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool

	now func() time.Time
}

// NewRetryQueue creates a queue with the given executor
func NewRetryQueue(config Config, executor Executor, logger *zap.Logger) *RetryQueue {
	defaults := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = defaults.MaxConcurrentJobs
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.BackoffMultiplier <= 1 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	return &RetryQueue{
		config:   config,
		executor: executor,
		logger:   logger,
		jobs:     make(map[uuid.UUID]*Job),
		inflight: make(map[uuid.UUID]struct{}),
		sem:      make(chan struct{}, config.MaxConcurrentJobs),
		now:      time.Now,
	}
}

// Enqueue adds a payment job. Priority is clamped to [1, 10]. If the
// payment already has a pending or running job, that job is returned
// instead of creating a duplicate.
func (q *RetryQueue) Enqueue(paymentID uuid.UUID, priority int) (*Job, error) {
	if paymentID == uuid.Nil {
		return nil, shared.NewValidationError("payment id is required")
	}
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		if job.PaymentID == paymentID && (job.Status == StatusPending || job.Status == StatusRunning) {
			return job, nil
		}
	}

	now := q.now()
	job := &Job{
		ID:          uuid.New(),
		PaymentID:   paymentID,
		Priority:    priority,
		ScheduledAt: now,
		MaxAttempts: q.config.MaxAttempts,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	q.jobs[job.ID] = job

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("payment_id", paymentID.String()),
		zap.Int("priority", priority),
	)

	return job, nil
}

// Cancel removes a job from the queue. Only pending jobs can be cancelled;
// a running job must be waited out.
func (q *RetryQueue) Cancel(jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusPending {
		return ErrJobNotPending
	}
	delete(q.jobs, jobID)
	return nil
}

// Get returns a snapshot of a job
func (q *RetryQueue) Get(jobID uuid.UUID) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// List returns snapshots of all jobs in the given status, or all jobs when
// status is empty.
func (q *RetryQueue) List(status Status) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobs []Job
	for _, job := range q.jobs {
		if status == "" || job.Status == status {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Start begins the tick loop
func (q *RetryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = true
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(1)
	go q.loop(ctx)

	q.logger.Info("retry queue started",
		zap.Duration("tick_interval", q.config.TickInterval),
		zap.Int("batch_size", q.config.BatchSize),
		zap.Int("max_concurrent", q.config.MaxConcurrentJobs),
	)

	return nil
}

// Stop gracefully stops the queue, waiting for running jobs
func (q *RetryQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("retry queue stopped")
		return nil
	case <-ctx.Done():
		q.logger.Warn("retry queue stop timed out")
		return ctx.Err()
	}
}

// TickNow runs one tick on demand, outside the interval loop
func (q *RetryQueue) TickNow(ctx context.Context) {
	q.tick(ctx)
}

// loop drives ticks on the configured interval
func (q *RetryQueue) loop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// tick purges expired completed jobs and dispatches due pending jobs
func (q *RetryQueue) tick(ctx context.Context) {
	batch := q.selectBatch()
	for _, job := range batch {
		q.wg.Add(1)
		go q.run(ctx, job)
	}
}

// selectBatch picks up to BatchSize due pending jobs ordered by priority
// desc then scheduled time asc, skipping payments already running, and
// marks them running to reserve the inflight slot.
func (q *RetryQueue) selectBatch() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.purgeLocked(now)

	var due []*Job
	for _, job := range q.jobs {
		if job.Status == StatusPending && !job.ScheduledAt.After(now) {
			due = append(due, job)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	var batch []*Job
	for _, job := range due {
		if len(batch) >= q.config.BatchSize {
			break
		}
		if _, running := q.inflight[job.PaymentID]; running {
			continue
		}
		job.Status = StatusRunning
		q.inflight[job.PaymentID] = struct{}{}
		batch = append(batch, job)
	}
	return batch
}

// run executes one job under the concurrency cap and settles its outcome
func (q *RetryQueue) run(ctx context.Context, job *Job) {
	defer q.wg.Done()

	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		q.settle(job, ctx.Err())
		return
	}
	defer func() { <-q.sem }()

	jobCtx, cancel := context.WithTimeout(ctx, q.config.JobTimeout)
	defer cancel()

	err := q.executor.Execute(jobCtx, job.ID, job.PaymentID)
	q.settle(job, err)
}

// settle records a job outcome: completion, a rescheduled retry with
// exponential backoff, or permanent failure. The inflight slot is always
// released.
func (q *RetryQueue) settle(job *Job, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, job.PaymentID)
	now := q.now()

	if err == nil {
		job.Status = StatusCompleted
		job.CompletedAt = &now
		job.LastError = ""
		q.logger.Info("job completed",
			zap.String("job_id", job.ID.String()),
			zap.String("payment_id", job.PaymentID.String()),
			zap.Int("attempts", job.Attempts),
		)
		return
	}

	job.LastError = err.Error()

	if shared.IsRetryable(err) && job.shouldRetry() {
		job.Attempts++
		delay := q.backoff(job.Attempts)
		job.Status = StatusPending
		job.ScheduledAt = now.Add(delay)
		q.logger.Warn("job failed, rescheduled",
			zap.String("job_id", job.ID.String()),
			zap.String("payment_id", job.PaymentID.String()),
			zap.Int("attempt", job.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		return
	}

	job.Status = StatusFailed
	job.CompletedAt = &now
	q.logger.Error("job failed permanently, manual intervention required",
		zap.String("job_id", job.ID.String()),
		zap.String("payment_id", job.PaymentID.String()),
		zap.Int("attempts", job.Attempts),
		zap.Error(err),
	)
}

// backoff computes baseDelay * multiplier^(attempt-1)
func (q *RetryQueue) backoff(attempt int) time.Duration {
	delay := float64(q.config.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= q.config.BackoffMultiplier
	}
	return time.Duration(delay)
}

// purgeLocked drops completed jobs older than the retention window.
// Permanently failed jobs are kept for manual intervention.
func (q *RetryQueue) purgeLocked(now time.Time) {
	cutoff := now.Add(-q.config.Retention)
	for id, job := range q.jobs {
		if job.Status == StatusCompleted && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
		}
	}
}

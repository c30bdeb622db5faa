package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/recon/engine/internal/domain/shared"
)

// fakeExecutor returns a configured error per payment and records calls
type fakeExecutor struct {
	mu     sync.Mutex
	errs   map[uuid.UUID]error
	calls  []uuid.UUID
	jobIDs []uuid.UUID
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{errs: make(map[uuid.UUID]error)}
}

func (f *fakeExecutor) Execute(ctx context.Context, jobID uuid.UUID, paymentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, paymentID)
	f.jobIDs = append(f.jobIDs, jobID)
	return f.errs[paymentID]
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExecutor) seenJobIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.jobIDs...)
}

func newTestQueue(executor Executor) *RetryQueue {
	return NewRetryQueue(DefaultConfig(), executor, zap.NewNop())
}

func TestEnqueue(t *testing.T) {
	q := newTestQueue(newFakeExecutor())

	t.Run("rejects nil payment id", func(t *testing.T) {
		_, err := q.Enqueue(uuid.Nil, 5)
		require.Error(t, err)
		assert.Equal(t, shared.CodeValidation, shared.ErrorCode(err))
	})

	t.Run("clamps priority", func(t *testing.T) {
		low, err := q.Enqueue(uuid.New(), -3)
		require.NoError(t, err)
		assert.Equal(t, MinPriority, low.Priority)

		high, err := q.Enqueue(uuid.New(), 99)
		require.NoError(t, err)
		assert.Equal(t, MaxPriority, high.Priority)
	})

	t.Run("dedupes pending jobs per payment", func(t *testing.T) {
		paymentID := uuid.New()
		first, err := q.Enqueue(paymentID, 5)
		require.NoError(t, err)

		second, err := q.Enqueue(paymentID, 8)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("settled payment can be enqueued again", func(t *testing.T) {
		paymentID := uuid.New()
		first, err := q.Enqueue(paymentID, 5)
		require.NoError(t, err)
		q.settle(first, nil)

		second, err := q.Enqueue(paymentID, 5)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestCancel(t *testing.T) {
	q := newTestQueue(newFakeExecutor())

	t.Run("pending job", func(t *testing.T) {
		job, err := q.Enqueue(uuid.New(), 5)
		require.NoError(t, err)

		require.NoError(t, q.Cancel(job.ID))
		_, err = q.Get(job.ID)
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("unknown job", func(t *testing.T) {
		assert.ErrorIs(t, q.Cancel(uuid.New()), ErrJobNotFound)
	})

	t.Run("running job cannot be cancelled", func(t *testing.T) {
		job, err := q.Enqueue(uuid.New(), 5)
		require.NoError(t, err)
		q.mu.Lock()
		q.jobs[job.ID].Status = StatusRunning
		q.mu.Unlock()

		assert.ErrorIs(t, q.Cancel(job.ID), ErrJobNotPending)
	})
}

func TestSelectBatchOrdering(t *testing.T) {
	q := newTestQueue(newFakeExecutor())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	early, _ := q.Enqueue(uuid.New(), 5)
	late, _ := q.Enqueue(uuid.New(), 5)
	urgent, _ := q.Enqueue(uuid.New(), 9)

	q.mu.Lock()
	q.jobs[early.ID].ScheduledAt = base.Add(-2 * time.Minute)
	q.jobs[late.ID].ScheduledAt = base.Add(-1 * time.Minute)
	q.jobs[urgent.ID].ScheduledAt = base.Add(-30 * time.Second)
	q.mu.Unlock()

	batch := q.selectBatch()
	require.Len(t, batch, 3)
	assert.Equal(t, urgent.ID, batch[0].ID, "highest priority first")
	assert.Equal(t, early.ID, batch[1].ID, "then earliest scheduled")
	assert.Equal(t, late.ID, batch[2].ID)

	for _, job := range batch {
		assert.Equal(t, StatusRunning, job.Status)
	}
}

func TestSelectBatchSkipsFutureJobs(t *testing.T) {
	q := newTestQueue(newFakeExecutor())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	job, _ := q.Enqueue(uuid.New(), 5)
	q.mu.Lock()
	q.jobs[job.ID].ScheduledAt = base.Add(10 * time.Second)
	q.mu.Unlock()

	assert.Empty(t, q.selectBatch())

	q.now = func() time.Time { return base.Add(11 * time.Second) }
	assert.Len(t, q.selectBatch(), 1)
}

func TestSelectBatchRespectsBatchSize(t *testing.T) {
	config := DefaultConfig()
	config.BatchSize = 3
	q := NewRetryQueue(config, newFakeExecutor(), zap.NewNop())

	for i := 0; i < 7; i++ {
		_, err := q.Enqueue(uuid.New(), 5)
		require.NoError(t, err)
	}

	assert.Len(t, q.selectBatch(), 3)
	assert.Len(t, q.selectBatch(), 3)
	assert.Len(t, q.selectBatch(), 1)
}

func TestSelectBatchNeverDispatchesSamePaymentTwice(t *testing.T) {
	q := newTestQueue(newFakeExecutor())
	paymentID := uuid.New()

	// two due jobs for the same payment, bypassing Enqueue's dedupe
	first := &Job{ID: uuid.New(), PaymentID: paymentID, Priority: 5, Status: StatusPending, ScheduledAt: q.now().Add(-time.Minute)}
	second := &Job{ID: uuid.New(), PaymentID: paymentID, Priority: 5, Status: StatusPending, ScheduledAt: q.now().Add(-time.Minute)}
	q.mu.Lock()
	q.jobs[first.ID] = first
	q.jobs[second.ID] = second
	q.mu.Unlock()

	batch := q.selectBatch()
	require.Len(t, batch, 1, "second job for the same payment must wait")

	// nothing else is dispatched until the running job settles
	assert.Empty(t, q.selectBatch())

	q.settle(batch[0], nil)
	assert.Len(t, q.selectBatch(), 1)
}

func TestSettleBackoffSchedule(t *testing.T) {
	q := newTestQueue(newFakeExecutor())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	job, err := q.Enqueue(uuid.New(), 5)
	require.NoError(t, err)

	transient := shared.NewTransientStoreError("connection reset")

	// failures one through three reschedule with 5s, 10s, 20s backoff
	expected := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	for i, delay := range expected {
		q.settle(job, transient)
		assert.Equal(t, StatusPending, job.Status)
		assert.Equal(t, i+1, job.Attempts)
		assert.True(t, job.ScheduledAt.Equal(base.Add(delay)), "attempt %d should reschedule %s out", i+1, delay)
	}

	// the fourth failure exhausts MaxAttempts and fails permanently
	q.settle(job, transient)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, "connection reset", job.LastError)
}

func TestSettleNonRetryableFailsImmediately(t *testing.T) {
	q := newTestQueue(newFakeExecutor())

	job, err := q.Enqueue(uuid.New(), 5)
	require.NoError(t, err)

	q.settle(job, shared.NewValidationError("payment already voided"))
	assert.Equal(t, StatusFailed, job.Status)
	assert.Zero(t, job.Attempts)
}

func TestSettleSuccess(t *testing.T) {
	q := newTestQueue(newFakeExecutor())

	job, err := q.Enqueue(uuid.New(), 5)
	require.NoError(t, err)
	job.LastError = "previous failure"

	q.settle(job, nil)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.LastError)
}

func TestPurgeRetention(t *testing.T) {
	q := newTestQueue(newFakeExecutor())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	oldDone := base.Add(-8 * 24 * time.Hour)
	recentDone := base.Add(-time.Hour)

	expired := &Job{ID: uuid.New(), PaymentID: uuid.New(), Status: StatusCompleted, CompletedAt: &oldDone}
	recent := &Job{ID: uuid.New(), PaymentID: uuid.New(), Status: StatusCompleted, CompletedAt: &recentDone}
	failed := &Job{ID: uuid.New(), PaymentID: uuid.New(), Status: StatusFailed, CompletedAt: &oldDone}

	q.mu.Lock()
	q.jobs[expired.ID] = expired
	q.jobs[recent.ID] = recent
	q.jobs[failed.ID] = failed
	q.purgeLocked(base)
	q.mu.Unlock()

	_, err := q.Get(expired.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = q.Get(recent.ID)
	assert.NoError(t, err)

	// permanently failed jobs are kept for manual intervention
	_, err = q.Get(failed.ID)
	assert.NoError(t, err)
}

func TestTickNowExecutesDueJobs(t *testing.T) {
	executor := newFakeExecutor()
	q := newTestQueue(executor)

	paymentID := uuid.New()
	job, err := q.Enqueue(paymentID, 5)
	require.NoError(t, err)

	q.TickNow(context.Background())

	require.Eventually(t, func() bool {
		snapshot, err := q.Get(job.ID)
		return err == nil && snapshot.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, executor.callCount())
}

func TestRetryDispatchKeepsJobID(t *testing.T) {
	executor := newFakeExecutor()
	q := newTestQueue(executor)

	paymentID := uuid.New()
	executor.errs[paymentID] = shared.NewTransientStoreError("connection reset")

	job, err := q.Enqueue(paymentID, 5)
	require.NoError(t, err)

	q.TickNow(context.Background())
	require.Eventually(t, func() bool {
		snapshot, err := q.Get(job.ID)
		return err == nil && snapshot.Status == StatusPending && snapshot.Attempts == 1
	}, 2*time.Second, 10*time.Millisecond)

	executor.mu.Lock()
	delete(executor.errs, paymentID)
	executor.mu.Unlock()

	q.now = func() time.Time { return time.Now().Add(time.Minute) }
	q.TickNow(context.Background())
	require.Eventually(t, func() bool {
		snapshot, err := q.Get(job.ID)
		return err == nil && snapshot.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// executors key idempotent work on the job ID, so a re-dispatch of the
	// same job must present the same ID
	ids := executor.seenJobIDs()
	require.Len(t, ids, 2)
	assert.Equal(t, job.ID, ids[0])
	assert.Equal(t, ids[0], ids[1])
}

func TestListFiltersByStatus(t *testing.T) {
	q := newTestQueue(newFakeExecutor())

	pending, _ := q.Enqueue(uuid.New(), 5)
	done, _ := q.Enqueue(uuid.New(), 5)
	q.settle(done, nil)

	completed := q.List(StatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, done.ID, completed[0].ID)

	all := q.List("")
	assert.Len(t, all, 2)

	pendingJobs := q.List(StatusPending)
	require.Len(t, pendingJobs, 1)
	assert.Equal(t, pending.ID, pendingJobs[0].ID)
}

func TestStartStop(t *testing.T) {
	q := newTestQueue(newFakeExecutor())

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Start(context.Background()), "second start is a no-op")

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Stop(stopCtx))
	require.NoError(t, q.Stop(stopCtx), "second stop is a no-op")
}

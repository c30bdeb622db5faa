// Package reconciliation contains the application services that drive
// payment processing: the saga runner, the completion orchestrator and
// the linking service.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/recon/engine/internal/domain/shared"
	"github.com/recon/engine/internal/infrastructure/telemetry"
)

// Step is one unit of work inside a Job. Execute performs the work and
// Rollback (optional) compensates it when a later critical step fails.
// A step marked Critical aborts the whole job on failure; a non-critical
// failure is recorded and execution continues.
type Step struct {
	Name     string
	Critical bool
	Execute  func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

// Job is an ordered saga of steps for a single payment. A job is a value:
// it carries no mutable state beyond what its steps produce.
type Job struct {
	ID          string
	PaymentID   string
	Steps       []Step
	MaxAttempts int
}

// Result is the structured outcome of running a Job. The runner never
// propagates step errors past its own boundary: callers inspect the
// result instead of catching step failures.
type Result struct {
	Success         bool
	Error           error
	ExecutedSteps   []string
	FailedSteps     []string
	RolledBackSteps []string
	Attempts        int
}

// DelayScheduler owns the delay between job attempts. Wait blocks until
// the delay for the given attempt has elapsed or the context is done.
type DelayScheduler interface {
	Wait(ctx context.Context, attempt int) error
	Delay(attempt int) time.Duration
}

// ExponentialDelay computes base * multiplier^(attempt-1).
type ExponentialDelay struct {
	Base       time.Duration
	Multiplier float64
}

// NewExponentialDelay returns the default backoff policy: 5s base,
// doubling per attempt (5s, 10s, 20s).
func NewExponentialDelay() *ExponentialDelay {
	return &ExponentialDelay{Base: 5 * time.Second, Multiplier: 2}
}

// Delay returns the backoff duration before re-running attempt+1.
func (d *ExponentialDelay) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(d.Base)
	for i := 1; i < attempt; i++ {
		delay *= d.Multiplier
	}
	return time.Duration(delay)
}

// Wait sleeps for the computed delay, honoring context cancellation.
func (d *ExponentialDelay) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(d.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SagaRunner executes jobs with compensation and whole-job retry.
type SagaRunner struct {
	delays DelayScheduler
	logger *zap.Logger
}

// NewSagaRunner creates a runner with the given backoff policy.
func NewSagaRunner(delays DelayScheduler, logger *zap.Logger) *SagaRunner {
	if delays == nil {
		delays = NewExponentialDelay()
	}
	return &SagaRunner{delays: delays, logger: logger}
}

// Run executes the job. Steps run strictly in order; a critical failure
// aborts the job and triggers best-effort rollback of every executed step
// in reverse order. If the failure is retryable and attempts remain, the
// whole job is re-run from the first step after a backoff delay, so steps
// must be idempotent or self-checking.
func (r *SagaRunner) Run(ctx context.Context, job Job) Result {
	ctx, span := telemetry.StartServiceSpan(ctx, "saga", "run")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrJobID, job.ID,
		telemetry.SpanAttrPaymentID, job.PaymentID,
	)

	maxAttempts := job.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var result Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result = r.runOnce(ctx, job)
		result.Attempts = attempt

		if result.Success {
			telemetry.SetAttribute(span, telemetry.SpanAttrAttempts, attempt)
			telemetry.SetOK(span)
			return result
		}

		if !shared.IsRetryable(result.Error) || attempt == maxAttempts {
			break
		}

		r.logger.Warn("job attempt failed, scheduling retry",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", r.delays.Delay(attempt)),
			zap.Error(result.Error),
		)
		if err := r.delays.Wait(ctx, attempt); err != nil {
			result.Error = err
			break
		}
	}

	telemetry.RecordError(span, result.Error)
	return result
}

// runOnce executes a single pass over the job's steps.
func (r *SagaRunner) runOnce(ctx context.Context, job Job) Result {
	result := Result{}
	var executed []Step
	var criticalErr error

	for _, step := range job.Steps {
		if err := step.Execute(ctx); err != nil {
			result.FailedSteps = append(result.FailedSteps, step.Name)
			if step.Critical {
				criticalErr = fmt.Errorf("step %s: %w", step.Name, err)
				r.logger.Error("critical step failed",
					zap.String("job_id", job.ID),
					zap.String("step", step.Name),
					zap.Error(err),
				)
				break
			}
			r.logger.Warn("non-critical step failed, continuing",
				zap.String("job_id", job.ID),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			continue
		}
		result.ExecutedSteps = append(result.ExecutedSteps, step.Name)
		executed = append(executed, step)
	}

	if criticalErr == nil {
		result.Success = true
		return result
	}

	result.Error = criticalErr
	result.RolledBackSteps = r.rollback(ctx, job, executed)
	return result
}

// rollback compensates executed steps in reverse order. A rollback
// failure is logged and does not stop subsequent rollbacks.
func (r *SagaRunner) rollback(ctx context.Context, job Job, executed []Step) []string {
	var rolledBack []string
	for i := len(executed) - 1; i >= 0; i-- {
		step := executed[i]
		if step.Rollback == nil {
			continue
		}
		if err := step.Rollback(ctx); err != nil {
			r.logger.Error("rollback failed",
				zap.String("job_id", job.ID),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			continue
		}
		rolledBack = append(rolledBack, step.Name)
	}
	return rolledBack
}

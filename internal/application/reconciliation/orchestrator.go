package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/recon/engine/internal/domain/billing"
	"github.com/recon/engine/internal/domain/payment"
	"github.com/recon/engine/internal/domain/payment/acl"
	"github.com/recon/engine/internal/domain/shared"
	"github.com/recon/engine/internal/infrastructure/telemetry"
)

// OrchestratorConfig tunes the standard payment-completion job.
type OrchestratorConfig struct {
	// MaxAttempts caps whole-job re-runs on transient failures
	MaxAttempts int
	// DebitAccount and CreditAccount are the ledger accounts a completed
	// payment moves value between
	DebitAccount  string
	CreditAccount string
	// IdempotencyTTL bounds how long step keys stay marked
	IdempotencyTTL time.Duration
}

// DefaultOrchestratorConfig returns the default completion-job settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxAttempts:    3,
		DebitAccount:   "1010", // bank
		CreditAccount:  "1200", // receivables
		IdempotencyTTL: 24 * time.Hour,
	}
}

// Orchestrator composes the state machine, the linking service, storage and
// the accounting collaborator into the standard payment-completion saga.
// Side effects go through steps with compensating rollbacks; the caller
// always gets a structured Result, never a raw step error.
type Orchestrator struct {
	config      OrchestratorConfig
	store       payment.Store
	machine     *payment.Machine
	linker      *LinkingService
	ledger      acl.Ledger
	notifier    acl.NotificationSink
	audit       acl.AuditSink
	events      shared.EventPublisher
	idempotency shared.IdempotencyStore
	runner      *SagaRunner
	logger      *zap.Logger
}

// NewOrchestrator creates the orchestrator with explicit collaborators.
func NewOrchestrator(
	config OrchestratorConfig,
	store payment.Store,
	machine *payment.Machine,
	linker *LinkingService,
	ledger acl.Ledger,
	notifier acl.NotificationSink,
	audit acl.AuditSink,
	events shared.EventPublisher,
	idempotency shared.IdempotencyStore,
	runner *SagaRunner,
	logger *zap.Logger,
) *Orchestrator {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = DefaultOrchestratorConfig().MaxAttempts
	}
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = DefaultOrchestratorConfig().IdempotencyTTL
	}
	return &Orchestrator{
		config:      config,
		store:       store,
		machine:     machine,
		linker:      linker,
		ledger:      ledger,
		notifier:    notifier,
		audit:       audit,
		events:      events,
		idempotency: idempotency,
		runner:      runner,
		logger:      logger,
	}
}

// ProcessPayment runs the standard completion job for a payment and returns
// its structured result. A failed result with a retryable error has already
// exhausted the in-process attempts; queue-level retry is the caller's call.
func (o *Orchestrator) ProcessPayment(ctx context.Context, paymentID uuid.UUID) Result {
	return o.RunJob(ctx, o.CompletionJob(uuid.NewString(), paymentID))
}

// Execute satisfies the retry queue's executor contract. The queue owns
// attempts and backoff, so the job runs single-shot here. The queue's job ID
// seeds the saga so step idempotency keys stay stable across re-dispatches
// of the same job.
func (o *Orchestrator) Execute(ctx context.Context, jobID uuid.UUID, paymentID uuid.UUID) error {
	job := o.CompletionJob(jobID.String(), paymentID)
	job.MaxAttempts = 1
	result := o.RunJob(ctx, job)
	if result.Success {
		return nil
	}
	return result.Error
}

// RunJob executes an arbitrary job through the saga runner.
func (o *Orchestrator) RunJob(ctx context.Context, job Job) Result {
	ctx, span := telemetry.StartServiceSpan(ctx, "orchestrator", "run_job")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrJobID, job.ID,
		telemetry.SpanAttrPaymentID, job.PaymentID,
	)

	result := o.runner.Run(ctx, job)

	if result.Success {
		o.logger.Info("job completed",
			zap.String("job_id", job.ID),
			zap.String("payment_id", job.PaymentID),
			zap.Int("attempts", result.Attempts),
			zap.Strings("executed", result.ExecutedSteps),
		)
		telemetry.SetOK(span)
	} else {
		o.logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("payment_id", job.PaymentID),
			zap.Int("attempts", result.Attempts),
			zap.Strings("executed", result.ExecutedSteps),
			zap.Strings("failed", result.FailedSteps),
			zap.Strings("rolled_back", result.RolledBackSteps),
			zap.Error(result.Error),
		)
		telemetry.RecordError(span, result.Error)
	}

	return result
}

// CompletionJob builds the standard payment-completion saga:
// validate, start-processing, link-payment, update-target-status,
// update-ledger-balances, complete-payment, send-notifications.
// Steps are self-checking so the whole job can safely re-run from the top.
// The jobID parameterizes the step idempotency keys; callers retrying the
// same logical job must pass the same ID.
func (o *Orchestrator) CompletionJob(jobID string, paymentID uuid.UUID) Job {
	return Job{
		ID:          jobID,
		PaymentID:   paymentID.String(),
		MaxAttempts: o.config.MaxAttempts,
		Steps: []Step{
			{
				Name:     "validate",
				Critical: true,
				Execute:  func(ctx context.Context) error { return o.validate(ctx, paymentID) },
			},
			{
				Name:     "start-processing",
				Critical: true,
				Execute:  func(ctx context.Context) error { return o.startProcessing(ctx, paymentID) },
				Rollback: func(ctx context.Context) error { return o.markFailed(ctx, paymentID, "processing rolled back") },
			},
			{
				Name:     "link-payment",
				Critical: false,
				Execute:  func(ctx context.Context) error { return o.linkPayment(ctx, paymentID) },
				Rollback: func(ctx context.Context) error {
					return o.linker.UnlinkPayment(ctx, paymentID, "system", "completion job rolled back")
				},
			},
			{
				Name:     "update-target-status",
				Critical: false,
				Execute: func(ctx context.Context) error {
					return o.updateTargetStatus(ctx, jobID, paymentID)
				},
			},
			{
				Name:     "update-ledger-balances",
				Critical: true,
				Execute: func(ctx context.Context) error {
					return o.postLedger(ctx, jobID, paymentID)
				},
				Rollback: func(ctx context.Context) error {
					return o.reverseLedger(ctx, jobID, paymentID)
				},
			},
			{
				Name:     "complete-payment",
				Critical: true,
				Execute:  func(ctx context.Context) error { return o.completePayment(ctx, paymentID) },
				Rollback: func(ctx context.Context) error { return o.markFailed(ctx, paymentID, "completion rolled back") },
			},
			{
				Name:     "send-notifications",
				Critical: false,
				Execute:  func(ctx context.Context) error { return o.sendNotifications(ctx, jobID, paymentID) },
			},
		},
	}
}

// validate checks the payment exists and is in a processable state.
func (o *Orchestrator) validate(ctx context.Context, paymentID uuid.UUID) error {
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	switch p.State {
	case payment.StateVoided, payment.StateReversed:
		return shared.NewValidationError("payment %s is %s and cannot be processed", p.PaymentNumber, p.State)
	}
	if p.Amount.IsNegative() || p.Amount.IsZero() {
		return shared.NewValidationError("payment %s has a non-positive amount", p.PaymentNumber)
	}
	return nil
}

// startProcessing advances the payment into PROCESSING. A payment already
// processing or completed short-circuits, a failed payment goes through the
// RETRY transition instead.
func (o *Orchestrator) startProcessing(ctx context.Context, paymentID uuid.UUID) error {
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	switch p.State {
	case payment.StateProcessing, payment.StateCompleted:
		return nil
	case payment.StateFailed:
		return o.transition(ctx, p, payment.EventRetry, "retrying after failure")
	default:
		return o.transition(ctx, p, payment.EventStartProcessing, "completion job started")
	}
}

// linkPayment runs the auto-link policy. A payment that stays unlinked is
// not an error here; the saga continues and the decision record tells the
// operator why.
func (o *Orchestrator) linkPayment(ctx context.Context, paymentID uuid.UUID) error {
	decision, err := o.linker.AutoLink(ctx, paymentID)
	if err != nil {
		return err
	}
	o.logger.Info("linking decision",
		zap.String("payment_id", paymentID.String()),
		zap.String("outcome", decision.Outcome.String()),
		zap.Float64("confidence", decision.Confidence),
	)
	return nil
}

// updateTargetStatus rolls the payment amount into the linked target's
// totals. Guarded by an idempotency key so a whole-job re-run cannot
// double-apply the amount.
func (o *Orchestrator) updateTargetStatus(ctx context.Context, jobID string, paymentID uuid.UUID) error {
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	targetType, targetID, linked := p.Target()
	if !linked {
		return nil
	}

	fresh, err := o.idempotency.MarkProcessed(ctx, stepKey(jobID, "update-target-status"), o.config.IdempotencyTTL)
	if err != nil {
		return shared.NewTransientStoreError(fmt.Sprintf("idempotency check failed: %v", err))
	}
	if !fresh {
		return nil
	}

	switch targetType {
	case payment.TargetInvoice:
		inv, err := o.store.GetInvoice(ctx, targetID)
		if err != nil {
			return err
		}
		paid := inv.PaidAmount.Add(p.Amount)
		balance := inv.TotalAmount.Sub(paid)
		status := billingStatusFor(balance)
		return o.store.UpdateInvoiceFields(ctx, targetID, map[string]any{
			"paid_amount":    paid,
			"balance_due":    balance,
			"payment_status": status,
		})
	case payment.TargetContract:
		c, err := o.store.GetContract(ctx, targetID)
		if err != nil {
			return err
		}
		return o.store.UpdateContractFields(ctx, targetID, map[string]any{
			"total_paid": c.TotalPaid.Add(p.Amount),
		})
	}
	return nil
}

// postLedger posts the payment's balance delta to the accounting
// collaborator. The idempotency key makes re-posting safe across re-runs.
func (o *Orchestrator) postLedger(ctx context.Context, jobID string, paymentID uuid.UUID) error {
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	return o.ledger.PostBalanceDelta(ctx, stepKey(jobID, "update-ledger-balances"), p.ID, o.ledgerAccounts(), p.Amount)
}

// reverseLedger compensates a posted balance delta.
func (o *Orchestrator) reverseLedger(ctx context.Context, jobID string, paymentID uuid.UUID) error {
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	return o.ledger.ReverseBalanceDelta(ctx, stepKey(jobID, "update-ledger-balances"), o.ledgerAccounts(), p.Amount)
}

// completePayment advances the payment into COMPLETED.
func (o *Orchestrator) completePayment(ctx context.Context, paymentID uuid.UUID) error {
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.State == payment.StateCompleted {
		return nil
	}
	return o.transition(ctx, p, payment.EventComplete, "completion job finished")
}

// sendNotifications delivers the best-effort completion notification once.
func (o *Orchestrator) sendNotifications(ctx context.Context, jobID string, paymentID uuid.UUID) error {
	fresh, err := o.idempotency.MarkProcessed(ctx, stepKey(jobID, "send-notifications"), o.config.IdempotencyTTL)
	if err != nil || !fresh {
		return nil
	}
	o.notifier.Notify(ctx, paymentID, "payment.completed")
	return nil
}

// markFailed is the compensating action for the state-advancing steps.
func (o *Orchestrator) markFailed(ctx context.Context, paymentID uuid.UUID, reason string) error {
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.State != payment.StateProcessing {
		return nil
	}
	return o.transition(ctx, p, payment.EventFail, reason)
}

// transition applies a state-machine event and persists the aggregate, the
// audit record and the queued domain events.
func (o *Orchestrator) transition(ctx context.Context, p *payment.Payment, event payment.Event, reason string) error {
	tc := payment.TransitionContext{
		Now:    time.Now(),
		Actor:  "system",
		Reason: reason,
	}

	record, err := o.machine.Transition(p, event, tc)
	if err != nil {
		return err
	}

	if err := o.store.SavePayment(ctx, p); err != nil {
		return err
	}
	if err := o.store.AppendTransition(ctx, record); err != nil {
		o.logger.Warn("failed to append transition record",
			zap.String("payment_id", p.ID.String()),
			zap.Error(err),
		)
	}

	if err := o.events.Publish(ctx, p.GetDomainEvents()...); err != nil {
		o.logger.Warn("failed to publish domain events",
			zap.String("payment_id", p.ID.String()),
			zap.Error(err),
		)
	}
	p.ClearDomainEvents()

	o.audit.Record(ctx, "payment.transition", p.ID, tc.Actor, map[string]any{
		"from":  record.FromState.String(),
		"to":    record.ToState.String(),
		"event": event.String(),
	})

	return nil
}

// ledgerAccounts returns the account pair a completed payment moves value
// between.
func (o *Orchestrator) ledgerAccounts() []acl.AccountRef {
	return []acl.AccountRef{
		{Code: o.config.DebitAccount, Side: "debit"},
		{Code: o.config.CreditAccount, Side: "credit"},
	}
}

// stepKey builds the idempotency key for one step of one job.
func stepKey(jobID, stepName string) string {
	return jobID + ":" + stepName
}

// billingStatusFor maps the remaining balance onto the invoice status.
func billingStatusFor(balance decimal.Decimal) billing.InvoicePaymentStatus {
	if balance.LessThanOrEqual(decimal.Zero) {
		return billing.InvoiceStatusPaid
	}
	return billing.InvoiceStatusPartial
}

package reconciliation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recon/engine/internal/domain/payment"
	"github.com/recon/engine/internal/domain/payment/acl"
	"github.com/recon/engine/internal/domain/shared"
	"github.com/recon/engine/internal/infrastructure/telemetry"
)

// StateService exposes the caller-driven state operations: void, reverse,
// manual failure, transition history and state statistics. It gathers the
// guard snapshots the pure machine needs before invoking a transition.
type StateService struct {
	store   payment.Store
	machine *payment.Machine
	ledger  acl.Ledger
	audit   acl.AuditSink
	events  shared.EventPublisher
	logger  *zap.Logger
}

// NewStateService creates a state service.
func NewStateService(
	store payment.Store,
	machine *payment.Machine,
	ledger acl.Ledger,
	audit acl.AuditSink,
	events shared.EventPublisher,
	logger *zap.Logger,
) *StateService {
	return &StateService{
		store:   store,
		machine: machine,
		ledger:  ledger,
		audit:   audit,
		events:  events,
		logger:  logger,
	}
}

// Void cancels a completed or failed payment. Force bypasses the void
// window and the overpayment guard; it does not bypass the transition table.
func (s *StateService) Void(ctx context.Context, paymentID uuid.UUID, actor, reason string, force bool) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "state", "void")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrPaymentID, paymentID.String(),
		"force", force,
	)

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	tc := payment.TransitionContext{
		Now:    time.Now(),
		Actor:  actor,
		Reason: reason,
		Force:  force,
	}

	// the overpayment guard needs the target's totals
	if !force && p.State == payment.StateCompleted {
		target, err := s.targetBalance(ctx, p)
		if err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		tc.Target = target
	}

	if err := s.apply(ctx, p, payment.EventVoid, tc); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

// Reverse undoes a completed payment, rejected once the ledger entry is
// finalized.
func (s *StateService) Reverse(ctx context.Context, paymentID uuid.UUID, actor, reason string) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "state", "reverse")
	defer span.End()
	telemetry.SetAttribute(span, telemetry.SpanAttrPaymentID, paymentID.String())

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	posted, err := s.ledger.IsPosted(ctx, p.ID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	tc := payment.TransitionContext{
		Now:          time.Now(),
		Actor:        actor,
		Reason:       reason,
		LedgerPosted: posted,
	}

	if err := s.apply(ctx, p, payment.EventReverse, tc); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

// FinalizeLedger marks a completed payment's ledger entries as posted, the
// accounting-close hook. A finalized payment can no longer be reversed.
func (s *StateService) FinalizeLedger(ctx context.Context, paymentID uuid.UUID, actor string) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "state", "finalize_ledger")
	defer span.End()
	telemetry.SetAttribute(span, telemetry.SpanAttrPaymentID, paymentID.String())

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if p.State != payment.StateCompleted {
		return shared.NewValidationError("payment %s is %s; only completed payments can be finalized", p.PaymentNumber, p.State)
	}

	if err := s.ledger.Finalize(ctx, p.ID); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	s.audit.Record(ctx, "payment.ledger_finalized", p.ID, actor, nil)
	return nil
}

// Fail marks a processing payment as failed.
func (s *StateService) Fail(ctx context.Context, paymentID uuid.UUID, actor, reason string) error {
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	tc := payment.TransitionContext{Now: time.Now(), Actor: actor, Reason: reason}
	return s.apply(ctx, p, payment.EventFail, tc)
}

// History returns a payment's transition audit trail, oldest first.
func (s *StateService) History(ctx context.Context, paymentID uuid.UUID) ([]payment.TransitionRecord, error) {
	return s.store.ListTransitions(ctx, paymentID)
}

// FindByState lists payments currently in the given state, newest first.
func (s *StateService) FindByState(ctx context.Context, state payment.State, limit int) ([]payment.Payment, error) {
	if !state.IsValid() {
		return nil, shared.NewValidationError("unknown state %q", state)
	}
	return s.store.FindPaymentsByState(ctx, state, limit)
}

// StateStatistics holds the per-state payment counts for a date range.
type StateStatistics struct {
	Counts map[payment.State]int64 `json:"counts"`
	Total  int64                   `json:"total"`
}

// Statistics counts payments per state, optionally bounded by a date range.
func (s *StateService) Statistics(ctx context.Context, from, to *time.Time) (*StateStatistics, error) {
	counts, err := s.store.CountPaymentsByState(ctx, from, to)
	if err != nil {
		return nil, err
	}

	stats := &StateStatistics{Counts: make(map[payment.State]int64, len(counts))}
	for _, state := range payment.AllStates() {
		stats.Counts[state] = counts[state]
		stats.Total += counts[state]
	}
	return stats, nil
}

// targetBalance fetches the linked target's totals for the overpayment guard.
func (s *StateService) targetBalance(ctx context.Context, p *payment.Payment) (*payment.TargetBalance, error) {
	targetType, targetID, linked := p.Target()
	if !linked {
		return nil, nil
	}

	switch targetType {
	case payment.TargetInvoice:
		inv, err := s.store.GetInvoice(ctx, targetID)
		if err != nil {
			if shared.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return &payment.TargetBalance{TotalAmount: inv.TotalAmount, PaidAmount: inv.PaidAmount}, nil
	case payment.TargetContract:
		c, err := s.store.GetContract(ctx, targetID)
		if err != nil {
			if shared.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return &payment.TargetBalance{TotalAmount: c.ContractAmount, PaidAmount: c.TotalPaid}, nil
	}
	return nil, nil
}

// apply runs a transition and persists its effects.
func (s *StateService) apply(ctx context.Context, p *payment.Payment, event payment.Event, tc payment.TransitionContext) error {
	record, err := s.machine.Transition(p, event, tc)
	if err != nil {
		return err
	}

	if err := s.store.SavePayment(ctx, p); err != nil {
		return err
	}
	if err := s.store.AppendTransition(ctx, record); err != nil {
		s.logger.Warn("failed to append transition record",
			zap.String("payment_id", p.ID.String()),
			zap.Error(err),
		)
	}

	if err := s.events.Publish(ctx, p.GetDomainEvents()...); err != nil {
		s.logger.Warn("failed to publish domain events",
			zap.String("payment_id", p.ID.String()),
			zap.Error(err),
		)
	}
	p.ClearDomainEvents()

	s.audit.Record(ctx, "payment.transition", p.ID, tc.Actor, map[string]any{
		"from":  record.FromState.String(),
		"to":    record.ToState.String(),
		"event": event.String(),
	})

	s.logger.Info("payment transitioned",
		zap.String("payment_id", p.ID.String()),
		zap.String("from", record.FromState.String()),
		zap.String("to", record.ToState.String()),
		zap.String("event", event.String()),
		zap.String("actor", record.Actor),
	)

	return nil
}

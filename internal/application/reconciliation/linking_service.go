package reconciliation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/recon/engine/internal/domain/billing"
	"github.com/recon/engine/internal/domain/payment"
	"github.com/recon/engine/internal/domain/payment/acl"
	"github.com/recon/engine/internal/domain/shared"
	"github.com/recon/engine/internal/infrastructure/telemetry"
)

// candidateLimit bounds how many invoices/contracts are pulled from storage
// per linking attempt.
const candidateLimit = 50

// amountBandFactor bounds the coarse amount prefilter on the customer-scoped
// invoice query: candidates priced between amount/factor and amount*factor
// pass. Wide enough that the scoring bands still see near misses; the
// reference-driven query bypasses it.
const amountBandFactor = 2

// LinkingService matches payments to open invoices and active contracts.
// It owns the storage queries the pure engine stays away from, the
// already-linked recheck before any write and the decision audit trail.
type LinkingService struct {
	store  payment.Store
	engine *payment.LinkingEngine
	events shared.EventPublisher
	audit  acl.AuditSink
	logger *zap.Logger
}

// NewLinkingService creates a linking service
func NewLinkingService(
	store payment.Store,
	engine *payment.LinkingEngine,
	events shared.EventPublisher,
	audit acl.AuditSink,
	logger *zap.Logger,
) *LinkingService {
	return &LinkingService{
		store:  store,
		engine: engine,
		events: events,
		audit:  audit,
		logger: logger,
	}
}

// SuggestTargets returns the ranked linking suggestions for a payment.
// Suggestions are ephemeral; nothing is written.
func (s *LinkingService) SuggestTargets(ctx context.Context, paymentID uuid.UUID) ([]payment.Suggestion, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "linking", "suggest_targets")
	defer span.End()
	telemetry.SetAttribute(span, telemetry.SpanAttrPaymentID, paymentID.String())

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	suggestions, err := s.suggest(ctx, p)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	telemetry.SetAttribute(span, "suggestion_count", len(suggestions))
	return suggestions, nil
}

// AutoLink runs the linking policy for a payment: suggestions are computed,
// the best candidate is linked automatically when its confidence clears the
// auto-link threshold, and a decision record is written either way. The
// returned decision tells the caller what happened.
func (s *LinkingService) AutoLink(ctx context.Context, paymentID uuid.UUID) (*payment.LinkingDecision, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "linking", "auto_link")
	defer span.End()
	telemetry.SetAttribute(span, telemetry.SpanAttrPaymentID, paymentID.String())

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if p.IsLinked() {
		targetType, targetID, _ := p.Target()
		confidence := 1.0
		if p.LinkConfidence != nil {
			confidence = *p.LinkConfidence
		}
		return payment.NewLinkingDecision(p.ID, payment.OutcomeAutoLinked, confidence, "payment already linked").
			WithTarget(targetType, targetID), nil
	}

	suggestions, err := s.suggest(ctx, p)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	decision := s.decide(p, suggestions)

	if decision.Outcome == payment.OutcomeAutoLinked {
		best := suggestions[0]
		if err := s.commitLink(ctx, p, best.TargetType, best.TargetID, best.Confidence, best.Reason, "system"); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		telemetry.SetAttributes(span,
			telemetry.SpanAttrTargetType, best.TargetType.String(),
			telemetry.SpanAttrTargetID, best.TargetID.String(),
			telemetry.SpanAttrConfidence, best.Confidence,
		)
	}

	if err := s.store.SaveLinkingDecision(ctx, decision); err != nil {
		// history write failures don't undo an applied link
		s.logger.Warn("failed to save linking decision",
			zap.String("payment_id", p.ID.String()),
			zap.Error(err),
		)
	}

	return decision, nil
}

// ManualLink attributes a payment to an explicitly chosen target. The caller
// is trusted on the choice but the already-linked recheck still applies.
func (s *LinkingService) ManualLink(ctx context.Context, paymentID uuid.UUID, targetType payment.TargetType, targetID uuid.UUID, actor string) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "linking", "manual_link")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrPaymentID, paymentID.String(),
		telemetry.SpanAttrTargetType, targetType.String(),
		telemetry.SpanAttrTargetID, targetID.String(),
	)

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	// the target must exist and still accept payments
	switch targetType {
	case payment.TargetInvoice:
		inv, err := s.store.GetInvoice(ctx, targetID)
		if err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		if !inv.PaymentStatus.IsOpen() {
			return shared.NewValidationError("invoice %s is not open for payments", inv.InvoiceNumber)
		}
	case payment.TargetContract:
		c, err := s.store.GetContract(ctx, targetID)
		if err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		if !c.Status.AcceptsPayments() {
			return shared.NewValidationError("contract %s does not accept payments", c.ContractNumber)
		}
	default:
		return shared.NewValidationError("unknown target type %q", targetType)
	}

	reason := fmt.Sprintf("manually linked by %s", actor)
	if err := s.commitLink(ctx, p, targetType, targetID, 1.0, reason, actor); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	decision := payment.NewLinkingDecision(p.ID, payment.OutcomeLinkedToBest, 1.0, reason).
		WithTarget(targetType, targetID)
	if err := s.store.SaveLinkingDecision(ctx, decision); err != nil {
		s.logger.Warn("failed to save linking decision",
			zap.String("payment_id", p.ID.String()),
			zap.Error(err),
		)
	}

	return nil
}

// UnlinkPayment clears a payment's authoritative target.
func (s *LinkingService) UnlinkPayment(ctx context.Context, paymentID uuid.UUID, actor, reason string) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "linking", "unlink_payment")
	defer span.End()
	telemetry.SetAttribute(span, telemetry.SpanAttrPaymentID, paymentID.String())

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	if !p.IsLinked() {
		return nil
	}

	if err := s.engine.Unlink(p, reason); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	if err := s.persist(ctx, p); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	s.audit.Record(ctx, "payment.unlinked", p.ID, actor, map[string]any{
		"reason": reason,
	})

	return nil
}

// DecisionHistory returns a payment's linking decision records, oldest first.
func (s *LinkingService) DecisionHistory(ctx context.Context, paymentID uuid.UUID) ([]payment.LinkingDecision, error) {
	return s.store.ListLinkingDecisions(ctx, paymentID)
}

// suggest gathers candidates from storage and ranks them with the engine.
// Candidates are pre-filtered by customer when the payment carries one, and
// supplemented by a reference-driven query when a bank reference is present.
func (s *LinkingService) suggest(ctx context.Context, p *payment.Payment) ([]payment.Suggestion, error) {
	invoiceFilter := payment.InvoiceFilter{
		CustomerID: p.CustomerID,
		Limit:      candidateLimit,
	}
	if p.Amount.IsPositive() {
		min := p.Amount.Div(decimal.NewFromInt(amountBandFactor))
		max := p.Amount.Mul(decimal.NewFromInt(amountBandFactor))
		invoiceFilter.MinAmount = &min
		invoiceFilter.MaxAmount = &max
	}
	invoices, err := s.store.QueryOpenInvoices(ctx, invoiceFilter)
	if err != nil {
		return nil, err
	}

	if p.ReferenceNumber != "" {
		byReference, err := s.store.QueryOpenInvoices(ctx, payment.InvoiceFilter{
			Reference: p.ReferenceNumber,
			Limit:     candidateLimit,
		})
		if err != nil {
			return nil, err
		}
		invoices = mergeInvoices(invoices, byReference)
	}

	contracts, err := s.store.QueryActiveContracts(ctx, payment.ContractFilter{
		CustomerID: p.CustomerID,
		Limit:      candidateLimit,
	})
	if err != nil {
		return nil, err
	}

	return s.engine.Suggest(p, invoices, contracts), nil
}

// decide maps the ranked suggestions onto a decision record.
func (s *LinkingService) decide(p *payment.Payment, suggestions []payment.Suggestion) *payment.LinkingDecision {
	if len(suggestions) == 0 {
		return payment.NewLinkingDecision(p.ID, payment.OutcomeNoMatch, 0, "no candidates above minimum confidence")
	}

	best := suggestions[0]
	switch s.engine.DecisionFor(best.Confidence) {
	case payment.DecisionAutoLink:
		return payment.NewLinkingDecision(p.ID, payment.OutcomeAutoLinked, best.Confidence, best.Reason).
			WithTarget(best.TargetType, best.TargetID)
	case payment.DecisionManualReview:
		return payment.NewLinkingDecision(p.ID, payment.OutcomeLowConfidence, best.Confidence,
			fmt.Sprintf("best candidate needs manual review: %s", best.Reason)).
			WithTarget(best.TargetType, best.TargetID)
	default:
		return payment.NewLinkingDecision(p.ID, payment.OutcomeLowConfidence, best.Confidence,
			"no candidate above manual-review confidence")
	}
}

// commitLink performs the race-safe recheck and writes the link. The target
// must not already be linked to another payment; if it is, the caller gets a
// CONCURRENT_MODIFICATION error for manual resolution instead of an
// overwrite.
func (s *LinkingService) commitLink(ctx context.Context, p *payment.Payment, targetType payment.TargetType, targetID uuid.UUID, confidence float64, reason, actor string) error {
	linked, err := s.store.FindPaymentsLinkedTo(ctx, targetID, p.ID)
	if err != nil {
		return err
	}
	if len(linked) > 0 {
		return shared.NewConcurrentModificationError(
			fmt.Sprintf("%s %s is already linked to payment %s", targetType, targetID, linked[0].PaymentNumber))
	}

	if err := s.engine.CommitLink(p, targetType, targetID, confidence, reason); err != nil {
		return err
	}

	if err := s.persist(ctx, p); err != nil {
		return err
	}

	s.audit.Record(ctx, "payment.linked", p.ID, actor, map[string]any{
		"target_type": targetType.String(),
		"target_id":   targetID.String(),
		"confidence":  confidence,
	})

	return nil
}

// persist saves the aggregate and publishes its queued domain events.
func (s *LinkingService) persist(ctx context.Context, p *payment.Payment) error {
	if err := s.store.SavePayment(ctx, p); err != nil {
		return err
	}
	if err := s.events.Publish(ctx, p.GetDomainEvents()...); err != nil {
		s.logger.Warn("failed to publish domain events",
			zap.String("payment_id", p.ID.String()),
			zap.Error(err),
		)
	}
	p.ClearDomainEvents()
	return nil
}

// mergeInvoices unions two candidate sets keeping first occurrence.
func mergeInvoices(a, b []billing.Invoice) []billing.Invoice {
	seen := make(map[uuid.UUID]struct{}, len(a))
	merged := make([]billing.Invoice, 0, len(a)+len(b))
	for _, inv := range a {
		seen[inv.ID] = struct{}{}
		merged = append(merged, inv)
	}
	for _, inv := range b {
		if _, ok := seen[inv.ID]; ok {
			continue
		}
		merged = append(merged, inv)
	}
	return merged
}

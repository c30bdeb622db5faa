package payment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/recon/engine/internal/domain/shared"
)

// MachineConfig holds the guard policy for the state machine
type MachineConfig struct {
	// VoidWindow is how long after completion a payment may still be voided
	VoidWindow time.Duration
	// MaxRetries caps RETRY transitions from FAILED
	MaxRetries int
	// OverpaymentThreshold is the cumulative-paid percentage of the target
	// total above which a void is rejected (e.g. 110 = 110%)
	OverpaymentThreshold decimal.Decimal
}

// DefaultMachineConfig returns the default guard policy
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		VoidWindow:           7 * 24 * time.Hour,
		MaxRetries:           3,
		OverpaymentThreshold: decimal.NewFromInt(110),
	}
}

// TargetBalance is a snapshot of the linked target's financial totals,
// fetched by the caller for the overpayment guard
type TargetBalance struct {
	TotalAmount decimal.Decimal
	PaidAmount  decimal.Decimal
}

// TransitionContext carries everything a guard needs. The machine itself
// performs no I/O; callers fetch the snapshot data up front.
type TransitionContext struct {
	Now          time.Time
	Actor        string
	Reason       string
	Force        bool
	LedgerPosted bool
	Target       *TargetBalance
}

// Machine is the pure payment state machine. It validates transitions
// against the enumerated table plus policy guards, then applies the
// resulting field changes to the payment.
type Machine struct {
	config MachineConfig
}

// NewMachine creates a state machine with the given guard policy
func NewMachine(config MachineConfig) *Machine {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMachineConfig().MaxRetries
	}
	if config.VoidWindow <= 0 {
		config.VoidWindow = DefaultMachineConfig().VoidWindow
	}
	if config.OverpaymentThreshold.LessThanOrEqual(decimal.Zero) {
		config.OverpaymentThreshold = DefaultMachineConfig().OverpaymentThreshold
	}
	return &Machine{config: config}
}

// Config returns the active guard policy
func (m *Machine) Config() MachineConfig {
	return m.config
}

// CanTransition reports whether the (state, event) pair exists in the table,
// without evaluating guards
func (m *Machine) CanTransition(from State, event Event) bool {
	_, ok := NextState(from, event)
	return ok
}

// Transition validates and applies a state transition. On acceptance it
// mutates the payment, queues a domain event on the aggregate and returns
// the audit record. On rejection the payment is left untouched and a typed
// error identifies the failed rule.
func (m *Machine) Transition(p *Payment, event Event, tc TransitionContext) (*TransitionRecord, error) {
	if p == nil {
		return nil, shared.NewValidationError("payment cannot be nil")
	}
	if !event.IsValid() {
		return nil, shared.NewValidationError("unknown event %q", event)
	}
	if tc.Now.IsZero() {
		tc.Now = time.Now()
	}

	from := p.State
	next, ok := NextState(from, event)
	if !ok {
		return nil, shared.NewInvalidTransitionError(from.String(), event.String())
	}

	if err := m.evaluateGuards(p, from, event, tc); err != nil {
		return nil, err
	}

	m.apply(p, next, event, tc)

	record := newTransitionRecord(p.ID, from, next, event, tc.Actor, tc.Reason, tc.Now)
	p.AddDomainEvent(NewPaymentStateChangedEvent(p, from, next, event, tc.Actor, tc.Reason))

	return record, nil
}

// evaluateGuards checks policy rules on an otherwise-legal transition
func (m *Machine) evaluateGuards(p *Payment, from State, event Event, tc TransitionContext) error {
	if from == StateCompleted && event == EventVoid && !tc.Force {
		if p.CompletedAt != nil && tc.Now.Sub(*p.CompletedAt) > m.config.VoidWindow {
			return shared.NewDomainError(shared.CodeVoidWindowExpired,
				fmt.Sprintf("completed payment can no longer be voided after %s", m.config.VoidWindow))
		}
		if tc.Target != nil {
			if err := m.checkOverpayment(p, tc.Target); err != nil {
				return err
			}
		}
	}

	if from == StateCompleted && event == EventReverse && tc.LedgerPosted {
		return shared.NewDomainError(shared.CodeLedgerPosted,
			"cannot reverse a payment whose ledger entry has been posted")
	}

	if event == EventRetry && p.AttemptCount >= m.config.MaxRetries {
		return shared.NewRetryExhaustedError(
			fmt.Sprintf("retry limit of %d attempts reached", m.config.MaxRetries))
	}

	return nil
}

// checkOverpayment rejects a void that would leave the target's cumulative
// payments above the configured threshold of its total
func (m *Machine) checkOverpayment(p *Payment, target *TargetBalance) error {
	if target.TotalAmount.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	totalPaid := target.PaidAmount.Add(p.Amount)
	percentage := totalPaid.Div(target.TotalAmount).Mul(decimal.NewFromInt(100))
	if percentage.GreaterThan(m.config.OverpaymentThreshold) {
		return shared.NewDomainError(shared.CodeOverpayment,
			fmt.Sprintf("cumulative payments would reach %s%% of target total, above the %s%% threshold",
				percentage.Round(1), m.config.OverpaymentThreshold))
	}
	return nil
}

// apply mutates the payment fields for the accepted transition
func (m *Machine) apply(p *Payment, next State, event Event, tc TransitionContext) {
	from := p.State
	p.State = next
	p.Touch(tc.Now)
	p.ProcessingNotes = buildProcessingNote(from, next, tc.Reason)

	switch next {
	case StateProcessing:
		now := tc.Now
		p.StartedAt = &now
		if event == EventRetry {
			p.AttemptCount++
		}
	case StateCompleted:
		now := tc.Now
		p.CompletedAt = &now
		p.FailedAt = nil
		p.AttemptCount = 0
		p.Reconciliation = ReconciliationMatched
	case StateFailed:
		now := tc.Now
		p.FailedAt = &now
		p.Reconciliation = ReconciliationUnmatched
	case StateVoided, StateReversed:
		p.Reconciliation = ReconciliationUnmatched
		p.LinkConfidence = nil
		p.AttemptCount = 0
	}

	p.IncrementVersion()
}

// buildProcessingNote formats a human-readable note for the payment record
func buildProcessingNote(from, to State, reason string) string {
	note := fmt.Sprintf("%s -> %s", from, to)
	if reason != "" {
		note += ": " + reason
	}
	return note
}

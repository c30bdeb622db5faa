package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/recon/engine/internal/domain/billing"
)

// InvoiceFilter narrows open-invoice candidate queries
type InvoiceFilter struct {
	CustomerID *uuid.UUID
	// MinAmount/MaxAmount bound the amount-tolerance prefilter
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	// Reference matches invoice or reference number containment
	Reference string
	Limit     int
}

// ContractFilter narrows active-contract candidate queries
type ContractFilter struct {
	CustomerID *uuid.UUID
	Limit      int
}

// Store is the persistence contract the engine needs. Implementations map
// their failures onto the shared error taxonomy: NOT_FOUND for missing
// entities, TRANSIENT_STORE_ERROR for recoverable I/O failures, anything
// else is treated as permanent.
type Store interface {
	// GetPayment loads a payment by ID
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)

	// SavePayment persists the full payment aggregate
	SavePayment(ctx context.Context, p *Payment) error

	// UpdatePaymentFields applies a partial column update
	UpdatePaymentFields(ctx context.Context, id uuid.UUID, fields map[string]any) error

	// FindPaymentsByState lists payments in a state, newest first
	FindPaymentsByState(ctx context.Context, state State, limit int) ([]Payment, error)

	// CountPaymentsByState counts payments per state in an optional date range
	CountPaymentsByState(ctx context.Context, from, to *time.Time) (map[State]int64, error)

	// QueryOpenInvoices returns linking candidates among open invoices
	QueryOpenInvoices(ctx context.Context, filter InvoiceFilter) ([]billing.Invoice, error)

	// QueryActiveContracts returns linking candidates among linkable contracts
	QueryActiveContracts(ctx context.Context, filter ContractFilter) ([]billing.Contract, error)

	// GetInvoice loads an invoice by ID
	GetInvoice(ctx context.Context, id uuid.UUID) (*billing.Invoice, error)

	// GetContract loads a contract by ID
	GetContract(ctx context.Context, id uuid.UUID) (*billing.Contract, error)

	// UpdateInvoiceFields applies a partial column update to an invoice
	UpdateInvoiceFields(ctx context.Context, id uuid.UUID, fields map[string]any) error

	// UpdateContractFields applies a partial column update to a contract
	UpdateContractFields(ctx context.Context, id uuid.UUID, fields map[string]any) error

	// FindPaymentsLinkedTo returns payments whose authoritative target is the
	// given invoice or contract, excluding excludePaymentID. Used for the
	// race-safe recheck immediately before committing a link; a multi-instance
	// deployment must additionally hold an external lock keyed by payment id.
	FindPaymentsLinkedTo(ctx context.Context, targetID uuid.UUID, excludePaymentID uuid.UUID) ([]Payment, error)

	// AppendTransition persists an audit transition record (append-only)
	AppendTransition(ctx context.Context, record *TransitionRecord) error

	// ListTransitions returns a payment's transition history, oldest first
	ListTransitions(ctx context.Context, paymentID uuid.UUID) ([]TransitionRecord, error)

	// SaveLinkingDecision persists a linking decision record
	SaveLinkingDecision(ctx context.Context, decision *LinkingDecision) error

	// ListLinkingDecisions returns a payment's decision history, oldest first
	ListLinkingDecisions(ctx context.Context, paymentID uuid.UUID) ([]LinkingDecision, error)
}

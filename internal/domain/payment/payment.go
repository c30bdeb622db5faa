package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/recon/engine/internal/domain/shared"
	"github.com/recon/engine/internal/domain/shared/valueobject"
)

// ReconciliationStatus indicates whether a payment has been matched to a target
type ReconciliationStatus string

const (
	ReconciliationUnmatched ReconciliationStatus = "UNMATCHED"
	ReconciliationMatched   ReconciliationStatus = "MATCHED"
)

// String returns the string representation
func (s ReconciliationStatus) String() string {
	return string(s)
}

// TargetType identifies the kind of entity a payment can be linked to
type TargetType string

const (
	TargetInvoice  TargetType = "INVOICE"
	TargetContract TargetType = "CONTRACT"
)

// IsValid checks if the target type is a known value
func (t TargetType) IsValid() bool {
	return t == TargetInvoice || t == TargetContract
}

// String returns the string representation
func (t TargetType) String() string {
	return string(t)
}

// Payment is the aggregate root owned by the reconciliation engine.
// Its state can only change through Machine.Transition and its target link
// only through the linking service; callers never write fields directly.
type Payment struct {
	shared.BaseAggregateRoot
	PaymentNumber   string               `gorm:"type:varchar(50);not null;uniqueIndex"`
	Amount          decimal.Decimal      `gorm:"type:decimal(18,4);not null"`
	Currency        valueobject.Currency `gorm:"type:varchar(3);not null;default:'QAR'"`
	CustomerID      *uuid.UUID           `gorm:"type:uuid;index"`
	InvoiceID       *uuid.UUID           `gorm:"type:uuid;index"`
	ContractID      *uuid.UUID           `gorm:"type:uuid;index"`
	ReferenceNumber string               `gorm:"type:varchar(100)"`
	AgreementNumber string               `gorm:"type:varchar(100)"`
	State           State                `gorm:"type:varchar(20);not null;default:'PENDING';index"`
	Reconciliation  ReconciliationStatus `gorm:"type:varchar(20);not null;default:'UNMATCHED'"`
	LinkConfidence  *float64             `gorm:"type:decimal(5,4)"`
	AttemptCount    int                  `gorm:"not null;default:0"`
	PaymentDate     time.Time            `gorm:"not null"`
	ProcessingNotes string               `gorm:"type:text"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	FailedAt        *time.Time
}

// TableName returns the table name for GORM
func (Payment) TableName() string {
	return "payments"
}

// New creates a new payment in PENDING state
func New(
	paymentNumber string,
	amount valueobject.Money,
	customerID *uuid.UUID,
	paymentDate time.Time,
) (*Payment, error) {
	if paymentNumber == "" {
		return nil, shared.NewValidationError("payment number cannot be empty")
	}
	if len(paymentNumber) > 50 {
		return nil, shared.NewValidationError("payment number cannot exceed 50 characters")
	}
	if !amount.IsPositive() {
		return nil, shared.NewValidationError("payment amount must be positive")
	}
	if paymentDate.IsZero() {
		return nil, shared.NewValidationError("payment date is required")
	}

	p := &Payment{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		PaymentNumber:     paymentNumber,
		Amount:            amount.Amount(),
		Currency:          amount.Currency(),
		CustomerID:        customerID,
		State:             StatePending,
		Reconciliation:    ReconciliationUnmatched,
		PaymentDate:       paymentDate,
	}

	p.AddDomainEvent(NewPaymentCreatedEvent(p))

	return p, nil
}

// AmountMoney returns the payment amount as Money
func (p *Payment) AmountMoney() valueobject.Money {
	m, _ := valueobject.NewMoney(p.Amount, p.Currency)
	return m
}

// SetReference sets the bank reference and agreement numbers used for linking
func (p *Payment) SetReference(referenceNumber, agreementNumber string) error {
	if len(referenceNumber) > 100 || len(agreementNumber) > 100 {
		return shared.NewValidationError("reference cannot exceed 100 characters")
	}
	p.ReferenceNumber = referenceNumber
	p.AgreementNumber = agreementNumber
	p.Touch(time.Now())
	return nil
}

// IsLinked returns true if the payment has an authoritative target
func (p *Payment) IsLinked() bool {
	return p.InvoiceID != nil || p.ContractID != nil
}

// Target returns the authoritative target, if any
func (p *Payment) Target() (TargetType, uuid.UUID, bool) {
	if p.InvoiceID != nil {
		return TargetInvoice, *p.InvoiceID, true
	}
	if p.ContractID != nil {
		return TargetContract, *p.ContractID, true
	}
	return "", uuid.Nil, false
}

// link attributes the payment to a target. Only one authoritative target is
// allowed; callers must unlink first when relinking.
func (p *Payment) link(targetType TargetType, targetID uuid.UUID, confidence float64, note string) error {
	if p.IsLinked() {
		return shared.NewDomainError(shared.CodeConcurrentModification, "payment already has a target link")
	}
	if !targetType.IsValid() {
		return shared.NewValidationError("unknown target type %q", targetType)
	}
	switch targetType {
	case TargetInvoice:
		p.InvoiceID = &targetID
	case TargetContract:
		p.ContractID = &targetID
	}
	p.LinkConfidence = &confidence
	p.Reconciliation = ReconciliationMatched
	p.ProcessingNotes = note
	p.Touch(time.Now())
	p.IncrementVersion()

	p.AddDomainEvent(NewPaymentLinkedEvent(p, targetType, targetID, confidence))

	return nil
}

// unlink clears the authoritative target
func (p *Payment) unlink(note string) {
	prevType, prevID, linked := p.Target()
	p.InvoiceID = nil
	p.ContractID = nil
	p.LinkConfidence = nil
	p.Reconciliation = ReconciliationUnmatched
	p.ProcessingNotes = note
	p.Touch(time.Now())
	p.IncrementVersion()

	if linked {
		p.AddDomainEvent(NewPaymentUnlinkedEvent(p, prevType, prevID))
	}
}

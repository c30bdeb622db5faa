package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoicePaymentStatus represents the payment status of an invoice
type InvoicePaymentStatus string

const (
	InvoiceStatusUnpaid  InvoicePaymentStatus = "UNPAID"
	InvoiceStatusPartial InvoicePaymentStatus = "PARTIAL"
	InvoiceStatusOverdue InvoicePaymentStatus = "OVERDUE"
	InvoiceStatusPaid    InvoicePaymentStatus = "PAID"
	InvoiceStatusVoided  InvoicePaymentStatus = "VOIDED"
)

// IsOpen returns true if the invoice can still receive payments
func (s InvoicePaymentStatus) IsOpen() bool {
	switch s {
	case InvoiceStatusUnpaid, InvoiceStatusPartial, InvoiceStatusOverdue:
		return true
	}
	return false
}

// String returns the string representation
func (s InvoicePaymentStatus) String() string {
	return string(s)
}

// OpenInvoiceStatuses returns the statuses considered open for linking
func OpenInvoiceStatuses() []InvoicePaymentStatus {
	return []InvoicePaymentStatus{
		InvoiceStatusUnpaid,
		InvoiceStatusPartial,
		InvoiceStatusOverdue,
	}
}

// Invoice is the read model the reconciliation engine consumes.
// It is owned by the billing context; the engine never mutates it directly,
// target-side updates go through the Store port.
type Invoice struct {
	ID              uuid.UUID            `gorm:"type:uuid;primary_key"`
	InvoiceNumber   string               `gorm:"type:varchar(50);not null;uniqueIndex"`
	ReferenceNumber string               `gorm:"type:varchar(100)"`
	CustomerID      *uuid.UUID           `gorm:"type:uuid;index"`
	TotalAmount     decimal.Decimal      `gorm:"type:decimal(18,4);not null"`
	PaidAmount      decimal.Decimal      `gorm:"type:decimal(18,4);not null;default:0"`
	BalanceDue      decimal.Decimal      `gorm:"type:decimal(18,4);not null"`
	PaymentStatus   InvoicePaymentStatus `gorm:"type:varchar(20);not null;index"`
	DueDate         *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName returns the table name for GORM
func (Invoice) TableName() string {
	return "invoices"
}

// IsOverdue returns true if the invoice is past due and still open
func (i *Invoice) IsOverdue(now time.Time) bool {
	return i.DueDate != nil && i.DueDate.Before(now) && i.PaymentStatus.IsOpen()
}

// Outstanding returns the amount still owed on the invoice
func (i *Invoice) Outstanding() decimal.Decimal {
	return i.BalanceDue
}

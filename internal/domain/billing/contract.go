package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ContractStatus represents the lifecycle status of a contract
type ContractStatus string

const (
	ContractStatusDraft       ContractStatus = "DRAFT"
	ContractStatusUnderReview ContractStatus = "UNDER_REVIEW"
	ContractStatusActive      ContractStatus = "ACTIVE"
	ContractStatusExpired     ContractStatus = "EXPIRED"
	ContractStatusTerminated  ContractStatus = "TERMINATED"
)

// AcceptsPayments returns true if payments may be attributed to the contract
func (s ContractStatus) AcceptsPayments() bool {
	switch s {
	case ContractStatusActive, ContractStatusUnderReview, ContractStatusDraft:
		return true
	}
	return false
}

// String returns the string representation
func (s ContractStatus) String() string {
	return string(s)
}

// LinkableContractStatuses returns the statuses considered for linking
func LinkableContractStatuses() []ContractStatus {
	return []ContractStatus{
		ContractStatusActive,
		ContractStatusUnderReview,
		ContractStatusDraft,
	}
}

// Contract is the read model the reconciliation engine consumes
type Contract struct {
	ID             uuid.UUID       `gorm:"type:uuid;primary_key"`
	ContractNumber string          `gorm:"type:varchar(50);not null;uniqueIndex"`
	CustomerID     *uuid.UUID      `gorm:"type:uuid;index"`
	MonthlyAmount  decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	ContractAmount decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	TotalPaid      decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	Status         ContractStatus  `gorm:"type:varchar(20);not null;index"`
	StartDate      *time.Time
	EndDate        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName returns the table name for GORM
func (Contract) TableName() string {
	return "contracts"
}

// Outstanding returns the amount still owed over the contract lifetime
func (c *Contract) Outstanding() decimal.Decimal {
	return c.ContractAmount.Sub(c.TotalPaid)
}

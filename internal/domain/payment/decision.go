package payment

import (
	"time"

	"github.com/google/uuid"
)

// DecisionOutcome classifies what the linking service decided for a payment
type DecisionOutcome string

const (
	OutcomeAutoLinked    DecisionOutcome = "AUTO_LINKED"
	OutcomeLinkedToBest  DecisionOutcome = "LINKED_TO_BEST"
	OutcomeNoMatch       DecisionOutcome = "NO_MATCH"
	OutcomeLowConfidence DecisionOutcome = "LOW_CONFIDENCE"
)

// String returns the string representation
func (o DecisionOutcome) String() string {
	return string(o)
}

// LinkingDecision is the audit record of one linking attempt
type LinkingDecision struct {
	ID         uuid.UUID       `gorm:"type:uuid;primary_key"`
	PaymentID  uuid.UUID       `gorm:"type:uuid;not null;index"`
	Outcome    DecisionOutcome `gorm:"type:varchar(20);not null"`
	TargetType *TargetType     `gorm:"type:varchar(20)"`
	TargetID   *uuid.UUID      `gorm:"type:uuid"`
	Confidence float64         `gorm:"type:decimal(5,4);not null"`
	Reason     string          `gorm:"type:varchar(500)"`
	Timestamp  time.Time       `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (LinkingDecision) TableName() string {
	return "linking_decisions"
}

// NewLinkingDecision creates a decision record for a linking attempt
func NewLinkingDecision(paymentID uuid.UUID, outcome DecisionOutcome, confidence float64, reason string) *LinkingDecision {
	return &LinkingDecision{
		ID:         uuid.New(),
		PaymentID:  paymentID,
		Outcome:    outcome,
		Confidence: confidence,
		Reason:     reason,
		Timestamp:  time.Now(),
	}
}

// WithTarget attaches the chosen target to the decision record
func (d *LinkingDecision) WithTarget(targetType TargetType, targetID uuid.UUID) *LinkingDecision {
	d.TargetType = &targetType
	d.TargetID = &targetID
	return d
}

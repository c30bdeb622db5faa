package payment

import (
	"time"

	"github.com/google/uuid"
)

// TransitionRecord is the append-only audit record of one accepted transition
type TransitionRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key"`
	PaymentID uuid.UUID `gorm:"type:uuid;not null;index"`
	FromState State     `gorm:"type:varchar(20);not null"`
	ToState   State     `gorm:"type:varchar(20);not null"`
	Event     Event     `gorm:"type:varchar(30);not null"`
	Actor     string    `gorm:"type:varchar(100);not null"`
	Reason    string    `gorm:"type:varchar(500)"`
	Timestamp time.Time `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (TransitionRecord) TableName() string {
	return "state_transitions"
}

// newTransitionRecord creates an audit record for an accepted transition
func newTransitionRecord(paymentID uuid.UUID, from, to State, event Event, actor, reason string, at time.Time) *TransitionRecord {
	if actor == "" {
		actor = "system"
	}
	return &TransitionRecord{
		ID:        uuid.New(),
		PaymentID: paymentID,
		FromState: from,
		ToState:   to,
		Event:     event,
		Actor:     actor,
		Reason:    reason,
		Timestamp: at,
	}
}

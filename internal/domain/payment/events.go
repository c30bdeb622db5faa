package payment

import (
	"github.com/google/uuid"

	"github.com/recon/engine/internal/domain/shared"
)

// Event types emitted by the payment aggregate
const (
	EventTypePaymentCreated      = "payment.created"
	EventTypePaymentStateChanged = "payment.state_changed"
	EventTypePaymentLinked       = "payment.linked"
	EventTypePaymentUnlinked     = "payment.unlinked"
)

const aggregateTypePayment = "Payment"

// PaymentCreatedEvent is emitted when a payment enters the engine
type PaymentCreatedEvent struct {
	shared.BaseDomainEvent
	PaymentNumber string `json:"payment_number"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

// NewPaymentCreatedEvent creates a PaymentCreatedEvent
func NewPaymentCreatedEvent(p *Payment) *PaymentCreatedEvent {
	return &PaymentCreatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypePaymentCreated, aggregateTypePayment, p.ID),
		PaymentNumber:   p.PaymentNumber,
		Amount:          p.Amount.String(),
		Currency:        string(p.Currency),
	}
}

// PaymentStateChangedEvent is emitted on every accepted state transition
type PaymentStateChangedEvent struct {
	shared.BaseDomainEvent
	PaymentNumber string `json:"payment_number"`
	FromState     State  `json:"from_state"`
	ToState       State  `json:"to_state"`
	Event         Event  `json:"event"`
	Actor         string `json:"actor"`
	Reason        string `json:"reason,omitempty"`
}

// NewPaymentStateChangedEvent creates a PaymentStateChangedEvent
func NewPaymentStateChangedEvent(p *Payment, from, to State, event Event, actor, reason string) *PaymentStateChangedEvent {
	return &PaymentStateChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypePaymentStateChanged, aggregateTypePayment, p.ID),
		PaymentNumber:   p.PaymentNumber,
		FromState:       from,
		ToState:         to,
		Event:           event,
		Actor:           actor,
		Reason:          reason,
	}
}

// PaymentLinkedEvent is emitted when a payment gains an authoritative target
type PaymentLinkedEvent struct {
	shared.BaseDomainEvent
	PaymentNumber string     `json:"payment_number"`
	TargetType    TargetType `json:"target_type"`
	TargetID      uuid.UUID  `json:"target_id"`
	Confidence    float64    `json:"confidence"`
}

// NewPaymentLinkedEvent creates a PaymentLinkedEvent
func NewPaymentLinkedEvent(p *Payment, targetType TargetType, targetID uuid.UUID, confidence float64) *PaymentLinkedEvent {
	return &PaymentLinkedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypePaymentLinked, aggregateTypePayment, p.ID),
		PaymentNumber:   p.PaymentNumber,
		TargetType:      targetType,
		TargetID:        targetID,
		Confidence:      confidence,
	}
}

// PaymentUnlinkedEvent is emitted when a payment loses its target link
type PaymentUnlinkedEvent struct {
	shared.BaseDomainEvent
	PaymentNumber string     `json:"payment_number"`
	TargetType    TargetType `json:"target_type"`
	TargetID      uuid.UUID  `json:"target_id"`
}

// NewPaymentUnlinkedEvent creates a PaymentUnlinkedEvent
func NewPaymentUnlinkedEvent(p *Payment, targetType TargetType, targetID uuid.UUID) *PaymentUnlinkedEvent {
	return &PaymentUnlinkedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypePaymentUnlinked, aggregateTypePayment, p.ID),
		PaymentNumber:   p.PaymentNumber,
		TargetType:      targetType,
		TargetID:        targetID,
	}
}

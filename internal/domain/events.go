package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventPaymentCreated       EventType = "payment.created"
	EventPaymentStatusChanged EventType = "payment.status_changed"
	EventPaymentCompleted     EventType = "payment.completed"
	EventPaymentFailed        EventType = "payment.failed"

	EventTransactionCreated    EventType = "transaction.created"
	EventTransactionAuthorized EventType = "transaction.authorized"
	EventTransactionCaptured   EventType = "transaction.captured"
	EventTransactionDeclined   EventType = "transaction.declined"
	EventTransactionCancelled  EventType = "transaction.cancelled"
	EventTransactionRefunded   EventType = "transaction.refunded"
	EventTransactionSettled    EventType = "transaction.settled"
	EventHighFraudRiskDetected EventType = "transaction.high_fraud_risk_detected"

	EventPaymentMethodCreated        EventType = "payment_method.created"
	EventPaymentMethodDeactivated    EventType = "payment_method.deactivated"
	EventDefaultPaymentMethodChanged EventType = "payment_method.default_changed"

	EventRefundRequested EventType = "refund.requested"
	EventRefundCompleted EventType = "refund.completed"
	EventRefundFailed    EventType = "refund.failed"
	EventRefundCancelled EventType = "refund.cancelled"

	EventThreeDSecureCompleted EventType = "three_d_secure.completed"
)

// Event is a fact recorded by an aggregate. Events are drained by the service
// layer and written to the outbox in the same database transaction as the
// aggregate itself.
type Event interface {
	EventID() uuid.UUID
	EventType() EventType
	AggregateID() uuid.UUID
	OccurredAt() time.Time
}

type EventBase struct {
	ID        uuid.UUID `json:"event_id"`
	Type      EventType `json:"event_type"`
	Aggregate uuid.UUID `json:"aggregate_id"`
	At        time.Time `json:"occurred_at"`
}

func newEventBase(t EventType, aggregateID uuid.UUID) EventBase {
	return EventBase{ID: uuid.New(), Type: t, Aggregate: aggregateID, At: timeNow()}
}

func (e EventBase) EventID() uuid.UUID     { return e.ID }
func (e EventBase) EventType() EventType   { return e.Type }
func (e EventBase) AggregateID() uuid.UUID { return e.Aggregate }
func (e EventBase) OccurredAt() time.Time  { return e.At }

type eventRecorder struct {
	pending []Event
}

func (r *eventRecorder) record(e Event) {
	r.pending = append(r.pending, e)
}

// PullEvents returns the recorded events and clears them.
func (r *eventRecorder) PullEvents() []Event {
	events := r.pending
	r.pending = nil
	return events
}

// PendingEvents returns the recorded events without clearing them.
func (r *eventRecorder) PendingEvents() []Event {
	return append([]Event(nil), r.pending...)
}

// Payment events

type PaymentCreatedEvent struct {
	EventBase
	CustomerID uuid.UUID `json:"customer_id"`
	MerchantID uuid.UUID `json:"merchant_id"`
	OrderID    uuid.UUID `json:"order_id"`
	Reference  string    `json:"reference"`
	Amount     Money     `json:"amount"`
}

type PaymentStatusChangedEvent struct {
	EventBase
	From PaymentStatus `json:"from"`
	To   PaymentStatus `json:"to"`
}

type PaymentCompletedEvent struct {
	EventBase
	Reference   string        `json:"reference"`
	Amount      Money         `json:"amount"`
	Status      PaymentStatus `json:"status"`
	ConfirmedAt time.Time     `json:"confirmed_at"`
}

type PaymentFailedEvent struct {
	EventBase
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// Transaction events

type TransactionCreatedEvent struct {
	EventBase
	TransactionNumber   string          `json:"transaction_number"`
	PaymentID           uuid.UUID       `json:"payment_id"`
	Type                TransactionType `json:"type"`
	Amount              Money           `json:"amount"`
	ParentTransactionID *uuid.UUID      `json:"parent_transaction_id,omitempty"`
}

type TransactionAuthorizedEvent struct {
	EventBase
	AuthorizationCode string    `json:"authorization_code"`
	ExpiresAt         time.Time `json:"expires_at"`
}

type TransactionCapturedEvent struct {
	EventBase
	Amount  Money `json:"amount"`
	Partial bool  `json:"partial"`
}

type TransactionDeclinedEvent struct {
	EventBase
	Reason  DeclineReason `json:"reason"`
	Message string        `json:"message,omitempty"`
}

type TransactionCancelledEvent struct {
	EventBase
	Reason string `json:"reason,omitempty"`
}

type TransactionRefundedEvent struct {
	EventBase
	RefundTransactionID uuid.UUID `json:"refund_transaction_id"`
	Amount              Money     `json:"amount"`
	Reason              string    `json:"reason"`
}

type TransactionSettledEvent struct {
	EventBase
	SettledAt time.Time `json:"settled_at"`
}

type HighFraudRiskDetectedEvent struct {
	EventBase
	PaymentID uuid.UUID `json:"payment_id"`
	Score     int       `json:"score"`
}

// Payment method events

type PaymentMethodCreatedEvent struct {
	EventBase
	CustomerID uuid.UUID         `json:"customer_id"`
	Type       PaymentMethodType `json:"type"`
}

type PaymentMethodDeactivatedEvent struct {
	EventBase
	CustomerID uuid.UUID `json:"customer_id"`
}

type DefaultPaymentMethodChangedEvent struct {
	EventBase
	CustomerID        uuid.UUID  `json:"customer_id"`
	PreviousDefaultID *uuid.UUID `json:"previous_default_id,omitempty"`
}

// Refund events

type RefundRequestedEvent struct {
	EventBase
	PaymentID    uuid.UUID `json:"payment_id"`
	RefundNumber string    `json:"refund_number"`
	Amount       Money     `json:"amount"`
}

type RefundCompletedEvent struct {
	EventBase
	PaymentID uuid.UUID `json:"payment_id"`
	Amount    Money     `json:"amount"`
}

type RefundFailedEvent struct {
	EventBase
	PaymentID uuid.UUID `json:"payment_id"`
	Reason    string    `json:"reason"`
}

type RefundCancelledEvent struct {
	EventBase
	PaymentID uuid.UUID `json:"payment_id"`
	Reason    string    `json:"reason"`
}

type ThreeDSecureCompletedEvent struct {
	EventBase
	TransactionID uuid.UUID          `json:"transaction_id"`
	Status        ThreeDSecureStatus `json:"status"`
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	// PaymentStatusPending is the provisional state recorded when a session is created.
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusSuccessful PaymentStatus = "SUCCESSFUL"
	PaymentStatusCanceled   PaymentStatus = "CANCELED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

var PaymentStatuses = []PaymentStatus{
	PaymentStatusPending, PaymentStatusSuccessful, PaymentStatusCanceled, PaymentStatusRefunded,
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusSuccessful, PaymentStatusCanceled, PaymentStatusRefunded:
		return true
	}
	return false
}

func (s PaymentStatus) String() string {
	return string(s)
}

// Forward-only payment edges. Anything else is stale or illegal.
var paymentTransitions = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentStatusPending: {
		PaymentStatusSuccessful: true,
		PaymentStatusCanceled:   true,
	},
	PaymentStatusSuccessful: {
		PaymentStatusRefunded: true,
	},
	PaymentStatusCanceled: {},
	PaymentStatusRefunded: {},
}

func (s PaymentStatus) CanTransitionTo(to PaymentStatus) bool {
	return paymentTransitions[s][to]
}

type Payment struct {
	ID                uuid.UUID     `json:"id" db:"id"`
	OrderID           uuid.UUID     `json:"order_id" db:"order_id"`
	UserID            uuid.UUID     `json:"user_id" db:"user_id"`
	Amount            Money         `json:"amount" db:"amount"`
	SessionRef        string        `json:"session_ref" db:"session_ref"`
	CheckoutURL       string        `json:"checkout_url,omitempty" db:"checkout_url"`
	IntentRef         *string       `json:"intent_ref,omitempty" db:"intent_ref"`
	Status            PaymentStatus `json:"status" db:"status"`
	RefundRequestedAt *time.Time    `json:"refund_requested_at,omitempty" db:"refund_requested_at"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}

// Notification is an inbound status report from the payment processor.
// SessionRef identifies the payment; IntentRef is used when the processor
// reports against the payment intent (refunds).
type Notification struct {
	IdempotencyID string        `json:"idempotency_id"`
	SessionRef    string        `json:"session_ref"`
	IntentRef     string        `json:"intent_ref,omitempty"`
	OrderID       string        `json:"order_id,omitempty"`
	Status        PaymentStatus `json:"status"`
}

// RoutingKey returns the key notifications for the same order share.
func (n Notification) RoutingKey() string {
	if n.OrderID != "" {
		return n.OrderID
	}
	if n.SessionRef != "" {
		return n.SessionRef
	}
	return n.IntentRef
}

type EventOutcome string

const (
	OutcomeApplied EventOutcome = "applied"
	OutcomeStale   EventOutcome = "stale"
	OutcomeUnknown EventOutcome = "unknown"
)

// PaymentEvent is the dedupe ledger row for one processor notification.
type PaymentEvent struct {
	IdempotencyID string        `db:"idempotency_id"`
	SessionRef    string        `db:"session_ref"`
	Status        PaymentStatus `db:"status"`
	Outcome       EventOutcome  `db:"outcome"`
	ReceivedAt    time.Time     `db:"received_at"`
}

// PaymentTransition is one history entry.
type PaymentTransition struct {
	ID        int64         `json:"id" db:"id"`
	PaymentID uuid.UUID     `json:"payment_id" db:"payment_id"`
	From      PaymentStatus `json:"from" db:"from_status"`
	To        PaymentStatus `json:"to" db:"to_status"`
	EventID   string        `json:"event_id" db:"event_id"`
	At        time.Time     `json:"at" db:"at"`
}

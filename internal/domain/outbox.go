package domain

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	EventOrderCreated  = "order.created"
	EventOrderPaid     = "order.paid"
	EventOrderCanceled = "order.canceled"
	EventPaymentRefund = "payment.refunded"

	EventActivationRequested    = "notification.activation_requested"
	EventActivationCompleted    = "notification.activation_completed"
	EventPasswordResetRequested = "notification.password_reset_requested"
	EventPasswordResetCompleted = "notification.password_reset_completed"
)

type OutboxEvent struct {
	ID          int64           `db:"id"`
	AggregateID string          `db:"aggregate_id"`
	EventType   string          `db:"event_type"`
	Payload     json.RawMessage `db:"payload"`
	CreatedAt   time.Time       `db:"created_at"`
	ProcessedAt *time.Time      `db:"processed_at"`
}

// IsNotification reports whether the event is a request to notify a user.
func (e *OutboxEvent) IsNotification() bool {
	return strings.HasPrefix(e.EventType, "notification.")
}

// NewOutboxEvent marshals payload into an outbox row.
func NewOutboxEvent(aggregateID, eventType string, payload any) (*OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     data,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

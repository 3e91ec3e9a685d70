package processor

import (
	"encoding/json"
	"fmt"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

type StripeWebhook struct {
	secret string
}

func NewStripeWebhook(secret string) *StripeWebhook {
	return &StripeWebhook{secret: secret}
}

func (w *StripeWebhook) Parse(payload []byte, signature string) (*domain.Notification, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, w.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: webhook signature: %v", domain.ErrValidation, err)
	}

	switch string(event.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		sess, err := decodeSession(event)
		if err != nil {
			return nil, err
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			// delayed payment methods report completion before the money arrives
			return nil, nil
		}
		return sessionNotification(event.ID, sess, domain.PaymentStatusSuccessful), nil

	case "checkout.session.expired", "checkout.session.async_payment_failed":
		sess, err := decodeSession(event)
		if err != nil {
			return nil, err
		}
		return sessionNotification(event.ID, sess, domain.PaymentStatusCanceled), nil

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: decode charge: %v", domain.ErrValidation, err)
		}
		if ch.PaymentIntent == nil {
			return nil, fmt.Errorf("%w: charge %s has no payment intent", domain.ErrValidation, ch.ID)
		}
		return &domain.Notification{
			IdempotencyID: event.ID,
			IntentRef:     ch.PaymentIntent.ID,
			OrderID:       ch.Metadata["order_id"],
			Status:        domain.PaymentStatusRefunded,
		}, nil
	}
	return nil, nil
}

func decodeSession(event stripe.Event) (*stripe.CheckoutSession, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %v", domain.ErrValidation, err)
	}
	return &sess, nil
}

func sessionNotification(eventID string, sess *stripe.CheckoutSession, status domain.PaymentStatus) *domain.Notification {
	n := &domain.Notification{
		IdempotencyID: eventID,
		SessionRef:    sess.ID,
		OrderID:       sess.Metadata["order_id"],
		Status:        status,
	}
	if n.OrderID == "" {
		n.OrderID = sess.ClientReferenceID
	}
	if sess.PaymentIntent != nil {
		n.IntentRef = sess.PaymentIntent.ID
	}
	return n
}

package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

type Stripe struct {
	api        *client.API
	successURL string
	cancelURL  string
}

// NewStripe builds a Stripe processor. backends may be nil to use the public API.
func NewStripe(secretKey, baseURL string, backends *stripe.Backends) *Stripe {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &Stripe{
		api:        api,
		successURL: baseURL + "/payments/success?session_id={CHECKOUT_SESSION_ID}",
		cancelURL:  baseURL + "/payments/cancel",
	}
}

func (s *Stripe) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.successURL),
		CancelURL:         stripe.String(s.cancelURL),
		ClientReferenceID: stripe.String(req.OrderID.String()),
	}
	for _, it := range req.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(int64(it.Price)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(it.Name),
				},
			},
			Quantity: stripe.Int64(int64(it.Quantity)),
		})
	}
	params.AddMetadata("order_id", req.OrderID.String())
	params.AddMetadata("user_id", req.UserID.String())
	// charges inherit the intent's metadata, so refund events can be routed by order
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: map[string]string{"order_id": req.OrderID.String()},
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, classify("create session", err)
	}
	return Session{Ref: sess.ID, URL: sess.URL}, nil
}

func (s *Stripe) ExpireSession(ctx context.Context, sessionRef string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := s.api.CheckoutSessions.Expire(sessionRef, params); err != nil {
		return classify("expire session", err)
	}
	return nil
}

func (s *Stripe) Refund(ctx context.Context, intentRef, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentRef)}
	params.SetIdempotencyKey(idempotencyKey)
	params.Context = ctx
	r, err := s.api.Refunds.New(params)
	if err != nil {
		return "", classify("refund", err)
	}
	return r.ID, nil
}

// classify maps transport failures, rate limits and 5xx responses to
// domain.ErrExternalUnavailable. Other API errors are rejections.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode >= http.StatusInternalServerError || se.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: stripe %s: %v", domain.ErrExternalUnavailable, op, err)
		}
		return fmt.Errorf("%w: stripe %s: %v", domain.ErrInvalidState, op, err)
	}
	return fmt.Errorf("%w: stripe %s: %v", domain.ErrExternalUnavailable, op, err)
}

package processor

import (
	"context"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/google/uuid"
)

type SessionRequest struct {
	OrderID        uuid.UUID
	UserID         uuid.UUID
	Amount         domain.Money
	Currency       string
	Items          []domain.OrderItem
	IdempotencyKey string
}

type Session struct {
	Ref string
	URL string
}

// Processor is the outbound side of the payment processor. Implementations
// return errors wrapping domain.ErrExternalUnavailable for transient failures.
type Processor interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	ExpireSession(ctx context.Context, sessionRef string) error
	Refund(ctx context.Context, intentRef, idempotencyKey string) (refundRef string, err error)
}

// WebhookParser verifies and decodes an inbound processor notification. It
// returns a nil notification for event types that carry no payment status.
type WebhookParser interface {
	Parse(payload []byte, signature string) (*domain.Notification, error)
}

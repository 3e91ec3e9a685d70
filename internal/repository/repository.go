package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrCartNotFound      = fmt.Errorf("cart %w", domain.ErrNotFound)
	ErrItemNotFound      = fmt.Errorf("item in cart %w", domain.ErrNotFound)
	ErrOrderNotFound     = fmt.Errorf("order %w", domain.ErrNotFound)
	ErrPaymentNotFound   = fmt.Errorf("payment %w", domain.ErrNotFound)
	ErrTokenNotFound     = fmt.Errorf("token %w", domain.ErrNotFound)
	ErrUserNotFound      = fmt.Errorf("user %w", domain.ErrNotFound)
	ErrDuplicateCheckout = fmt.Errorf("%w: order already exists for this cart", domain.ErrConflict)
	ErrDuplicateEmail    = fmt.Errorf("%w: email already registered", domain.ErrConflict)
	ErrDuplicateToken    = fmt.Errorf("%w: active token already exists", domain.ErrConflict)
	ErrDuplicatePayment  = fmt.Errorf("%w: payment session already recorded", domain.ErrConflict)
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// CartRepository stores carts. Every method is atomic on its own; GetCart
// returns a consistent view with respect to concurrent mutation.
type CartRepository interface {
	GetCart(ctx context.Context, userID uuid.UUID) (*domain.Cart, error)
	// AddItem reports added=false when the item was already present.
	AddItem(ctx context.Context, userID uuid.UUID, item domain.CartItem) (added bool, err error)
	RemoveItem(ctx context.Context, userID uuid.UUID, itemID int64) error
	RemoveItems(ctx context.Context, userID uuid.UUID, itemIDs []int64) error
	DeleteCart(ctx context.Context, userID uuid.UUID) error
}

// Queries is the transactional view of the relational store.
type Queries interface {
	OrderQueries
	PaymentQueries
	TokenQueries
	UserQueries
	OutboxQueries
}

type OrderQueries interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	// LockOrder reads the order and holds its row lock until the transaction ends.
	LockOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetOrderByCartVersion(ctx context.Context, userID uuid.UUID, version int64) (*domain.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus, at time.Time) error
	HasPurchased(ctx context.Context, userID uuid.UUID, itemID int64) (bool, error)
}

type PaymentQueries interface {
	CreatePayment(ctx context.Context, p *domain.Payment) error
	GetPaymentBySession(ctx context.Context, sessionRef string) (*domain.Payment, error)
	GetPaymentByIntent(ctx context.Context, intentRef string) (*domain.Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.Payment, error)
	UpdatePayment(ctx context.Context, p *domain.Payment) error
	// InsertPaymentEvent reports inserted=false when the idempotency id was seen before.
	InsertPaymentEvent(ctx context.Context, ev *domain.PaymentEvent) (inserted bool, err error)
	SetPaymentEventOutcome(ctx context.Context, idempotencyID string, outcome domain.EventOutcome) error
	AddPaymentTransition(ctx context.Context, tr *domain.PaymentTransition) error
	ListPaymentTransitions(ctx context.Context, orderID uuid.UUID) ([]*domain.PaymentTransition, error)
}

type TokenQueries interface {
	// LockTokenKey serializes issuance per (owner, kind) until the transaction ends.
	LockTokenKey(ctx context.Context, userID uuid.UUID, kind domain.TokenKind) error
	InsertToken(ctx context.Context, t *domain.Token) error
	GetTokenByHash(ctx context.Context, hash string, forUpdate bool) (*domain.Token, error)
	// ListActiveTokens returns non-revoked, unexpired tokens oldest first.
	ListActiveTokens(ctx context.Context, userID uuid.UUID, kind domain.TokenKind, now time.Time) ([]*domain.Token, error)
	RevokeToken(ctx context.Context, id uuid.UUID, at time.Time, replacedBy *uuid.UUID) error
	// RevokeTokens revokes every non-revoked token of kind for the owner.
	RevokeTokens(ctx context.Context, userID uuid.UUID, kind domain.TokenKind, at time.Time) (int64, error)
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error)
}

type UserQueries interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	UpdateUser(ctx context.Context, u *domain.User) error
}

type OutboxQueries interface {
	AddOutboxEvent(ctx context.Context, ev *domain.OutboxEvent) error
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}

// Store runs units of work. fn's writes commit together when it returns nil
// and are discarded otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}

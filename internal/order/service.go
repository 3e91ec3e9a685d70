package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/repository"
	"github.com/google/uuid"
)

// Service owns order creation and is the only writer of order status.
type Service struct {
	store repository.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store repository.Store, log *slog.Logger) *Service {
	return &Service{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// EventPayload is published on order.* outbox events.
type EventPayload struct {
	OrderID uuid.UUID          `json:"order_id"`
	UserID  uuid.UUID          `json:"user_id"`
	Status  domain.OrderStatus `json:"status"`
	Total   domain.Money       `json:"total_amount"`
}

// CreateFromCart creates a PENDING order from snap. It returns created=false
// with the existing order when the same cart version (or idempotency key) was
// already checked out.
func (s *Service) CreateFromCart(ctx context.Context, snap domain.CartSnapshot, idempotencyKey string) (*domain.Order, bool, error) {
	order, err := domain.NewOrderFromSnapshot(snap, idempotencyKey, s.now())
	if err != nil {
		return nil, false, err
	}

	var existing *domain.Order
	err = s.store.WithTx(ctx, func(q repository.Queries) error {
		existing, err = findExisting(ctx, q, snap.UserID, snap.Version, idempotencyKey)
		if err != nil || existing != nil {
			return err
		}
		if err := q.CreateOrder(ctx, order); err != nil {
			return err
		}
		return addOrderEvent(ctx, q, order, domain.EventOrderCreated)
	})

	if errors.Is(err, repository.ErrDuplicateCheckout) {
		// lost a race with a concurrent checkout of the same cart
		err = s.store.WithTx(ctx, func(q repository.Queries) (err error) {
			existing, err = findExisting(ctx, q, snap.UserID, snap.Version, idempotencyKey)
			if err == nil && existing == nil {
				err = repository.ErrDuplicateCheckout
			}
			return err
		})
	}
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.log.InfoContext(ctx, "duplicate checkout resolved to existing order",
			"order_id", existing.ID, "user_id", snap.UserID, "cart_version", snap.Version)
		return existing, false, nil
	}

	s.log.InfoContext(ctx, "order created", "order_id", order.ID, "user_id", order.UserID, "total", order.TotalAmount)
	return order, true, nil
}

func findExisting(ctx context.Context, q repository.Queries, userID uuid.UUID, version int64, key string) (*domain.Order, error) {
	if key != "" {
		o, err := q.GetOrderByIdempotencyKey(ctx, userID, key)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return nil, err
		}
	}
	o, err := q.GetOrderByCartVersion(ctx, userID, version)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, nil
	}
	return o, err
}

// Transition applies ev to the order inside the caller's transaction. The
// order row stays locked until that transaction ends.
func (s *Service) Transition(ctx context.Context, q repository.Queries, orderID uuid.UUID, ev domain.OrderEvent) (*domain.Order, bool, error) {
	o, err := q.LockOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	next, changed, err := domain.NextOrderStatus(o.Status, ev)
	if err != nil {
		return o, false, err
	}
	if !changed {
		return o, false, nil
	}

	at := s.now()
	if err := q.UpdateOrderStatus(ctx, o.ID, next, at); err != nil {
		return nil, false, err
	}
	o.Status = next
	o.UpdatedAt = at

	eventType := domain.EventOrderPaid
	if next == domain.OrderStatusCanceled {
		eventType = domain.EventOrderCanceled
	}
	if err := addOrderEvent(ctx, q, o, eventType); err != nil {
		return nil, false, err
	}

	s.log.InfoContext(ctx, "order transitioned", "order_id", o.ID, "event", ev, "status", next)
	return o, true, nil
}

func addOrderEvent(ctx context.Context, q repository.Queries, o *domain.Order, eventType string) error {
	ev, err := domain.NewOutboxEvent(o.ID.String(), eventType, EventPayload{
		OrderID: o.ID,
		UserID:  o.UserID,
		Status:  o.Status,
		Total:   o.TotalAmount,
	})
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	return q.AddOutboxEvent(ctx, ev)
}

// Get returns the order if it belongs to userID. Orders of other users are
// reported as not found.
func (s *Service) Get(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error) {
	var o *domain.Order
	err := s.store.WithTx(ctx, func(q repository.Queries) (err error) {
		o, err = q.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

func (s *Service) ListByOwner(ctx context.Context, userID uuid.UUID) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := s.store.WithTx(ctx, func(q repository.Queries) (err error) {
		orders, err = q.ListOrdersByUser(ctx, userID)
		return err
	})
	return orders, err
}

func (s *Service) View(ctx context.Context, userID, orderID uuid.UUID) (*domain.OrderView, error) {
	var view *domain.OrderView
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		o, err := q.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return repository.ErrOrderNotFound
		}
		payments, err := q.ListPaymentsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		view = domain.NewOrderView(o, payments)
		return nil
	})
	return view, err
}

// FindByIdempotencyKey returns the user's order created with key, or
// repository.ErrOrderNotFound.
func (s *Service) FindByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.Order, error) {
	var o *domain.Order
	err := s.store.WithTx(ctx, func(q repository.Queries) (err error) {
		o, err = q.GetOrderByIdempotencyKey(ctx, userID, key)
		return err
	})
	return o, err
}

package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cinema/internal/cart"
	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/order"
	"github.com/fjod/go_cinema/internal/payment"
	"github.com/fjod/go_cinema/internal/repository"
	"github.com/google/uuid"
)

type Result struct {
	Order   *domain.Order   `json:"order"`
	Payment *domain.Payment `json:"payment,omitempty"`
	Created bool            `json:"created"`
}

// Coordinator turns a cart into an order and opens its payment.
type Coordinator struct {
	carts    *cart.Service
	orders   *order.Service
	payments *payment.Reconciler
	log      *slog.Logger
	retry    []RetryOption
}

func NewCoordinator(carts *cart.Service, orders *order.Service, payments *payment.Reconciler, log *slog.Logger, retry ...RetryOption) *Coordinator {
	c := &Coordinator{
		carts:    carts,
		orders:   orders,
		payments: payments,
		log:      log,
	}
	c.retry = append([]RetryOption{
		WithOnRetry(func(attempt int, delay time.Duration, err error) {
			log.Warn("payment initiation failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		}),
	}, retry...)
	return c
}

// Checkout is safe to repeat. With an idempotency key the same order is
// returned for every call; without one, the cart version deduplicates.
//
// When the payment cannot be opened the order is still returned alongside
// the error, and the client can retry payment for that order.
func (c *Coordinator) Checkout(ctx context.Context, userID uuid.UUID, idempotencyKey string) (*Result, error) {
	if idempotencyKey != "" {
		o, err := c.orders.FindByIdempotencyKey(ctx, userID, idempotencyKey)
		if err == nil {
			c.log.InfoContext(ctx, "duplicate checkout request", "idempotency_key", idempotencyKey, "order_id", o.ID)
			return c.pay(ctx, &Result{Order: o})
		}
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
	}

	snap, err := c.carts.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	o, created, err := c.orders.CreateFromCart(ctx, snap, idempotencyKey)
	if err != nil {
		return nil, err
	}

	// the order is already committed; a stale cart is cleaned up by the next checkout
	if err := c.carts.RemoveSnapshot(ctx, snap); err != nil {
		c.log.ErrorContext(ctx, "failed to remove checked out items from cart",
			"user_id", userID, "order_id", o.ID, "error", err)
	}

	return c.pay(ctx, &Result{Order: o, Created: created})
}

func (c *Coordinator) pay(ctx context.Context, res *Result) (*Result, error) {
	if res.Order.Status != domain.OrderStatusPending {
		view, err := c.orders.View(ctx, res.Order.UserID, res.Order.ID)
		if err != nil {
			return nil, err
		}
		if n := len(view.Payments); n > 0 {
			res.Payment = view.Payments[n-1]
		}
		return res, nil
	}

	err := RetryWithExponentialBackoff(ctx, func(ctx context.Context) error {
		p, err := c.payments.Initiate(ctx, res.Order.UserID, res.Order.ID)
		res.Payment = p
		return err
	}, c.retry...)
	if err != nil {
		return res, fmt.Errorf("initiate payment for order %s: %w", res.Order.ID, err)
	}
	return res, nil
}

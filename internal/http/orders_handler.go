package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/payment"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type OrderService interface {
	ListByOwner(ctx context.Context, userID uuid.UUID) ([]*domain.Order, error)
	View(ctx context.Context, userID, orderID uuid.UUID) (*domain.OrderView, error)
}

type PaymentService interface {
	Initiate(ctx context.Context, userID, orderID uuid.UUID) (*domain.Payment, error)
	Cancel(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error)
	Refund(ctx context.Context, userID, orderID uuid.UUID) (*domain.Payment, error)
	History(ctx context.Context, userID, orderID uuid.UUID) (*payment.History, error)
}

type OrdersHandler struct {
	base
	orders   OrderService
	payments PaymentService
}

func NewOrdersHandler(orders OrderService, payments PaymentService, log *slog.Logger, timeout time.Duration) *OrdersHandler {
	return &OrdersHandler{base: base{log: log, timeout: timeout}, orders: orders, payments: payments}
}

// GET /api/v1/orders
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == uuid.Nil {
		respondUnauthorized(w)
		return
	}

	orders, err := h.orders.ListByOwner(ctx, userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

// GET /api/v1/orders/{order_id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, userID, orderID uuid.UUID) (int, any, error) {
		v, err := h.orders.View(ctx, userID, orderID)
		return http.StatusOK, v, err
	})
}

// POST /api/v1/orders/{order_id}/pay
func (h *OrdersHandler) Pay(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, userID, orderID uuid.UUID) (int, any, error) {
		p, err := h.payments.Initiate(ctx, userID, orderID)
		return http.StatusOK, p, err
	})
}

// POST /api/v1/orders/{order_id}/cancel
func (h *OrdersHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, userID, orderID uuid.UUID) (int, any, error) {
		o, err := h.payments.Cancel(ctx, userID, orderID)
		return http.StatusOK, o, err
	})
}

// POST /api/v1/orders/{order_id}/refund
func (h *OrdersHandler) Refund(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, userID, orderID uuid.UUID) (int, any, error) {
		p, err := h.payments.Refund(ctx, userID, orderID)
		return http.StatusAccepted, p, err
	})
}

// GET /api/v1/orders/{order_id}/payments
func (h *OrdersHandler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, userID, orderID uuid.UUID) (int, any, error) {
		hist, err := h.payments.History(ctx, userID, orderID)
		return http.StatusOK, hist, err
	})
}

func (h *OrdersHandler) withOrder(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID, orderID uuid.UUID) (int, any, error)) {
	ctx, cancel := h.context(r)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == uuid.Nil {
		respondUnauthorized(w)
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "order_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", "order_id must be a UUID")
		return
	}

	status, body, err := fn(ctx, userID, orderID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, status, body)
}

package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_cinema/internal/checkout"
	"github.com/google/uuid"
)

type CheckoutService interface {
	Checkout(ctx context.Context, userID uuid.UUID, idempotencyKey string) (*checkout.Result, error)
}

type CheckoutHandler struct {
	base
	coordinator CheckoutService
}

func NewCheckoutHandler(coordinator CheckoutService, log *slog.Logger, timeout time.Duration) *CheckoutHandler {
	return &CheckoutHandler{base: base{log: log, timeout: timeout}, coordinator: coordinator}
}

type InitiateCheckoutRequestDTO struct {
	IdempotencyKey string `json:"idempotency_key"`
}

const maxIdempotencyKeyLen = 255

// POST /api/v1/checkout
//
// The key may come from the Idempotency-Key header or the body; an empty body
// is allowed.
func (h *CheckoutHandler) InitiateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == uuid.Nil {
		respondUnauthorized(w)
		return
	}

	var req InitiateCheckoutRequestDTO
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}
	if len(key) > maxIdempotencyKeyLen {
		respondError(w, http.StatusBadRequest, "invalid_idempotency_key", "idempotency key is too long")
		return
	}

	res, err := h.coordinator.Checkout(ctx, userID, key)
	if err != nil {
		if res != nil && res.Order != nil {
			// the order exists; the client retries payment with the same key
			status, body := h.errorBody(r, err)
			body.Details = "order_id=" + res.Order.ID.String()
			respondJSON(w, status, body)
			return
		}
		h.handleError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, res)
}

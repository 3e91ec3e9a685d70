package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type CartService interface {
	GetCart(ctx context.Context, userID uuid.UUID) (*domain.Cart, error)
	AddItem(ctx context.Context, userID uuid.UUID, itemID int64) (*domain.Cart, error)
	RemoveItem(ctx context.Context, userID uuid.UUID, itemID int64) error
	Clear(ctx context.Context, userID uuid.UUID) error
}

type CartHandler struct {
	base
	carts CartService
}

func NewCartHandler(carts CartService, log *slog.Logger, timeout time.Duration) *CartHandler {
	return &CartHandler{base: base{log: log, timeout: timeout}, carts: carts}
}

type AddItemRequestDTO struct {
	ItemID int64 `json:"item_id"`
}

type CartResponseDTO struct {
	*domain.Cart
	Total domain.Money `json:"total"`
}

func cartResponse(c *domain.Cart) CartResponseDTO {
	return CartResponseDTO{Cart: c, Total: c.Total()}
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == uuid.Nil {
		respondUnauthorized(w)
		return
	}

	c, err := h.carts.GetCart(ctx, userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(c))
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == uuid.Nil {
		respondUnauthorized(w)
		return
	}

	var req AddItemRequestDTO
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ItemID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_item_id", "item_id must be positive")
		return
	}

	c, err := h.carts.AddItem(ctx, userID, req.ItemID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, cartResponse(c))
}

// DELETE /api/v1/cart/items/{item_id}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == uuid.Nil {
		respondUnauthorized(w)
		return
	}

	itemID, err := strconv.ParseInt(chi.URLParam(r, "item_id"), 10, 64)
	if err != nil || itemID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_item_id", "item_id must be a positive integer")
		return
	}

	if err := h.carts.RemoveItem(ctx, userID, itemID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == uuid.Nil {
		respondUnauthorized(w)
		return
	}

	if err := h.carts.Clear(ctx, userID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

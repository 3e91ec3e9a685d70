package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Cart     *CartHandler
	Checkout *CheckoutHandler
	Orders   *OrdersHandler
	Webhook  *WebhookHandler
	Accounts *AccountHandler
	Health   Pinger
}

func NewRouter(h Handlers, log *slog.Logger, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log))
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(UserAuthMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if h.Health != nil {
			if err := h.Health.Ping(r.Context()); err != nil {
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.Cart.GetCart)
			r.Delete("/", h.Cart.ClearCart)
			r.Post("/items", h.Cart.AddItem)
			r.Delete("/items/{item_id}", h.Cart.RemoveItem)
		})

		r.Post("/checkout", h.Checkout.InitiateCheckout)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.Orders.ListOrders)
			r.Route("/{order_id}", func(r chi.Router) {
				r.Get("/", h.Orders.GetOrder)
				r.Post("/pay", h.Orders.Pay)
				r.Post("/cancel", h.Orders.Cancel)
				r.Post("/refund", h.Orders.Refund)
				r.Get("/payments", h.Orders.PaymentHistory)
			})
		})

		r.Post("/payments/webhook", h.Webhook.Receive)

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/register", h.Accounts.Register)
			r.Post("/activate", h.Accounts.Activate)
			r.Post("/activate/resend", h.Accounts.ResendActivation)
			r.Post("/password-reset/request", h.Accounts.RequestPasswordReset)
			r.Post("/password-reset/complete", h.Accounts.CompletePasswordReset)
			r.Post("/login", h.Accounts.Login)
			r.Post("/refresh", h.Accounts.Refresh)
			r.Post("/logout", h.Accounts.Logout)
			r.Post("/password-change", h.Accounts.ChangePassword)
		})
	})

	return r
}

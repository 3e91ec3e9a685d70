package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/token"
	"github.com/google/uuid"
)

type AccountService interface {
	Register(ctx context.Context, email, password string) (*domain.User, error)
	Activate(ctx context.Context, plaintext string) error
	ResendActivation(ctx context.Context, email string) error
	RequestPasswordReset(ctx context.Context, email string) error
	CompletePasswordReset(ctx context.Context, plaintext, newPassword string) error
	Login(ctx context.Context, email, password string) (*token.Issued, error)
	Refresh(ctx context.Context, plaintext string) (*token.Issued, error)
	Logout(ctx context.Context, userID uuid.UUID, plaintext string) error
	ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string) error
}

type AccountHandler struct {
	base
	accounts AccountService
}

func NewAccountHandler(accounts AccountService, log *slog.Logger, timeout time.Duration) *AccountHandler {
	return &AccountHandler{base: base{log: log, timeout: timeout}, accounts: accounts}
}

type CredentialsDTO struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type EmailDTO struct {
	Email string `json:"email"`
}

type TokenDTO struct {
	Token string `json:"token"`
}

type PasswordResetDTO struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type PasswordChangeDTO struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type messageDTO struct {
	Message string `json:"message"`
}

// POST /api/v1/accounts/register
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsDTO
	h.run(w, r, &req, func(ctx context.Context) (int, any, error) {
		u, err := h.accounts.Register(ctx, req.Email, req.Password)
		return http.StatusCreated, u, err
	})
}

// POST /api/v1/accounts/activate
func (h *AccountHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req TokenDTO
	h.run(w, r, &req, func(ctx context.Context) (int, any, error) {
		err := h.accounts.Activate(ctx, req.Token)
		return http.StatusOK, messageDTO{"account activated"}, err
	})
}

// POST /api/v1/accounts/activate/resend
func (h *AccountHandler) ResendActivation(w http.ResponseWriter, r *http.Request) {
	var req EmailDTO
	h.run(w, r, &req, func(ctx context.Context) (int, any, error) {
		err := h.accounts.ResendActivation(ctx, req.Email)
		return http.StatusAccepted, messageDTO{"if the account is awaiting activation, a new link was sent"}, err
	})
}

// POST /api/v1/accounts/password-reset/request
func (h *AccountHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req EmailDTO
	h.run(w, r, &req, func(ctx context.Context) (int, any, error) {
		err := h.accounts.RequestPasswordReset(ctx, req.Email)
		return http.StatusAccepted, messageDTO{"if the account exists, a reset link was sent"}, err
	})
}

// POST /api/v1/accounts/password-reset/complete
func (h *AccountHandler) CompletePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetDTO
	h.run(w, r, &req, func(ctx context.Context) (int, any, error) {
		err := h.accounts.CompletePasswordReset(ctx, req.Token, req.NewPassword)
		return http.StatusOK, messageDTO{"password updated"}, err
	})
}

// POST /api/v1/accounts/login
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsDTO
	h.run(w, r, &req, func(ctx context.Context) (int, any, error) {
		issued, err := h.accounts.Login(ctx, req.Email, req.Password)
		return http.StatusOK, issued, err
	})
}

// POST /api/v1/accounts/refresh
func (h *AccountHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req TokenDTO
	h.run(w, r, &req, func(ctx context.Context) (int, any, error) {
		issued, err := h.accounts.Refresh(ctx, req.Token)
		return http.StatusOK, issued, err
	})
}

// POST /api/v1/accounts/logout
func (h *AccountHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	if userID == uuid.Nil {
		respondUnauthorized(w)
		return
	}
	var req TokenDTO
	h.run(w, r, &req, func(ctx context.Context) (int, any, error) {
		err := h.accounts.Logout(ctx, userID, req.Token)
		return http.StatusOK, messageDTO{"logged out"}, err
	})
}

// POST /api/v1/accounts/password-change
func (h *AccountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	if userID == uuid.Nil {
		respondUnauthorized(w)
		return
	}
	var req PasswordChangeDTO
	h.run(w, r, &req, func(ctx context.Context) (int, any, error) {
		err := h.accounts.ChangePassword(ctx, userID, req.OldPassword, req.NewPassword)
		return http.StatusOK, messageDTO{"password changed"}, err
	})
}

func (h *AccountHandler) run(w http.ResponseWriter, r *http.Request, req any, fn func(ctx context.Context) (int, any, error)) {
	ctx, cancel := h.context(r)
	defer cancel()

	if err := decodeJSON(w, r, req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	status, body, err := fn(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, status, body)
}

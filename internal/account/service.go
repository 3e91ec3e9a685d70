package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/repository"
	"github.com/fjod/go_cinema/internal/token"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = fmt.Errorf("%w: invalid email or password", domain.ErrUnauthenticated)
	ErrNotActivated       = fmt.Errorf("%w: account is not activated", domain.ErrUnauthenticated)
	ErrAlreadyActive      = fmt.Errorf("%w: account is already active", domain.ErrConflict)
)

type Service struct {
	store    repository.Store
	tokens   *token.Manager
	log      *slog.Logger
	hashCost int
	verify   func(hash, password string) bool
	now      func() time.Time
}

func NewService(store repository.Store, tokens *token.Manager, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		tokens:   tokens,
		log:      log,
		hashCost: bcrypt.DefaultCost,
		verify:   verifyPassword,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithHashCost sets the bcrypt cost, mostly so tests can use bcrypt.MinCost.
func (s *Service) WithHashCost(cost int) *Service {
	s.hashCost = cost
	return s
}

type userEventPayload struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email address", domain.ErrValidation)
	}
	return email, nil
}

// Register creates an inactive user and its activation token in one
// transaction.
func (s *Service) Register(ctx context.Context, email, password string) (*domain.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := ValidatePasswordStrength(password); err != nil {
		return nil, err
	}
	hash, err := hashPassword(password, s.hashCost)
	if err != nil {
		return nil, err
	}

	u := &domain.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	err = s.store.WithTx(ctx, func(q repository.Queries) error {
		if err := q.CreateUser(ctx, u); err != nil {
			return err
		}
		_, err := s.tokens.IssueTx(ctx, q, u.ID, domain.TokenActivation)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "user registered", "user_id", u.ID)
	return u, nil
}

func (s *Service) Activate(ctx context.Context, plaintext string) error {
	_, err := s.tokens.Consume(ctx, plaintext, domain.TokenActivation,
		func(ctx context.Context, q repository.Queries, userID uuid.UUID) error {
			u, err := q.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			if u.IsActive {
				return ErrAlreadyActive
			}
			u.IsActive = true
			if err := q.UpdateUser(ctx, u); err != nil {
				return err
			}
			return addUserEvent(ctx, q, u, domain.EventActivationCompleted)
		})
	return err
}

// ResendActivation supersedes the activation token of an inactive user.
// Unknown and already active emails are ignored so that callers cannot probe
// which accounts exist.
func (s *Service) ResendActivation(ctx context.Context, email string) error {
	return s.issueForEmail(ctx, email, domain.TokenActivation, func(u *domain.User) bool { return !u.IsActive })
}

// RequestPasswordReset issues a reset token for an active user; other emails
// are ignored.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	return s.issueForEmail(ctx, email, domain.TokenPasswordReset, func(u *domain.User) bool { return u.IsActive })
}

func (s *Service) issueForEmail(ctx context.Context, email string, kind domain.TokenKind, eligible func(*domain.User) bool) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(q repository.Queries) error {
		u, err := q.GetUserByEmail(ctx, email)
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !eligible(u) {
			return nil
		}
		_, err = s.tokens.IssueTx(ctx, q, u.ID, kind)
		return err
	})
}

// CompletePasswordReset sets a new password and signs the user out everywhere.
func (s *Service) CompletePasswordReset(ctx context.Context, plaintext, newPassword string) error {
	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}
	hash, err := hashPassword(newPassword, s.hashCost)
	if err != nil {
		return err
	}
	_, err = s.tokens.Consume(ctx, plaintext, domain.TokenPasswordReset,
		func(ctx context.Context, q repository.Queries, userID uuid.UUID) error {
			u, err := q.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			if err := s.setPassword(ctx, q, u, hash); err != nil {
				return err
			}
			return addUserEvent(ctx, q, u, domain.EventPasswordResetCompleted)
		})
	return err
}

func (s *Service) Login(ctx context.Context, email, password string) (*token.Issued, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	u, err := s.userByEmail(ctx, email)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	// bcrypt runs outside any transaction
	if !s.verify(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	var issued *token.Issued
	err = s.store.WithTx(ctx, func(q repository.Queries) error {
		current, err := q.GetUser(ctx, u.ID)
		if err != nil {
			return err
		}
		if current.PasswordHash != u.PasswordHash {
			return ErrInvalidCredentials
		}
		if !current.IsActive {
			return ErrNotActivated
		}
		issued, err = s.tokens.IssueTx(ctx, q, u.ID, domain.TokenRefresh)
		return err
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

func (s *Service) userByEmail(ctx context.Context, email string) (u *domain.User, err error) {
	err = s.store.WithTx(ctx, func(q repository.Queries) error {
		u, err = q.GetUserByEmail(ctx, email)
		return err
	})
	return u, err
}

func (s *Service) Refresh(ctx context.Context, plaintext string) (*token.Issued, error) {
	return s.tokens.Rotate(ctx, plaintext)
}

func (s *Service) Logout(ctx context.Context, userID uuid.UUID, plaintext string) error {
	return s.tokens.Revoke(ctx, userID, plaintext)
}

// ChangePassword fails with ErrInvalidCredentials when the password changed
// between verification and update.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string) error {
	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}

	var verified string
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		u, err := q.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		verified = u.PasswordHash
		return nil
	})
	if err != nil {
		return err
	}
	if !s.verify(verified, oldPassword) {
		return ErrInvalidCredentials
	}
	hash, err := hashPassword(newPassword, s.hashCost)
	if err != nil {
		return err
	}

	return s.store.WithTx(ctx, func(q repository.Queries) error {
		u, err := q.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u.PasswordHash != verified {
			return ErrInvalidCredentials
		}
		return s.setPassword(ctx, q, u, hash)
	})
}

func (s *Service) setPassword(ctx context.Context, q repository.Queries, u *domain.User, hash string) error {
	u.PasswordHash = hash
	if err := q.UpdateUser(ctx, u); err != nil {
		return err
	}
	n, err := s.tokens.RevokeAllTx(ctx, q, u.ID, domain.TokenRefresh)
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "password changed", "user_id", u.ID, "revoked_sessions", n)
	return nil
}

func addUserEvent(ctx context.Context, q repository.Queries, u *domain.User, eventType string) error {
	ev, err := domain.NewOutboxEvent(u.ID.String(), eventType, userEventPayload{UserID: u.ID, Email: u.Email})
	if err != nil {
		return err
	}
	return q.AddOutboxEvent(ctx, ev)
}

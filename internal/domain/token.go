package domain

import (
	"time"

	"github.com/google/uuid"
)

type TokenKind string

const (
	TokenActivation    TokenKind = "ACTIVATION"
	TokenPasswordReset TokenKind = "PASSWORD_RESET"
	TokenRefresh       TokenKind = "REFRESH"
)

func (k TokenKind) Valid() bool {
	switch k {
	case TokenActivation, TokenPasswordReset, TokenRefresh:
		return true
	}
	return false
}

// SingleActive reports whether at most one token of this kind may be active per owner.
func (k TokenKind) SingleActive() bool {
	return k == TokenActivation || k == TokenPasswordReset
}

func (k TokenKind) String() string {
	return string(k)
}

// Token is a stored security token. Only the hash of the secret is kept.
type Token struct {
	ID         uuid.UUID  `db:"id"`
	Hash       string     `db:"token_hash"`
	UserID     uuid.UUID  `db:"user_id"`
	Kind       TokenKind  `db:"kind"`
	ChainID    uuid.UUID  `db:"chain_id"`
	IssuedAt   time.Time  `db:"issued_at"`
	ExpiresAt  time.Time  `db:"expires_at"`
	RevokedAt  *time.Time `db:"revoked_at"`
	ReplacedBy *uuid.UUID `db:"replaced_by"`
}

func (t *Token) IsRevoked() bool {
	return t.RevokedAt != nil
}

func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *Token) IsActive(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}

type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/repository"
	"github.com/google/uuid"
)

const secretBytes = 32

type Config struct {
	ActivationTTL    time.Duration
	PasswordResetTTL time.Duration
	RefreshTTL       time.Duration
	MaxActiveRefresh int
}

func DefaultConfig() Config {
	return Config{
		ActivationTTL:    24 * time.Hour,
		PasswordResetTTL: time.Hour,
		RefreshTTL:       7 * 24 * time.Hour,
		MaxActiveRefresh: 5,
	}
}

func (c Config) ttl(kind domain.TokenKind) time.Duration {
	switch kind {
	case domain.TokenActivation:
		return c.ActivationTTL
	case domain.TokenPasswordReset:
		return c.PasswordResetTTL
	default:
		return c.RefreshTTL
	}
}

// Issued carries the plaintext secret. It is handed out once and never stored.
type Issued struct {
	Plaintext string           `json:"token"`
	TokenID   uuid.UUID        `json:"-"`
	UserID    uuid.UUID        `json:"-"`
	Kind      domain.TokenKind `json:"kind"`
	ExpiresAt time.Time        `json:"expires_at"`
}

type Claims struct {
	TokenID   uuid.UUID
	UserID    uuid.UUID
	Kind      domain.TokenKind
	ChainID   uuid.UUID
	ExpiresAt time.Time
}

// NotificationPayload is published when a token has to reach its owner.
type NotificationPayload struct {
	UserID    uuid.UUID        `json:"user_id"`
	Email     string           `json:"email,omitempty"`
	Kind      domain.TokenKind `json:"kind"`
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Effect changes owner state as part of consuming a token.
type Effect func(ctx context.Context, q repository.Queries, userID uuid.UUID) error

type Manager struct {
	store repository.Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

func NewManager(store repository.Store, cfg Config, log *slog.Logger) *Manager {
	if cfg.MaxActiveRefresh < 1 {
		cfg.MaxActiveRefresh = 1
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) Issue(ctx context.Context, userID uuid.UUID, kind domain.TokenKind) (*Issued, error) {
	var issued *Issued
	err := m.store.WithTx(ctx, func(q repository.Queries) (err error) {
		issued, err = m.IssueTx(ctx, q, userID, kind)
		return err
	})
	return issued, err
}

// IssueTx issues a token inside the caller's transaction. Issuance for the
// same owner and kind is serialized; ACTIVATION and PASSWORD_RESET tokens
// supersede earlier ones, REFRESH tokens evict the oldest beyond the limit.
func (m *Manager) IssueTx(ctx context.Context, q repository.Queries, userID uuid.UUID, kind domain.TokenKind) (*Issued, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown token kind %q", domain.ErrValidation, kind)
	}
	if err := q.LockTokenKey(ctx, userID, kind); err != nil {
		return nil, err
	}

	now := m.now()
	if kind.SingleActive() {
		if _, err := q.RevokeTokens(ctx, userID, kind, now); err != nil {
			return nil, err
		}
	} else if err := m.trimRefresh(ctx, q, userID, now); err != nil {
		return nil, err
	}

	plaintext, t, err := m.newToken(userID, kind, uuid.New(), now)
	if err != nil {
		return nil, err
	}
	if err := q.InsertToken(ctx, t); err != nil {
		return nil, err
	}
	if err := m.notify(ctx, q, t, plaintext); err != nil {
		return nil, err
	}
	return issuedFrom(plaintext, t), nil
}

// trimRefresh leaves room for one more active refresh token.
func (m *Manager) trimRefresh(ctx context.Context, q repository.Queries, userID uuid.UUID, now time.Time) error {
	active, err := q.ListActiveTokens(ctx, userID, domain.TokenRefresh, now)
	if err != nil {
		return err
	}
	for i := 0; len(active)-i >= m.cfg.MaxActiveRefresh; i++ {
		if err := q.RevokeToken(ctx, active[i].ID, now, nil); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) notify(ctx context.Context, q repository.Queries, t *domain.Token, plaintext string) error {
	var eventType string
	switch t.Kind {
	case domain.TokenActivation:
		eventType = domain.EventActivationRequested
	case domain.TokenPasswordReset:
		eventType = domain.EventPasswordResetRequested
	default:
		return nil
	}

	payload := NotificationPayload{UserID: t.UserID, Kind: t.Kind, Token: plaintext, ExpiresAt: t.ExpiresAt}
	u, err := q.GetUser(ctx, t.UserID)
	switch {
	case err == nil:
		payload.Email = u.Email
	case !errors.Is(err, repository.ErrUserNotFound):
		return err
	}

	ev, err := domain.NewOutboxEvent(t.UserID.String(), eventType, payload)
	if err != nil {
		return err
	}
	return q.AddOutboxEvent(ctx, ev)
}

// Validate reports ErrRevoked before ErrExpired, so a revoked token reads as
// revoked even after it has expired.
func (m *Manager) Validate(ctx context.Context, plaintext string) (*Claims, error) {
	var t *domain.Token
	err := m.store.WithTx(ctx, func(q repository.Queries) (err error) {
		t, err = q.GetTokenByHash(ctx, Hash(plaintext), false)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := m.check(t); err != nil {
		return nil, err
	}
	return claimsFrom(t), nil
}

func (m *Manager) check(t *domain.Token) error {
	if t.IsRevoked() {
		return domain.ErrRevoked
	}
	if t.IsExpired(m.now()) {
		return domain.ErrExpired
	}
	return nil
}

// Consume validates a token of kind, revokes it and runs effect in the same
// transaction. Either both commit or neither does.
func (m *Manager) Consume(ctx context.Context, plaintext string, kind domain.TokenKind, effect Effect) (*Claims, error) {
	var claims *Claims
	err := m.store.WithTx(ctx, func(q repository.Queries) error {
		t, err := q.GetTokenByHash(ctx, Hash(plaintext), true)
		if err != nil {
			return err
		}
		if t.Kind != kind {
			return repository.ErrTokenNotFound
		}
		if err := m.check(t); err != nil {
			return err
		}
		if err := q.RevokeToken(ctx, t.ID, m.now(), nil); err != nil {
			return err
		}
		if effect != nil {
			if err := effect(ctx, q, t.UserID); err != nil {
				return err
			}
		}
		claims = claimsFrom(t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Rotate exchanges a refresh token for its successor in the same chain.
// Presenting an already revoked token revokes every refresh token of the
// owner and fails with ErrReused.
func (m *Manager) Rotate(ctx context.Context, plaintext string) (*Issued, error) {
	hash := Hash(plaintext)
	var (
		issued *Issued
		reused bool
	)
	err := m.store.WithTx(ctx, func(q repository.Queries) error {
		// owner first, so the issuance lock is taken before the row lock
		peek, err := q.GetTokenByHash(ctx, hash, false)
		if err != nil {
			return err
		}
		if peek.Kind != domain.TokenRefresh {
			return repository.ErrTokenNotFound
		}
		if err := q.LockTokenKey(ctx, peek.UserID, domain.TokenRefresh); err != nil {
			return err
		}
		t, err := q.GetTokenByHash(ctx, hash, true)
		if err != nil {
			return err
		}

		now := m.now()
		if t.IsRevoked() {
			n, err := q.RevokeTokens(ctx, t.UserID, domain.TokenRefresh, now)
			if err != nil {
				return err
			}
			m.log.WarnContext(ctx, "refresh token reuse detected",
				"user_id", t.UserID, "chain_id", t.ChainID, "revoked", n)
			reused = true
			return nil
		}
		if t.IsExpired(now) {
			return domain.ErrExpired
		}

		next, nt, err := m.newToken(t.UserID, domain.TokenRefresh, t.ChainID, now)
		if err != nil {
			return err
		}
		if err := q.RevokeToken(ctx, t.ID, now, &nt.ID); err != nil {
			return err
		}
		if err := m.trimRefresh(ctx, q, t.UserID, now); err != nil {
			return err
		}
		if err := q.InsertToken(ctx, nt); err != nil {
			return err
		}
		issued = issuedFrom(next, nt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reused {
		return nil, domain.ErrReused
	}
	return issued, nil
}

// Revoke revokes one token presented by its owner.
func (m *Manager) Revoke(ctx context.Context, userID uuid.UUID, plaintext string) error {
	return m.store.WithTx(ctx, func(q repository.Queries) error {
		t, err := q.GetTokenByHash(ctx, Hash(plaintext), true)
		if err != nil {
			return err
		}
		if t.UserID != userID {
			return repository.ErrTokenNotFound
		}
		if t.IsRevoked() {
			return nil
		}
		return q.RevokeToken(ctx, t.ID, m.now(), nil)
	})
}

func (m *Manager) RevokeAll(ctx context.Context, userID uuid.UUID, kind domain.TokenKind) (int64, error) {
	var n int64
	err := m.store.WithTx(ctx, func(q repository.Queries) (err error) {
		n, err = m.RevokeAllTx(ctx, q, userID, kind)
		return err
	})
	return n, err
}

func (m *Manager) RevokeAllTx(ctx context.Context, q repository.Queries, userID uuid.UUID, kind domain.TokenKind) (int64, error) {
	if err := q.LockTokenKey(ctx, userID, kind); err != nil {
		return 0, err
	}
	return q.RevokeTokens(ctx, userID, kind, m.now())
}

func (m *Manager) newToken(userID uuid.UUID, kind domain.TokenKind, chainID uuid.UUID, now time.Time) (string, *domain.Token, error) {
	plaintext, err := newSecret()
	if err != nil {
		return "", nil, err
	}
	return plaintext, &domain.Token{
		ID:        uuid.New(),
		Hash:      Hash(plaintext),
		UserID:    userID,
		Kind:      kind,
		ChainID:   chainID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.ttl(kind)),
	}, nil
}

func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hash is the stored form of a token secret.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func issuedFrom(plaintext string, t *domain.Token) *Issued {
	return &Issued{
		Plaintext: plaintext,
		TokenID:   t.ID,
		UserID:    t.UserID,
		Kind:      t.Kind,
		ExpiresAt: t.ExpiresAt,
	}
}

func claimsFrom(t *domain.Token) *Claims {
	return &Claims{
		TokenID:   t.ID,
		UserID:    t.UserID,
		Kind:      t.Kind,
		ChainID:   t.ChainID,
		ExpiresAt: t.ExpiresAt,
	}
}

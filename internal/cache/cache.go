package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/google/uuid"
)

// CartCache holds read views of carts. Entries are dropped on every mutation.
type CartCache interface {
	Get(ctx context.Context, userID uuid.UUID) (*domain.Cart, error)
	Set(ctx context.Context, userID uuid.UUID, cart *domain.Cart) error
	Delete(ctx context.Context, userID uuid.UUID) error
}

var ErrCacheMiss = errors.New("cache miss")

// Noop is used when no Redis is configured; every Get is a miss.
type Noop struct{}

func (Noop) Get(context.Context, uuid.UUID) (*domain.Cart, error) { return nil, ErrCacheMiss }

func (Noop) Set(context.Context, uuid.UUID, *domain.Cart) error { return nil }

func (Noop) Delete(context.Context, uuid.UUID) error { return nil }

package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_WithTxRollsBack(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	order := newTestOrder(uuid.New(), 1)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(q Queries) error {
		require.NoError(t, q.CreateOrder(ctx, order))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = store.WithTx(ctx, func(q Queries) error {
		_, err := q.GetOrder(ctx, order.ID)
		return err
	})
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_CartVersioning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	userID := uuid.New()

	added, err := store.AddItem(ctx, userID, domain.CartItem{ItemID: 1, UnitPrice: 1200})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.AddItem(ctx, userID, domain.CartItem{ItemID: 1, UnitPrice: 1200})
	require.NoError(t, err)
	assert.False(t, added)

	_, err = store.AddItem(ctx, userID, domain.CartItem{ItemID: 2, UnitPrice: 800})
	require.NoError(t, err)

	cart, err := store.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cart.Version)
	assert.Len(t, cart.Items, 2)

	require.NoError(t, store.RemoveItems(ctx, userID, []int64{1}))
	cart, err = store.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cart.Version)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, int64(2), cart.Items[0].ItemID)

	assert.ErrorIs(t, store.RemoveItem(ctx, userID, 42), ErrItemNotFound)
	require.NoError(t, store.DeleteCart(ctx, userID))
	cart, err = store.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)
}

func TestMemoryStore_DuplicateCheckout(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	userID := uuid.New()

	err := store.WithTx(ctx, func(q Queries) error {
		require.NoError(t, q.CreateOrder(ctx, newTestOrder(userID, 5)))
		return q.CreateOrder(ctx, newTestOrder(userID, 5))
	})
	assert.ErrorIs(t, err, ErrDuplicateCheckout)
}

func TestMemoryStore_SingleActiveToken(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now()

	first := &domain.Token{ID: uuid.New(), Hash: "a", UserID: userID, Kind: domain.TokenActivation, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	second := &domain.Token{ID: uuid.New(), Hash: "b", UserID: userID, Kind: domain.TokenActivation, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}

	err := store.WithTx(ctx, func(q Queries) error {
		require.NoError(t, q.InsertToken(ctx, first))
		return q.InsertToken(ctx, second)
	})
	assert.ErrorIs(t, err, ErrDuplicateToken)

	err = store.WithTx(ctx, func(q Queries) error {
		require.NoError(t, q.InsertToken(ctx, first))
		n, err := q.RevokeTokens(ctx, userID, domain.TokenActivation, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return q.InsertToken(ctx, second)
	})
	require.NoError(t, err)
}

func TestMemoryStore_DeleteExpiredTokens(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	err := store.WithTx(ctx, func(q Queries) error {
		for i, exp := range []time.Duration{-2 * time.Hour, -time.Minute, time.Hour} {
			tok := &domain.Token{ID: uuid.New(), Hash: uuid.NewString(), UserID: uuid.New(), Kind: domain.TokenRefresh, IssuedAt: now, ExpiresAt: now.Add(exp)}
			require.NoError(t, q.InsertToken(ctx, tok), "token %d", i)
		}
		n, err := q.DeleteExpiredTokens(ctx, now.Add(-time.Hour))
		assert.Equal(t, int64(1), n)
		return err
	})
	require.NoError(t, err)
}

func newTestOrder(userID uuid.UUID, version int64) *domain.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Order{
		ID:          uuid.New(),
		UserID:      userID,
		CartVersion: version,
		TotalAmount: 2000,
		Currency:    domain.Currency,
		Status:      domain.OrderStatusPending,
		Items: []domain.OrderItem{
			{ItemID: 1, Name: "A", Price: 1200, Quantity: 1},
			{ItemID: 2, Name: "B", Price: 800, Quantity: 1},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

package cart

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_cinema/internal/cache"
	"github.com/fjod/go_cinema/internal/catalog"
	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/logger"
	"github.com/fjod/go_cinema/internal/repository"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCatalog struct {
	items map[int64]domain.CatalogItem
}

func (m *mockCatalog) Lookup(_ context.Context, id int64) (domain.CatalogItem, error) {
	it, ok := m.items[id]
	if !ok {
		return domain.CatalogItem{}, catalog.ErrItemNotFound
	}
	return it, nil
}

// countingRepo counts GetCart calls that reach the repository.
type countingRepo struct {
	repository.CartRepository
	gets atomic.Int32
}

func (c *countingRepo) GetCart(ctx context.Context, userID uuid.UUID) (*domain.Cart, error) {
	c.gets.Add(1)
	time.Sleep(10 * time.Millisecond)
	return c.CartRepository.GetCart(ctx, userID)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, uuid.UUID) (*domain.Cart, error) {
	return nil, errors.New("redis down")
}
func (brokenCache) Set(context.Context, uuid.UUID, *domain.Cart) error { return errors.New("redis down") }
func (brokenCache) Delete(context.Context, uuid.UUID) error            { return errors.New("redis down") }

func newCatalog() *mockCatalog {
	return &mockCatalog{items: map[int64]domain.CatalogItem{
		1: {ID: 1, Name: "Alien", Price: 1200},
		2: {ID: 2, Name: "Heat", Price: 800},
		3: {ID: 3, Name: "Arrival", Price: 999},
	}}
}

func setupService(t *testing.T) (*Service, *repository.MemoryStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := repository.NewMemoryStore()
	svc := NewService(store, store, newCatalog(), cache.NewRedisCache(client, time.Minute), logger.Discard())
	return svc, store, mr
}

func TestService_AddItem(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	userID := uuid.New()

	c, err := svc.AddItem(ctx, userID, 1)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, domain.Money(1200), c.Items[0].UnitPrice)
	assert.Equal(t, "Alien", c.Items[0].Name)

	t.Run("duplicate add is a no-op", func(t *testing.T) {
		again, err := svc.AddItem(ctx, userID, 1)
		require.NoError(t, err)
		assert.Len(t, again.Items, 1)
		assert.Equal(t, c.Version, again.Version)
	})

	t.Run("unknown item", func(t *testing.T) {
		_, err := svc.AddItem(ctx, userID, 404)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestService_AddItem_AlreadyPurchased(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, store.WithTx(ctx, func(q repository.Queries) error {
		o := &domain.Order{
			ID: uuid.New(), UserID: userID, CartVersion: 1, TotalAmount: 800, Currency: domain.Currency,
			Status: domain.OrderStatusPaid, Items: []domain.OrderItem{{ItemID: 2, Name: "Heat", Price: 800, Quantity: 1}},
		}
		return q.CreateOrder(ctx, o)
	}))

	_, err := svc.AddItem(ctx, userID, 2)
	assert.ErrorIs(t, err, ErrAlreadyOwned)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestService_GetCart_Empty(t *testing.T) {
	svc, _, _ := setupService(t)
	c, err := svc.GetCart(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.Zero(t, c.Version)
}

func TestService_CacheInvalidatedOnMutation(t *testing.T) {
	svc, _, mr := setupService(t)
	ctx := context.Background()
	userID := uuid.New()
	key := "cart:" + userID.String()

	_, err := svc.AddItem(ctx, userID, 1)
	require.NoError(t, err)
	assert.True(t, mr.Exists(key), "read after add populates the cache")

	require.NoError(t, svc.RemoveItem(ctx, userID, 1))
	assert.False(t, mr.Exists(key))

	c, err := svc.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, c.Items)
}

func TestService_GetCart_Singleflight(t *testing.T) {
	store := repository.NewMemoryStore()
	repo := &countingRepo{CartRepository: store}
	svc := NewService(repo, store, newCatalog(), cache.Noop{}, logger.Discard())
	userID := uuid.New()
	_, err := store.AddItem(context.Background(), userID, domain.CartItem{ItemID: 1, UnitPrice: 1200})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := svc.GetCart(context.Background(), userID)
			assert.NoError(t, err)
			assert.Len(t, c.Items, 1)
		}()
	}
	wg.Wait()
	assert.Less(t, repo.gets.Load(), int32(20))
}

func TestService_CacheFailuresAreNotFatal(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := NewService(store, store, newCatalog(), brokenCache{}, logger.Discard())
	ctx := context.Background()
	userID := uuid.New()

	c, err := svc.AddItem(ctx, userID, 3)
	require.NoError(t, err)
	assert.Len(t, c.Items, 1)
	require.NoError(t, svc.Clear(ctx, userID))
}

func TestService_RemoveItem_NotInCart(t *testing.T) {
	svc, _, _ := setupService(t)
	err := svc.RemoveItem(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_Clear(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, svc.Clear(ctx, userID), "clearing a missing cart succeeds")

	_, err := svc.AddItem(ctx, userID, 1)
	require.NoError(t, err)
	require.NoError(t, svc.Clear(ctx, userID))
	c, err := svc.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, c.Items)
}

func TestService_SnapshotAndRemoveSnapshot(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := svc.Snapshot(ctx, userID)
	assert.ErrorIs(t, err, domain.ErrEmptyCart)

	for _, id := range []int64{1, 2} {
		_, err := svc.AddItem(ctx, userID, id)
		require.NoError(t, err)
	}
	snap, err := svc.Snapshot(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.Money(2000), snap.Total)
	assert.Equal(t, int64(2), snap.Version)

	// added after the snapshot, must survive
	_, err = svc.AddItem(ctx, userID, 3)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveSnapshot(ctx, snap))
	c, err := svc.GetCart(ctx, userID)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, int64(3), c.Items[0].ItemID)
	assert.Len(t, snap.Items, 2, "snapshot is not affected by later mutation")
}

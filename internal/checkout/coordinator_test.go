package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cinema/internal/cart"
	"github.com/fjod/go_cinema/internal/cache"
	"github.com/fjod/go_cinema/internal/catalog"
	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/logger"
	"github.com/fjod/go_cinema/internal/order"
	"github.com/fjod/go_cinema/internal/payment"
	"github.com/fjod/go_cinema/internal/processor"
	"github.com/fjod/go_cinema/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCatalog map[int64]domain.CatalogItem

func (m mockCatalog) Lookup(_ context.Context, id int64) (domain.CatalogItem, error) {
	it, ok := m[id]
	if !ok {
		return domain.CatalogItem{}, catalog.ErrItemNotFound
	}
	return it, nil
}

type fixture struct {
	carts  *cart.Service
	orders *order.Service
	proc   *processor.Fake
	coord  *Coordinator
}

func newFixture(opts ...RetryOption) *fixture {
	store := repository.NewMemoryStore()
	return newFixtureWith(store, store, store, opts...)
}

// newFixtureWith lets tests put failing wrappers in front of the memory store:
// cartRepo backs the cart, orderStore backs orders and payments.
func newFixtureWith(store *repository.MemoryStore, cartRepo repository.CartRepository, orderStore repository.Store, opts ...RetryOption) *fixture {
	log := logger.Discard()
	cat := mockCatalog{
		1: {ID: 1, Name: "A", Price: 1200},
		2: {ID: 2, Name: "B", Price: 800},
	}
	carts := cart.NewService(cartRepo, store, cat, cache.Noop{}, log)
	orders := order.NewService(orderStore, log)
	proc := processor.NewFake()
	rec := payment.NewReconciler(orderStore, orders, proc, log)
	opts = append([]RetryOption{WithBaseDelay(time.Millisecond)}, opts...)
	return &fixture{
		carts:  carts,
		orders: orders,
		proc:   proc,
		coord:  NewCoordinator(carts, orders, rec, log, opts...),
	}
}

func (f *fixture) fillCart(t *testing.T, userID uuid.UUID) {
	t.Helper()
	for _, id := range []int64{1, 2} {
		_, err := f.carts.AddItem(context.Background(), userID, id)
		require.NoError(t, err)
	}
}

func TestCheckout_Scenario(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	f.fillCart(t, userID)

	res, err := f.coord.Checkout(ctx, userID, "")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, domain.Money(2000), res.Order.TotalAmount)
	assert.Equal(t, domain.OrderStatusPending, res.Order.Status)
	require.NotNil(t, res.Payment)
	assert.Equal(t, domain.PaymentStatusPending, res.Payment.Status)
	assert.Equal(t, domain.Money(2000), res.Payment.Amount)

	c, err := f.carts.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, c.Items)
}

func TestCheckout_EmptyCart(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.coord.Checkout(ctx, userID, "")
	assert.ErrorIs(t, err, domain.ErrEmptyCart)

	orders, err := f.orders.ListByOwner(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCheckout_RetriesUnavailableProcessor(t *testing.T) {
	f := newFixture(WithMaxAttempts(4))
	userID := uuid.New()
	f.fillCart(t, userID)
	f.proc.FailNext(2)

	res, err := f.coord.Checkout(context.Background(), userID, "")
	require.NoError(t, err)
	require.NotNil(t, res.Payment)
	assert.Equal(t, 1, f.proc.Calls().Created)
}

func TestCheckout_RetryExhaustionKeepsOrder(t *testing.T) {
	f := newFixture(WithMaxAttempts(3))
	ctx := context.Background()
	userID := uuid.New()
	f.fillCart(t, userID)
	f.proc.FailNext(3)

	res, err := f.coord.Checkout(ctx, userID, "key-1")
	assert.ErrorIs(t, err, domain.ErrExternalUnavailable)
	require.NotNil(t, res)
	require.NotNil(t, res.Order)
	assert.Nil(t, res.Payment)

	c, err := f.carts.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, c.Items, "cart is cleared once the order exists")

	again, err := f.coord.Checkout(ctx, userID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, again.Order.ID)
	assert.False(t, again.Created)
	require.NotNil(t, again.Payment)
}

func TestCheckout_IdempotencyKeyReturnsSameResult(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	f.fillCart(t, userID)

	first, err := f.coord.Checkout(ctx, userID, "key-2")
	require.NoError(t, err)
	second, err := f.coord.Checkout(ctx, userID, "key-2")
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, 1, f.proc.Calls().Created)
}

func TestCheckout_ConcurrentDoubleCheckout(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	f.fillCart(t, userID)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[uuid.UUID]bool{}
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coord.Checkout(ctx, userID, "")
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrEmptyCart)
				return
			}
			mu.Lock()
			ids[res.Order.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	orders, err := f.orders.ListByOwner(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Equal(t, domain.Money(2000), orders[0].TotalAmount)
}

var errStoreDown = errors.New("connection refused")

// failingOrderStore rejects every order insert.
type failingOrderStore struct {
	repository.Store
}

type failingOrderQueries struct {
	repository.Queries
}

func (s failingOrderStore) WithTx(ctx context.Context, fn func(q repository.Queries) error) error {
	return s.Store.WithTx(ctx, func(q repository.Queries) error {
		return fn(failingOrderQueries{q})
	})
}

func (failingOrderQueries) CreateOrder(context.Context, *domain.Order) error {
	return errStoreDown
}

func TestCheckout_OrderFailureLeavesCartUntouched(t *testing.T) {
	store := repository.NewMemoryStore()
	f := newFixtureWith(store, store, failingOrderStore{store})
	ctx := context.Background()
	userID := uuid.New()
	f.fillCart(t, userID)
	before, err := f.carts.GetCart(ctx, userID)
	require.NoError(t, err)

	res, err := f.coord.Checkout(ctx, userID, "key-1")
	assert.ErrorIs(t, err, errStoreDown)
	assert.Nil(t, res)

	after, err := f.carts.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Items, after.Items)
	assert.Zero(t, f.proc.Calls().Created)

	orders, err := f.orders.ListByOwner(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

// flakyCartRepo fails the next n bulk removals.
type flakyCartRepo struct {
	repository.CartRepository
	mu    sync.Mutex
	fails int
}

func (r *flakyCartRepo) RemoveItems(ctx context.Context, userID uuid.UUID, itemIDs []int64) error {
	r.mu.Lock()
	fail := r.fails > 0
	if fail {
		r.fails--
	}
	r.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return r.CartRepository.RemoveItems(ctx, userID, itemIDs)
}

func TestCheckout_CartCleanupFailureHealsOnNextCheckout(t *testing.T) {
	store := repository.NewMemoryStore()
	repo := &flakyCartRepo{CartRepository: store, fails: 1}
	f := newFixtureWith(store, repo, store)
	ctx := context.Background()
	userID := uuid.New()
	f.fillCart(t, userID)

	first, err := f.coord.Checkout(ctx, userID, "")
	require.NoError(t, err, "cart cleanup failure must not fail checkout")
	assert.True(t, first.Created)
	require.NotNil(t, first.Payment)

	stale, err := f.carts.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, stale.Items, 2)

	second, err := f.coord.Checkout(ctx, userID, "")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)

	c, err := f.carts.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.Equal(t, 1, f.proc.Calls().Created)

	orders, err := f.orders.ListByOwner(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/logger"
	"github.com/fjod/go_cinema/internal/order"
	"github.com/fjod/go_cinema/internal/processor"
	"github.com/fjod/go_cinema/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *repository.MemoryStore
	orders *order.Service
	proc   *processor.Fake
	rec    *Reconciler
}

func newFixture() *fixture {
	store := repository.NewMemoryStore()
	orders := order.NewService(store, logger.Discard())
	proc := processor.NewFake()
	return &fixture{
		store:  store,
		orders: orders,
		proc:   proc,
		rec:    NewReconciler(store, orders, proc, logger.Discard()),
	}
}

func (f *fixture) pendingOrder(t *testing.T, userID uuid.UUID) *domain.Order {
	t.Helper()
	c := &domain.Cart{UserID: userID, Version: 1, Items: []domain.CartItem{
		{ItemID: 1, Name: "A", UnitPrice: 1200},
		{ItemID: 2, Name: "B", UnitPrice: 800},
	}}
	o, _, err := f.orders.CreateFromCart(context.Background(), domain.NewSnapshot(c, time.Now()), "")
	require.NoError(t, err)
	return o
}

func (f *fixture) paidOrder(t *testing.T, userID uuid.UUID) (*domain.Order, *domain.Payment) {
	t.Helper()
	o := f.pendingOrder(t, userID)
	p, err := f.rec.Initiate(context.Background(), userID, o.ID)
	require.NoError(t, err)
	require.NoError(t, f.rec.ApplyNotification(context.Background(), domain.Notification{
		IdempotencyID: "evt_paid_" + o.ID.String(),
		SessionRef:    p.SessionRef,
		IntentRef:     "pi_" + o.ID.String(),
		Status:        domain.PaymentStatusSuccessful,
	}))
	return o, p
}

func (f *fixture) view(t *testing.T, userID, orderID uuid.UUID) *domain.OrderView {
	t.Helper()
	v, err := f.orders.View(context.Background(), userID, orderID)
	require.NoError(t, err)
	require.NoError(t, domain.CheckConsistency(v.Order, v.Payments))
	return v
}

func TestReconciler_CheckoutToPaidScenario(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()

	o := f.pendingOrder(t, userID)
	assert.Equal(t, domain.Money(2000), o.TotalAmount)
	assert.Equal(t, domain.OrderStatusPending, o.Status)

	p, err := f.rec.Initiate(ctx, userID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	assert.Equal(t, domain.Money(2000), p.Amount)

	evt := domain.Notification{IdempotencyID: "evt1", SessionRef: p.SessionRef, IntentRef: "pi_1", Status: domain.PaymentStatusSuccessful}
	require.NoError(t, f.rec.ApplyNotification(ctx, evt))
	v := f.view(t, userID, o.ID)
	assert.Equal(t, domain.OrderStatusPaid, v.Order.Status)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.rec.ApplyNotification(ctx, evt))
	}

	v = f.view(t, userID, o.ID)
	assert.Equal(t, domain.OrderStatusPaid, v.Order.Status)
	require.Len(t, v.Payments, 1)
	assert.Equal(t, domain.PaymentStatusSuccessful, v.Payments[0].Status)
	require.NotNil(t, v.Payments[0].IntentRef)
	assert.Equal(t, "pi_1", *v.Payments[0].IntentRef)

	h, err := f.rec.History(ctx, userID, o.ID)
	require.NoError(t, err)
	require.Len(t, h.Transitions, 1)
	assert.Equal(t, domain.PaymentStatusPending, h.Transitions[0].From)
	assert.Equal(t, domain.PaymentStatusSuccessful, h.Transitions[0].To)
	assert.Equal(t, "evt1", h.Transitions[0].EventID)

	require.NoError(t, f.store.WithTx(ctx, func(q repository.Queries) error {
		events, err := q.GetUnprocessedEvents(ctx, 10)
		require.NoError(t, err)
		var types []string
		for _, ev := range events {
			types = append(types, ev.EventType)
		}
		assert.Equal(t, []string{domain.EventOrderCreated, domain.EventOrderPaid}, types)
		return nil
	}))
}

func TestReconciler_InitiateIsRetrySafe(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	o := f.pendingOrder(t, userID)

	first, err := f.rec.Initiate(ctx, userID, o.ID)
	require.NoError(t, err)
	second, err := f.rec.Initiate(ctx, userID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.proc.Calls().Created)
}

// flakyPaymentStore fails the next n payment inserts.
type flakyPaymentStore struct {
	repository.Store
	mu    sync.Mutex
	fails int
}

type flakyPaymentQueries struct {
	repository.Queries
	s *flakyPaymentStore
}

func (s *flakyPaymentStore) WithTx(ctx context.Context, fn func(q repository.Queries) error) error {
	return s.Store.WithTx(ctx, func(q repository.Queries) error {
		return fn(flakyPaymentQueries{Queries: q, s: s})
	})
}

func (q flakyPaymentQueries) CreatePayment(ctx context.Context, p *domain.Payment) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if q.s.fails > 0 {
		q.s.fails--
		return errors.New("connection reset by peer")
	}
	return q.Queries.CreatePayment(ctx, p)
}

func TestReconciler_InitiateAfterStoreFailureGetsFreshSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	o := f.pendingOrder(t, userID)

	store := &flakyPaymentStore{Store: f.store, fails: 1}
	rec := NewReconciler(store, f.orders, f.proc, logger.Discard())

	_, err := rec.Initiate(ctx, userID, o.ID)
	require.Error(t, err)
	assert.Equal(t, 1, f.proc.Calls().Expired)

	p, err := rec.Initiate(ctx, userID, o.ID)
	require.NoError(t, err)
	assert.False(t, f.proc.Expired(p.SessionRef), "stored payment must point at a live session")
	assert.Equal(t, 2, f.proc.Calls().Created)

	require.NoError(t, rec.ApplyNotification(ctx, domain.Notification{
		IdempotencyID: "evt_after_retry",
		SessionRef:    p.SessionRef,
		IntentRef:     "pi_retry",
		Status:        domain.PaymentStatusSuccessful,
	}))
	assert.Equal(t, domain.OrderStatusPaid, f.view(t, userID, o.ID).Order.Status)
}

func TestReconciler_InitiateRejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()

	t.Run("foreign order", func(t *testing.T) {
		o := f.pendingOrder(t, uuid.New())
		_, err := f.rec.Initiate(ctx, userID, o.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("paid order", func(t *testing.T) {
		o, _ := f.paidOrder(t, userID)
		_, err := f.rec.Initiate(ctx, userID, o.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("processor unavailable", func(t *testing.T) {
		o := f.pendingOrder(t, uuid.New())
		f.proc.FailNext(1)
		_, err := f.rec.Initiate(ctx, o.UserID, o.ID)
		assert.ErrorIs(t, err, domain.ErrExternalUnavailable)

		v := f.view(t, o.UserID, o.ID)
		assert.Empty(t, v.Payments)
	})
}

func TestReconciler_CanceledPaymentAllowsNewSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	o := f.pendingOrder(t, userID)

	p, err := f.rec.Initiate(ctx, userID, o.ID)
	require.NoError(t, err)
	require.NoError(t, f.rec.ApplyNotification(ctx, domain.Notification{
		IdempotencyID: "evt_expired", SessionRef: p.SessionRef, Status: domain.PaymentStatusCanceled,
	}))

	v := f.view(t, userID, o.ID)
	assert.Equal(t, domain.OrderStatusPending, v.Order.Status)

	again, err := f.rec.Initiate(ctx, userID, o.ID)
	require.NoError(t, err)
	assert.NotEqual(t, p.SessionRef, again.SessionRef)
}

func TestReconciler_OutOfOrderNotifications(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	o := f.pendingOrder(t, userID)
	p, err := f.rec.Initiate(ctx, userID, o.ID)
	require.NoError(t, err)

	// success arrives before the older expiry notice
	require.NoError(t, f.rec.ApplyNotification(ctx, domain.Notification{
		IdempotencyID: "evt2", SessionRef: p.SessionRef, IntentRef: "pi_2", Status: domain.PaymentStatusSuccessful,
	}))
	require.NoError(t, f.rec.ApplyNotification(ctx, domain.Notification{
		IdempotencyID: "evt1", SessionRef: p.SessionRef, Status: domain.PaymentStatusCanceled,
	}))

	v := f.view(t, userID, o.ID)
	assert.Equal(t, domain.OrderStatusPaid, v.Order.Status)
	assert.Equal(t, domain.PaymentStatusSuccessful, v.Payments[0].Status)

	h, err := f.rec.History(ctx, userID, o.ID)
	require.NoError(t, err)
	assert.Len(t, h.Transitions, 1)
}

func TestReconciler_UnknownAndMalformedNotifications(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	err := f.rec.ApplyNotification(ctx, domain.Notification{
		IdempotencyID: "evt_unknown", SessionRef: "cs_missing", Status: domain.PaymentStatusSuccessful,
	})
	assert.NoError(t, err)

	err = f.rec.ApplyNotification(ctx, domain.Notification{SessionRef: "cs_1", Status: domain.PaymentStatusSuccessful})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = f.rec.ApplyNotification(ctx, domain.Notification{IdempotencyID: "e", SessionRef: "cs_1", Status: "BOGUS"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReconciler_SecondSuccessForPaidOrderIsStale(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	o, _ := f.paidOrder(t, userID)

	// a second session left open at the processor
	stray := &domain.Payment{
		ID: uuid.New(), OrderID: o.ID, UserID: userID, Amount: o.TotalAmount,
		SessionRef: "cs_stray", Status: domain.PaymentStatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, f.store.WithTx(ctx, func(q repository.Queries) error {
		return q.CreatePayment(ctx, stray)
	}))

	require.NoError(t, f.rec.ApplyNotification(ctx, domain.Notification{
		IdempotencyID: "evt_stray", SessionRef: "cs_stray", Status: domain.PaymentStatusSuccessful,
	}))

	v := f.view(t, userID, o.ID)
	assert.Equal(t, domain.OrderStatusPaid, v.Order.Status)
	for _, p := range v.Payments {
		if p.ID == stray.ID {
			assert.Equal(t, domain.PaymentStatusPending, p.Status)
		}
	}
}

func TestReconciler_Cancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	o := f.pendingOrder(t, userID)
	p, err := f.rec.Initiate(ctx, userID, o.ID)
	require.NoError(t, err)

	canceled, err := f.rec.Cancel(ctx, userID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, canceled.Status)
	assert.Equal(t, 1, f.proc.Calls().Expired)

	_, err = f.rec.Cancel(ctx, userID, o.ID)
	require.NoError(t, err, "cancel is idempotent")

	// a success that raced the cancel is ignored
	require.NoError(t, f.rec.ApplyNotification(ctx, domain.Notification{
		IdempotencyID: "evt_late", SessionRef: p.SessionRef, Status: domain.PaymentStatusSuccessful,
	}))
	v := f.view(t, userID, o.ID)
	assert.Equal(t, domain.OrderStatusCanceled, v.Order.Status)
	assert.Equal(t, domain.PaymentStatusCanceled, v.Payments[0].Status)

	_, err = f.rec.Initiate(ctx, userID, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestReconciler_CancelRejectedWhenSessionCompleted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	o := f.pendingOrder(t, userID)
	p, err := f.rec.Initiate(ctx, userID, o.ID)
	require.NoError(t, err)
	f.proc.Complete(p.SessionRef)

	_, err = f.rec.Cancel(ctx, userID, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.OrderStatusPending, f.view(t, userID, o.ID).Order.Status)
}

func TestReconciler_CancelPaidOrder(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	o, _ := f.paidOrder(t, userID)
	_, err := f.rec.Cancel(context.Background(), userID, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReconciler_Refund(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	o, _ := f.paidOrder(t, userID)

	p, err := f.rec.Refund(ctx, userID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, p.Status)

	v := f.view(t, userID, o.ID)
	assert.Equal(t, domain.OrderStatusPaid, v.Order.Status)
	assert.True(t, v.Refunded)

	// the processor's own refund notice arrives afterwards
	require.NoError(t, f.rec.ApplyNotification(ctx, domain.Notification{
		IdempotencyID: "evt_refund", IntentRef: *p.IntentRef, Status: domain.PaymentStatusRefunded,
	}))
	h, err := f.rec.History(ctx, userID, o.ID)
	require.NoError(t, err)
	assert.Len(t, h.Transitions, 2)

	again, err := f.rec.Refund(ctx, userID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, 1, f.proc.Calls().Refunded)
}

func TestReconciler_RefundViaNotification(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	o, _ := f.paidOrder(t, userID)

	require.NoError(t, f.rec.ApplyNotification(ctx, domain.Notification{
		IdempotencyID: "evt_refund", IntentRef: "pi_" + o.ID.String(), Status: domain.PaymentStatusRefunded,
	}))
	v := f.view(t, userID, o.ID)
	assert.True(t, v.Refunded)
	assert.Equal(t, domain.OrderStatusPaid, v.Order.Status)
}

func TestReconciler_ConcurrentRefunds(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	o, _ := f.paidOrder(t, userID)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.Refund(context.Background(), userID, o.ID)
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrConflict)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.proc.Calls().Refunded)
	assert.True(t, f.view(t, userID, o.ID).Refunded)
}

func TestReconciler_RefundFailureCanBeRetried(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	o, _ := f.paidOrder(t, userID)

	f.proc.FailNext(1)
	_, err := f.rec.Refund(ctx, userID, o.ID)
	assert.ErrorIs(t, err, domain.ErrExternalUnavailable)

	p, err := f.rec.Refund(ctx, userID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, p.Status)
}

func TestReconciler_RefundUnpaidOrder(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	o := f.pendingOrder(t, userID)
	_, err := f.rec.Refund(context.Background(), userID, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestReconciler_ConcurrentConflictingNotifications(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	d := NewDispatcher(f.rec, 4, logger.Discard())
	d.Start()
	defer d.Stop()

	for round := 0; round < 10; round++ {
		userID := uuid.New()
		o := f.pendingOrder(t, userID)
		p, err := f.rec.Initiate(ctx, userID, o.ID)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			status := domain.PaymentStatusSuccessful
			if i%2 == 1 {
				status = domain.PaymentStatusCanceled
			}
			n := domain.Notification{
				IdempotencyID: fmt.Sprintf("evt_%d_%d", round, i%4),
				SessionRef:    p.SessionRef,
				OrderID:       o.ID.String(),
				Status:        status,
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, d.Submit(ctx, n))
			}()
		}
		wg.Wait()

		h, err := f.rec.History(ctx, userID, o.ID)
		require.NoError(t, err)
		assert.Len(t, h.Transitions, 1, "round %d", round)
		f.view(t, userID, o.ID)
	}
}

package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/order"
	"github.com/fjod/go_cinema/internal/processor"
	"github.com/fjod/go_cinema/internal/repository"
	"github.com/google/uuid"
)

var ErrRefundInProgress = fmt.Errorf("%w: refund already requested", domain.ErrConflict)

// Reconciler keeps payments and their orders in step with the processor.
// Processor calls are never made while a row lock is held.
type Reconciler struct {
	store  repository.Store
	orders *order.Service
	proc   processor.Processor
	log    *slog.Logger
	now    func() time.Time
}

func NewReconciler(store repository.Store, orders *order.Service, proc processor.Processor, log *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		orders: orders,
		proc:   proc,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RefundPayload is published on payment.refunded outbox events.
type RefundPayload struct {
	OrderID   uuid.UUID    `json:"order_id"`
	PaymentID uuid.UUID    `json:"payment_id"`
	UserID    uuid.UUID    `json:"user_id"`
	Amount    domain.Money `json:"amount"`
}

// History is the payment record of one order.
type History struct {
	Payments    []*domain.Payment           `json:"payments"`
	Transitions []*domain.PaymentTransition `json:"transitions"`
}

// Initiate opens a processor session for a PENDING order. An open PENDING
// payment is returned as is, so retries never create a second session.
func (r *Reconciler) Initiate(ctx context.Context, userID, orderID uuid.UUID) (*domain.Payment, error) {
	var (
		o    *domain.Order
		open *domain.Payment
	)
	err := r.store.WithTx(ctx, func(q repository.Queries) error {
		var err error
		o, err = ownedOrder(ctx, q.GetOrder, userID, orderID)
		if err != nil {
			return err
		}
		payments, err := q.ListPaymentsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		open, err = checkPayable(o, payments)
		return err
	})
	if err != nil {
		return nil, err
	}
	if open != nil {
		return open, nil
	}

	// Keyed by the new payment id: a session expired after a failed store
	// write must never be replayed into a later attempt.
	paymentID := uuid.New()
	sess, err := r.proc.CreateSession(ctx, processor.SessionRequest{
		OrderID:        o.ID,
		UserID:         o.UserID,
		Amount:         o.TotalAmount,
		Currency:       o.Currency,
		Items:          o.Items,
		IdempotencyKey: "session:" + paymentID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("create payment session for order %s: %w", o.ID, err)
	}

	now := r.now()
	p := &domain.Payment{
		ID:          paymentID,
		OrderID:     o.ID,
		UserID:      o.UserID,
		Amount:      o.TotalAmount,
		SessionRef:  sess.Ref,
		CheckoutURL: sess.URL,
		Status:      domain.PaymentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = r.store.WithTx(ctx, func(q repository.Queries) error {
		locked, err := q.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		payments, err := q.ListPaymentsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		// the order may have moved on while the session was being created
		open, err = checkPayable(locked, payments)
		if err != nil || open != nil {
			return err
		}
		return q.CreatePayment(ctx, p)
	})
	if errors.Is(err, repository.ErrDuplicatePayment) {
		// a concurrent Initiate stored the same session first
		return r.openPayment(ctx, orderID, sess.Ref)
	}
	if err != nil {
		r.expireQuietly(ctx, sess.Ref)
		return nil, err
	}
	if open != nil {
		if open.SessionRef != sess.Ref {
			r.expireQuietly(ctx, sess.Ref)
		}
		return open, nil
	}

	r.log.InfoContext(ctx, "payment initiated", "order_id", o.ID, "payment_id", p.ID, "session_ref", p.SessionRef)
	return p, nil
}

func (r *Reconciler) openPayment(ctx context.Context, orderID uuid.UUID, sessionRef string) (*domain.Payment, error) {
	var p *domain.Payment
	err := r.store.WithTx(ctx, func(q repository.Queries) (err error) {
		p, err = q.GetPaymentBySession(ctx, sessionRef)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p.OrderID != orderID {
		return nil, fmt.Errorf("%w: session %s belongs to another order", domain.ErrInvalidState, sessionRef)
	}
	return p, nil
}

func (r *Reconciler) expireQuietly(ctx context.Context, sessionRef string) {
	if err := r.proc.ExpireSession(ctx, sessionRef); err != nil {
		r.log.WarnContext(ctx, "failed to expire unused payment session", "session_ref", sessionRef, "error", err)
	}
}

// checkPayable returns the open PENDING payment if there is one, or an error
// when the order can no longer be paid.
func checkPayable(o *domain.Order, payments []*domain.Payment) (*domain.Payment, error) {
	if o.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidState, o.ID, o.Status)
	}
	var open *domain.Payment
	for _, p := range payments {
		switch p.Status {
		case domain.PaymentStatusSuccessful, domain.PaymentStatusRefunded:
			return nil, fmt.Errorf("%w: order %s already has a settled payment", domain.ErrInvalidState, o.ID)
		case domain.PaymentStatusPending:
			open = p
		}
	}
	return open, nil
}

// ApplyNotification applies one processor notification exactly once.
// Duplicates, notifications for unknown payments and stale notifications are
// recorded and acknowledged without changing state.
func (r *Reconciler) ApplyNotification(ctx context.Context, n domain.Notification) error {
	if n.IdempotencyID == "" || !n.Status.Valid() || (n.SessionRef == "" && n.IntentRef == "") {
		return fmt.Errorf("%w: malformed payment notification", domain.ErrValidation)
	}

	ref := n.SessionRef
	if ref == "" {
		ref = n.IntentRef
	}
	logger := r.log.With("event_id", n.IdempotencyID, "ref", ref, "status", n.Status)

	return r.store.WithTx(ctx, func(q repository.Queries) error {
		inserted, err := q.InsertPaymentEvent(ctx, &domain.PaymentEvent{
			IdempotencyID: n.IdempotencyID,
			SessionRef:    ref,
			Status:        n.Status,
			Outcome:       domain.OutcomeApplied,
			ReceivedAt:    r.now(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			logger.DebugContext(ctx, "duplicate payment notification ignored")
			return nil
		}

		p, err := r.resolvePayment(ctx, q, n)
		if errors.Is(err, repository.ErrPaymentNotFound) {
			logger.WarnContext(ctx, "payment notification for unknown payment")
			return q.SetPaymentEventOutcome(ctx, n.IdempotencyID, domain.OutcomeUnknown)
		}
		if err != nil {
			return err
		}

		o, err := q.LockOrder(ctx, p.OrderID)
		if err != nil {
			return err
		}
		// re-read under the order lock
		if p, err = r.resolvePayment(ctx, q, n); err != nil {
			return err
		}

		if reason := staleReason(o, p, n.Status); reason != "" {
			logger.WarnContext(ctx, "stale payment notification ignored",
				"order_id", o.ID, "payment_id", p.ID, "payment_status", p.Status, "reason", reason)
			return q.SetPaymentEventOutcome(ctx, n.IdempotencyID, domain.OutcomeStale)
		}

		if n.IntentRef != "" && p.IntentRef == nil {
			intent := n.IntentRef
			p.IntentRef = &intent
		}
		if err := r.applyPaymentStatus(ctx, q, o, p, n.Status, n.IdempotencyID); err != nil {
			return err
		}
		logger.InfoContext(ctx, "payment notification applied", "order_id", o.ID, "payment_id", p.ID)
		return nil
	})
}

func (r *Reconciler) resolvePayment(ctx context.Context, q repository.Queries, n domain.Notification) (*domain.Payment, error) {
	if n.SessionRef != "" {
		return q.GetPaymentBySession(ctx, n.SessionRef)
	}
	return q.GetPaymentByIntent(ctx, n.IntentRef)
}

func staleReason(o *domain.Order, p *domain.Payment, to domain.PaymentStatus) string {
	if !p.Status.CanTransitionTo(to) {
		return "payment transition not allowed"
	}
	if to == domain.PaymentStatusSuccessful {
		if _, changed, err := domain.NextOrderStatus(o.Status, domain.EventPaymentSucceeded); err != nil || !changed {
			// a second success for a settled or canceled order needs a manual refund
			return "order is " + string(o.Status)
		}
	}
	return ""
}

// applyPaymentStatus moves p to status, records the transition and carries the
// order along. The order row must be locked by the caller.
func (r *Reconciler) applyPaymentStatus(ctx context.Context, q repository.Queries, o *domain.Order, p *domain.Payment, to domain.PaymentStatus, eventID string) error {
	from := p.Status
	at := r.now()
	p.Status = to
	p.UpdatedAt = at
	if err := q.UpdatePayment(ctx, p); err != nil {
		return err
	}
	if err := q.AddPaymentTransition(ctx, &domain.PaymentTransition{
		PaymentID: p.ID,
		From:      from,
		To:        to,
		EventID:   eventID,
		At:        at,
	}); err != nil {
		return err
	}

	switch to {
	case domain.PaymentStatusSuccessful:
		_, _, err := r.orders.Transition(ctx, q, o.ID, domain.EventPaymentSucceeded)
		return err
	case domain.PaymentStatusRefunded:
		ev, err := domain.NewOutboxEvent(o.ID.String(), domain.EventPaymentRefund, RefundPayload{
			OrderID:   o.ID,
			PaymentID: p.ID,
			UserID:    p.UserID,
			Amount:    p.Amount,
		})
		if err != nil {
			return err
		}
		return q.AddOutboxEvent(ctx, ev)
	}
	return nil
}

// Cancel cancels a PENDING order. Open processor sessions are expired first so
// that no payment can complete for a canceled order.
func (r *Reconciler) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error) {
	var (
		o    *domain.Order
		open []*domain.Payment
	)
	err := r.store.WithTx(ctx, func(q repository.Queries) error {
		var err error
		o, err = ownedOrder(ctx, q.GetOrder, userID, orderID)
		if err != nil {
			return err
		}
		if _, _, err := domain.NextOrderStatus(o.Status, domain.EventCanceled); err != nil {
			return err
		}
		payments, err := q.ListPaymentsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for _, p := range payments {
			if p.Status == domain.PaymentStatusPending {
				open = append(open, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if o.Status == domain.OrderStatusCanceled {
		return o, nil
	}

	for _, p := range open {
		err := r.proc.ExpireSession(ctx, p.SessionRef)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("expire payment session %s: %w", p.SessionRef, err)
		}
	}

	err = r.store.WithTx(ctx, func(q repository.Queries) error {
		var err error
		o, _, err = r.orders.Transition(ctx, q, orderID, domain.EventCanceled)
		if err != nil {
			return err
		}
		payments, err := q.ListPaymentsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for _, p := range payments {
			if p.Status != domain.PaymentStatusPending {
				continue
			}
			if err := r.applyPaymentStatus(ctx, q, o, p, domain.PaymentStatusCanceled, "cancel:"+orderID.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "order canceled", "order_id", orderID, "expired_sessions", len(open))
	return o, nil
}

// Refund refunds the settled payment of a PAID order. RefundRequestedAt marks
// the request so that concurrent refunds reach the processor once.
func (r *Reconciler) Refund(ctx context.Context, userID, orderID uuid.UUID) (*domain.Payment, error) {
	var p *domain.Payment
	err := r.store.WithTx(ctx, func(q repository.Queries) error {
		o, err := ownedOrder(ctx, q.LockOrder, userID, orderID)
		if err != nil {
			return err
		}
		payments, err := q.ListPaymentsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for _, candidate := range payments {
			switch candidate.Status {
			case domain.PaymentStatusRefunded:
				p = candidate
				return nil
			case domain.PaymentStatusSuccessful:
				p = candidate
			}
		}
		if p == nil {
			return fmt.Errorf("%w: order %s is %s without a settled payment", domain.ErrInvalidState, o.ID, o.Status)
		}
		if p.IntentRef == nil {
			return fmt.Errorf("%w: payment %s has no intent reference", domain.ErrInvalidState, p.ID)
		}
		if p.RefundRequestedAt != nil {
			return ErrRefundInProgress
		}
		at := r.now()
		p.RefundRequestedAt = &at
		p.UpdatedAt = at
		return q.UpdatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	if p.Status == domain.PaymentStatusRefunded {
		return p, nil
	}

	refundRef, err := r.proc.Refund(ctx, *p.IntentRef, "refund:"+p.ID.String())
	if err != nil {
		r.clearRefundRequest(ctx, p.ID, orderID)
		return nil, fmt.Errorf("refund payment %s: %w", p.ID, err)
	}

	err = r.store.WithTx(ctx, func(q repository.Queries) error {
		o, err := q.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		current, err := findPayment(ctx, q, orderID, p.ID)
		if err != nil {
			return err
		}
		p = current
		if p.Status != domain.PaymentStatusSuccessful {
			// the refund webhook got here first
			return nil
		}
		return r.applyPaymentStatus(ctx, q, o, p, domain.PaymentStatusRefunded, "refund:"+refundRef)
	})
	if err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "payment refunded", "order_id", orderID, "payment_id", p.ID, "refund_ref", refundRef)
	return p, nil
}

func (r *Reconciler) clearRefundRequest(ctx context.Context, paymentID, orderID uuid.UUID) {
	err := r.store.WithTx(ctx, func(q repository.Queries) error {
		if _, err := q.LockOrder(ctx, orderID); err != nil {
			return err
		}
		p, err := findPayment(ctx, q, orderID, paymentID)
		if err != nil {
			return err
		}
		p.RefundRequestedAt = nil
		p.UpdatedAt = r.now()
		return q.UpdatePayment(ctx, p)
	})
	if err != nil {
		r.log.ErrorContext(ctx, "failed to clear refund request", "payment_id", paymentID, "error", err)
	}
}

func (r *Reconciler) History(ctx context.Context, userID, orderID uuid.UUID) (*History, error) {
	h := &History{}
	err := r.store.WithTx(ctx, func(q repository.Queries) error {
		if _, err := ownedOrder(ctx, q.GetOrder, userID, orderID); err != nil {
			return err
		}
		var err error
		if h.Payments, err = q.ListPaymentsByOrder(ctx, orderID); err != nil {
			return err
		}
		h.Transitions, err = q.ListPaymentTransitions(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func ownedOrder(ctx context.Context, get func(context.Context, uuid.UUID) (*domain.Order, error), userID, orderID uuid.UUID) (*domain.Order, error) {
	o, err := get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

func findPayment(ctx context.Context, q repository.Queries, orderID, paymentID uuid.UUID) (*domain.Payment, error) {
	payments, err := q.ListPaymentsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if p.ID == paymentID {
			return p, nil
		}
	}
	return nil, repository.ErrPaymentNotFound
}

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusPaid     OrderStatus = "PAID"
	OrderStatusCanceled OrderStatus = "CANCELED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusCanceled:
		return true
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusPaid || s == OrderStatusCanceled
}

func (s OrderStatus) String() string {
	return string(s)
}

// OrderEvent drives the order state machine.
type OrderEvent string

const (
	EventPaymentSucceeded OrderEvent = "PAYMENT_SUCCEEDED"
	EventCanceled         OrderEvent = "CANCELED"
)

// OrderEvents lists every event, used by exhaustive table checks.
var OrderEvents = []OrderEvent{EventPaymentSucceeded, EventCanceled}

// OrderStatuses lists every status.
var OrderStatuses = []OrderStatus{OrderStatusPending, OrderStatusPaid, OrderStatusCanceled}

var orderTransitions = map[OrderStatus]map[OrderEvent]OrderStatus{
	OrderStatusPending: {
		EventPaymentSucceeded: OrderStatusPaid,
		EventCanceled:         OrderStatusCanceled,
	},
	OrderStatusPaid:     {},
	OrderStatusCanceled: {},
}

// NextOrderStatus returns the status reached by applying ev in s.
// Applying an event whose target equals the current status is a no-op and
// reports changed=false.
func NextOrderStatus(s OrderStatus, ev OrderEvent) (next OrderStatus, changed bool, err error) {
	if to, ok := orderTransitions[s][ev]; ok {
		return to, true, nil
	}
	if target, ok := orderTransitions[OrderStatusPending][ev]; ok && target == s {
		return s, false, nil
	}
	return s, false, &IllegalTransitionError{Entity: "order", From: string(s), Event: string(ev)}
}

type OrderItem struct {
	ItemID   int64  `json:"item_id" db:"item_id"`
	Name     string `json:"name" db:"name"`
	Price    Money  `json:"price" db:"price"`
	Quantity int    `json:"quantity" db:"quantity"`
}

type Order struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	UserID         uuid.UUID   `json:"user_id" db:"user_id"`
	CartVersion    int64       `json:"cart_version" db:"cart_version"`
	IdempotencyKey *string     `json:"idempotency_key,omitempty" db:"idempotency_key"`
	TotalAmount    Money       `json:"total_amount" db:"total_amount"`
	Currency       string      `json:"currency" db:"currency"`
	Status         OrderStatus `json:"status" db:"status"`
	Items          []OrderItem `json:"items" db:"-"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// NewOrderFromSnapshot builds a PENDING order. The total is fixed here and
// never recomputed.
func NewOrderFromSnapshot(s CartSnapshot, idempotencyKey string, now time.Time) (*Order, error) {
	if len(s.Items) == 0 {
		return nil, ErrEmptyCart
	}
	items := make([]OrderItem, len(s.Items))
	var total Money
	for i, it := range s.Items {
		items[i] = OrderItem{ItemID: it.ItemID, Name: it.Name, Price: it.UnitPrice, Quantity: 1}
		total += it.UnitPrice * Money(items[i].Quantity)
	}
	o := &Order{
		ID:          uuid.New(),
		UserID:      s.UserID,
		CartVersion: s.Version,
		TotalAmount: total,
		Currency:    Currency,
		Status:      OrderStatusPending,
		Items:       items,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if idempotencyKey != "" {
		o.IdempotencyKey = &idempotencyKey
	}
	return o, nil
}

func (o *Order) ContainsItem(itemID int64) bool {
	for _, it := range o.Items {
		if it.ItemID == itemID {
			return true
		}
	}
	return false
}

// CheckConsistency verifies that the order status agrees with its payments:
// any SUCCESSFUL or REFUNDED payment implies PAID, otherwise PENDING or CANCELED.
func CheckConsistency(o *Order, payments []*Payment) error {
	settled := 0
	for _, p := range payments {
		if p.Status == PaymentStatusSuccessful || p.Status == PaymentStatusRefunded {
			settled++
		}
	}
	if settled > 1 {
		return fmt.Errorf("%w: order %s has %d settled payments", ErrInvalidState, o.ID, settled)
	}
	if settled == 1 && o.Status != OrderStatusPaid {
		return fmt.Errorf("%w: order %s is %s with a settled payment", ErrInvalidState, o.ID, o.Status)
	}
	if settled == 0 && o.Status == OrderStatusPaid {
		return fmt.Errorf("%w: order %s is PAID without a settled payment", ErrInvalidState, o.ID)
	}
	return nil
}

// OrderView is the user-visible order with its payments.
type OrderView struct {
	Order    *Order     `json:"order"`
	Payments []*Payment `json:"payments"`
	Refunded bool       `json:"refunded"`
}

func NewOrderView(o *Order, payments []*Payment) *OrderView {
	v := &OrderView{Order: o, Payments: payments}
	for _, p := range payments {
		if p.Status == PaymentStatusRefunded {
			v.Refunded = true
		}
	}
	return v
}

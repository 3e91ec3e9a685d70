package domain

import (
	"time"

	"github.com/google/uuid"
)

type CartItem struct {
	ItemID    int64     `json:"item_id" bson:"item_id" db:"item_id"`
	Name      string    `json:"name" bson:"name" db:"name"`
	UnitPrice Money     `json:"unit_price" bson:"unit_price" db:"unit_price"`
	AddedAt   time.Time `json:"added_at" bson:"added_at" db:"added_at"`
}

type Cart struct {
	UserID    uuid.UUID  `json:"user_id" bson:"user_id"`
	Version   int64      `json:"version" bson:"version"`
	Items     []CartItem `json:"items" bson:"items"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
}

// Contains reports whether the cart already holds itemID.
func (c *Cart) Contains(itemID int64) bool {
	for _, it := range c.Items {
		if it.ItemID == itemID {
			return true
		}
	}
	return false
}

func (c *Cart) Total() Money {
	var total Money
	for _, it := range c.Items {
		total += it.UnitPrice
	}
	return total
}

// CartSnapshot is an immutable copy of a cart taken at checkout time.
type CartSnapshot struct {
	UserID     uuid.UUID  `json:"user_id"`
	Version    int64      `json:"version"`
	Items      []CartItem `json:"items"`
	Total      Money      `json:"total"`
	CapturedAt time.Time  `json:"captured_at"`
}

// NewSnapshot copies the cart so later mutation cannot leak into the snapshot.
func NewSnapshot(c *Cart, now time.Time) CartSnapshot {
	items := make([]CartItem, len(c.Items))
	copy(items, c.Items)
	return CartSnapshot{
		UserID:     c.UserID,
		Version:    c.Version,
		Items:      items,
		Total:      c.Total(),
		CapturedAt: now,
	}
}

func (s CartSnapshot) ItemIDs() []int64 {
	ids := make([]int64, len(s.Items))
	for i, it := range s.Items {
		ids[i] = it.ItemID
	}
	return ids
}

// CatalogItem is what the catalog reports for a purchasable item.
type CatalogItem struct {
	ID    int64
	Name  string
	Price Money
}

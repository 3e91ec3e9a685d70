package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency is fixed for the whole store.
const Currency = "usd"

// Money is an amount in minor currency units (cents).
type Money int64

// ParseMoney converts a decimal string like "12.00" into minor units.
// Amounts with more than two fractional digits are rejected.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrValidation, s)
	}
	return FromDecimal(d)
}

// FromDecimal converts a major-unit decimal into Money.
func FromDecimal(d decimal.Decimal) (Money, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", ErrValidation, d)
	}
	cents := d.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %s has sub-cent precision", ErrValidation, d)
	}
	return Money(cents.IntPart()), nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

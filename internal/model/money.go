package model

import (
	"github.com/shopspring/decimal"
)

// Money is a rupee amount that always renders with two decimal places.
type Money struct {
	decimal.Decimal
}

// NewMoney rounds f to paise.
func NewMoney(f float64) Money {
	return Money{decimal.NewFromFloat(f).Round(2)}
}

// MoneyFrom wraps d rounded to paise.
func MoneyFrom(d decimal.Decimal) Money {
	return Money{d.Round(2)}
}

// String renders the amount with exactly two decimals.
func (m Money) String() string {
	return m.StringFixed(2)
}

// Float returns the amount as float64.
func (m Money) Float() float64 {
	f, _ := m.Float64()
	return f
}

// MarshalJSON emits a JSON number with two decimals, e.g. 1300.00.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.StringFixed(2)), nil
}

// UnmarshalJSON accepts both quoted and bare numbers.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	m.Decimal = d.Round(2)
	return nil
}

// Round2 rounds f to two decimals using decimal arithmetic.
func Round2(f float64) float64 {
	r, _ := decimal.NewFromFloat(f).Round(2).Float64()
	return r
}

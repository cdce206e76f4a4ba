// Package money holds monetary amounts as integer minor units. Decimal values
// only appear at the edges, when parsing input or rendering output.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("money: invalid amount")
	ErrPrecision     = errors.New("money: amount is below the currency's minor unit")
)

// Amount is a quantity of a currency's minor unit (cents for USD).
type Amount int64

// Currency describes how many decimal places the minor unit represents.
type Currency struct {
	Code     string
	Exponent int32
}

var USD = Currency{Code: "USD", Exponent: 2}

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// ParseAmount parses a decimal string such as "1000.00" into minor units.
func ParseAmount(s string, c Currency) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d, c)
}

// FromDecimal converts d to minor units with banker's rounding. A non-zero
// value that rounds to zero is rejected rather than silently dropped.
func FromDecimal(d decimal.Decimal, c Currency) (Amount, error) {
	minor := d.Shift(c.Exponent)
	rounded := minor.RoundBank(0)
	if rounded.IsZero() && !d.IsZero() {
		return 0, fmt.Errorf("%w: %s %s", ErrPrecision, d.String(), c.Code)
	}
	if rounded.GreaterThan(maxAmount) || rounded.LessThan(maxAmount.Neg()) {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, d.String())
	}
	return Amount(rounded.IntPart()), nil
}

// Decimal renders a back in major units.
func (a Amount) Decimal(c Currency) decimal.Decimal {
	return decimal.New(int64(a), -c.Exponent)
}

// Format renders a with exactly the currency's number of decimal places.
func (a Amount) Format(c Currency) string {
	return a.Decimal(c).StringFixed(c.Exponent)
}

// MulPercent returns a × pct / 100 in minor units, rounded half to even.
func (a Amount) MulPercent(pct decimal.Decimal) Amount {
	v := decimal.NewFromInt(int64(a)).Mul(pct).Shift(-2).RoundBank(0)
	return Amount(v.IntPart())
}

// Sum adds amounts.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total += a
	}
	return total
}

// Package money provides shared currency parsing, formatting and
// minor-unit conversion.
//
// Amounts are decimal.Decimal values with exactly two fractional digits
// (USD). The payment processor only ever sees integer minor units (cents),
// so conversions happen at that boundary and nowhere else.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of the settlement currency.
const Decimals = 2

var (
	ErrEmpty     = errors.New("money: amount is required")
	ErrInvalid   = errors.New("money: invalid amount format")
	ErrNegative  = errors.New("money: amount must not be negative")
	ErrPrecision = errors.New("money: amount has more than 2 decimal places")
)

var (
	// MinimumPayment is the smallest gross amount accepted for a held charge.
	MinimumPayment = decimal.NewFromInt(1)
	// MinimumWithdrawal is the smallest payout a freelancer may request.
	MinimumWithdrawal = decimal.NewFromInt(1)
)

var hundred = decimal.NewFromInt(100)

// Parse converts a decimal string (e.g. "950.00") to a Decimal.
//
// Rules:
//   - Empty strings and non-numeric input are rejected
//   - Negative amounts are rejected
//   - More than two fractional digits are rejected rather than rounded
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrEmpty
	}
	if strings.ContainsAny(s, "eE") {
		return decimal.Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	if !d.Equal(d.Truncate(Decimals)) {
		return decimal.Zero, ErrPrecision
	}
	return d, nil
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ToMinor converts an amount to integer minor units. Sub-cent fractions are
// rounded half-up; callers are expected to pass already-rounded values.
func ToMinor(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

// FromMinor converts integer minor units back to a decimal amount.
func FromMinor(units int64) decimal.Decimal {
	return decimal.New(units, -Decimals)
}

// Format renders an amount with exactly two decimals (e.g. "950.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Decimals)
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Package fees computes the platform fee taken from a held charge.
//
// The fee is gross × rate rounded half-up to the cent, and the freelancer
// receives the remainder. Net is derived by subtraction, never by a second
// rounding, so fee + net always equals gross exactly.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/trackerjam/escrow/internal/money"
)

// DefaultRate is the platform's 5% commission.
var DefaultRate = decimal.RequireFromString("0.05")

var ErrInvalidRate = errors.New("fees: rate must be in [0, 1)")

// Breakdown is the split of a gross amount.
type Breakdown struct {
	Gross decimal.Decimal `json:"gross"`
	Fee   decimal.Decimal `json:"fee"`
	Net   decimal.Decimal `json:"net"`
}

// FeeMinor is the fee in minor units, as sent to the processor.
func (b Breakdown) FeeMinor() int64 { return money.ToMinor(b.Fee) }

// GrossMinor is the gross amount in minor units.
func (b Breakdown) GrossMinor() int64 { return money.ToMinor(b.Gross) }

// Policy holds the commission rate.
type Policy struct {
	rate decimal.Decimal
}

// NewPolicy returns a policy charging rate on every gross amount.
func NewPolicy(rate decimal.Decimal) (Policy, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Policy{}, ErrInvalidRate
	}
	return Policy{rate: rate}, nil
}

// Default returns the 5% policy.
func Default() Policy {
	return Policy{rate: DefaultRate}
}

// Rate returns the commission rate.
func (p Policy) Rate() decimal.Decimal {
	return p.rate
}

// Compute splits gross into fee and net. It does not enforce minimums;
// callers reject amounts below money.MinimumPayment first.
func (p Policy) Compute(gross decimal.Decimal) Breakdown {
	fee := gross.Mul(p.rate).Round(money.Decimals)
	return Breakdown{
		Gross: gross,
		Fee:   fee,
		Net:   gross.Sub(fee),
	}
}

// Compute splits gross using the default 5% policy.
func Compute(gross decimal.Decimal) Breakdown {
	return Default().Compute(gross)
}

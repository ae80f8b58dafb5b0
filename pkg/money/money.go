// Package money is the single sanctioned way to round, combine, and compare
// monetary values in the core. All amounts are exact decimals; binary floats
// never survive past the package boundary.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// DefaultScale is the canonical number of decimal places for monetary values.
const DefaultScale int32 = 4

// ErrInvalidAmount marks non-finite or unparseable monetary input. It is a
// caller bug, never retried.
var ErrInvalidAmount = errors.New("invalid monetary amount")

// Round quantizes d to the given scale using half-away-from-zero rounding:
// ties round outward from zero, so 1.23445 → 1.2345 and -1.23445 → -1.2345.
//
// Rounding is idempotent: Round(Round(x, s), s) == Round(x, s). Because the
// representation is an exact decimal, no epsilon nudge is needed.
func Round(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.Round(scale)
}

// RoundDefault quantizes d to DefaultScale.
func RoundDefault(d decimal.Decimal) decimal.Decimal {
	return Round(d, DefaultScale)
}

// FromFloat converts a float64 into an exact decimal, rejecting NaN and ±Inf
// with ErrInvalidAmount.
func FromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrInvalidAmount, f)
	}
	return decimal.NewFromFloat(f), nil
}

// Parse converts a decimal string into an exact decimal, wrapping parse
// failures in ErrInvalidAmount.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// Sum adds amounts without intermediate rounding. Callers round the result
// once via Round when persisting or comparing.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Equal reports whether two amounts are canonically equal at the given scale.
func Equal(a, b decimal.Decimal, scale int32) bool {
	return Round(a, scale).Equal(Round(b, scale))
}

// Package credits defines the platform's monetary unit. One credit is one
// US cent. Credits are plain integers end to end; dollars exist only at
// external boundaries (Stripe amounts, cap settings, API responses).
package credits

import "math"

// Credits is an integer count of US cents.
type Credits int64

// FromDollars converts a boundary dollar amount to credits, rounding half
// away from zero. This is the only place float math touches money.
func FromDollars(d float64) Credits {
	if d >= 0 {
		return Credits(math.Floor(d*100 + 0.5))
	}
	return Credits(math.Ceil(d*100 - 0.5))
}

// ToDollars converts credits to a dollar amount for display and API bodies.
func (c Credits) ToDollars() float64 {
	return float64(c) / 100
}

// ApplyMarginPercent returns c scaled by (100+percent)/100, rounded up so a
// fractional cent never rounds in the tenant's favour.
func (c Credits) ApplyMarginPercent(percent int) Credits {
	if c <= 0 {
		return c
	}
	scaled := int64(c) * int64(100+percent)
	return Credits((scaled + 99) / 100)
}

// Int64 returns the raw cent count for SQL parameters.
func (c Credits) Int64() int64 {
	return int64(c)
}

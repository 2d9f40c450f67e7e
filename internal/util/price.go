// Package util provides common numeric helpers for money values.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// SharesPerContract is the standard equity option multiplier.
const SharesPerContract = 100

// RoundCents rounds x to the nearest cent, ties away from zero.
// Non-finite input collapses to 0.
func RoundCents(x float64) float64 {
	if !IsFinite(x) {
		return 0
	}
	f, _ := decimal.NewFromFloat(x).Round(2).Float64()
	return f
}

// IsFinite reports whether x is neither NaN nor ±Inf.
func IsFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

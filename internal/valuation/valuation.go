// Package valuation marks open trades to market with a bounded heuristic.
// It is not an options-pricing model: it blends time decay toward the
// credit received with an asymmetric underlying-movement term.
package valuation

import (
	"math"
	"time"

	"github.com/eddiefleurent/spread_ledger/internal/models"
	"github.com/eddiefleurent/spread_ledger/internal/util"
)

// Calibration constants. They are tuning values, not financial truth.
const (
	DefaultDaysAtEntry = 35
	DecayExponent      = 0.7
	DecayWeight        = 0.7
	MovementWeight     = 0.3
	FavorableScale     = 2.0
	FavorableCap       = 0.3
	AdverseScale       = 3.0
	AdverseFloor       = -0.5
)

// Mark is the market context a trade is valued against. An UnderlyingPrice
// of zero means the current price is unknown.
type Mark struct {
	Now             time.Time
	UnderlyingPrice float64
}

// Result is the valuation of one open trade.
type Result struct {
	UnrealizedPnL float64
	DaysRemaining int
}

// Value computes the mark-to-market P&L of t. It never panics and always
// returns finite numbers within [-MaxLoss, MaxProfit].
func Value(t models.Trade, m Mark) Result {
	now := m.Now
	if now.IsZero() {
		now = time.Now()
	}

	remaining := DaysRemaining(t.Expiration, now)

	daysAtEntry := t.DTEAtEntry()
	if daysAtEntry <= 0 {
		daysAtEntry = DefaultDaysAtEntry
	}
	held := math.Max(0, float64(daysAtEntry-remaining))
	decay := math.Min(1, math.Pow(held/float64(daysAtEntry), DecayExponent))

	factor := movementFactor(t.Strategy.Bullish(), t.EntryUnderlyingPrice(), m.UnderlyingPrice)

	raw := t.MaxProfit*decay*DecayWeight + t.MaxProfit*factor*MovementWeight
	if !util.IsFinite(raw) {
		return Result{UnrealizedPnL: 0, DaysRemaining: remaining}
	}

	lo, hi := -math.Abs(t.MaxLoss), math.Abs(t.MaxProfit)
	return Result{
		UnrealizedPnL: util.RoundCents(util.Clamp(raw, lo, hi)),
		DaysRemaining: remaining,
	}
}

// DaysRemaining is the whole days until expiration, rounded up, never
// negative.
func DaysRemaining(expiration, now time.Time) int {
	if expiration.IsZero() {
		return 0
	}
	days := math.Ceil(expiration.Sub(now).Hours() / 24)
	if days <= 0 || math.IsNaN(days) {
		return 0
	}
	return int(days)
}

// movementFactor scores the relative move of the underlying in the
// strategy's favorable direction. Gains are capped sooner than losses.
func movementFactor(bullish bool, entry, current float64) float64 {
	if entry <= 0 || current <= 0 || !util.IsFinite(entry) || !util.IsFinite(current) {
		return 0
	}

	rel := (current - entry) / entry
	if !bullish {
		rel = -rel
	}

	if rel >= 0 {
		return math.Min(FavorableScale*rel, FavorableCap)
	}
	return math.Max(AdverseScale*rel, AdverseFloor)
}

// Apply populates the computed fields of every open trade in place and
// clears them on closed trades.
func Apply(trades []models.Trade, mark func(models.Trade) Mark) {
	for i := range trades {
		tr := &trades[i]
		if !tr.IsOpen() {
			tr.ClearComputed()
			continue
		}
		res := Value(*tr, mark(*tr))
		pnl := res.UnrealizedPnL
		days := res.DaysRemaining
		tr.UnrealizedPnL = &pnl
		tr.DaysRemaining = &days
	}
}

// At returns a mark function that values every trade at now with an unknown
// underlying price.
func At(now time.Time) func(models.Trade) Mark {
	return func(models.Trade) Mark {
		return Mark{Now: now}
	}
}

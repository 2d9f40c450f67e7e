package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/eddiefleurent/spread_ledger/internal/util"
)

// StrikeMatchEpsilon is the tolerance used when comparing strikes.
const StrikeMatchEpsilon = 1e-3

var (
	// ErrInvalidTrade is returned when a trade violates a field invariant.
	ErrInvalidTrade = errors.New("invalid trade")
	// ErrNotOpen is returned when closing a trade that is already closed.
	ErrNotOpen = errors.New("trade is not open")
)

// Strategy is the kind of position a trade represents.
type Strategy string

const (
	StrategyBullPutSpread  Strategy = "bull_put_spread"
	StrategyBearCallSpread Strategy = "bear_call_spread"
	StrategyNaked          Strategy = "naked" // Unmatched single short leg
)

// Valid returns true if the Strategy is one of the defined constants.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyBullPutSpread, StrategyBearCallSpread, StrategyNaked:
		return true
	default:
		return false
	}
}

// Bullish reports whether the strategy profits from the underlying rising.
// Only put credit spreads carry a bullish bias.
func (s Strategy) Bullish() bool {
	return s == StrategyBullPutSpread
}

// Trade is one option credit spread, or an unmatched single leg.
type Trade struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id,omitempty"`
	Ticker      string     `json:"ticker"`
	Strategy    Strategy   `json:"strategy_type"`
	ShortStrike float64    `json:"short_strike"`
	LongStrike  float64    `json:"long_strike"`
	SpreadWidth float64    `json:"spread_width"`
	Expiration  time.Time  `json:"expiration"`
	Credit      float64    `json:"credit"`
	Contracts   int        `json:"contracts"`
	MaxProfit   float64    `json:"max_profit"`
	MaxLoss     float64    `json:"max_loss"`
	Status      Status     `json:"status"`
	EntryDate   time.Time  `json:"entry_date"`
	ExitDate    *time.Time `json:"exit_date,omitempty"`
	ExitReason  ExitReason `json:"exit_reason,omitempty"`
	RealizedPnL *float64   `json:"pnl,omitempty"`
	Source      Source     `json:"source"`
	Metadata    Metadata   `json:"metadata"`

	// Computed on read for open trades; never persisted.
	UnrealizedPnL *float64 `json:"unrealized_pnl,omitempty"`
	DaysRemaining *int     `json:"days_remaining,omitempty"`
}

// NewTrade creates an open trade with its derived fields populated.
func NewTrade(id, ticker string, strategy Strategy, shortStrike, longStrike float64,
	expiration time.Time, credit float64, contracts int) *Trade {
	t := &Trade{
		ID:          id,
		Ticker:      strings.ToUpper(strings.TrimSpace(ticker)),
		Strategy:    strategy,
		ShortStrike: shortStrike,
		LongStrike:  longStrike,
		Expiration:  expiration,
		Credit:      credit,
		Contracts:   contracts,
		Status:      StatusOpen,
		EntryDate:   time.Now().UTC(),
		Source:      SourceUser,
	}
	t.Derive()
	return t
}

// Derive recomputes spread width, max profit and max loss from the strikes,
// credit and contract count.
func (t *Trade) Derive() {
	t.SpreadWidth = math.Abs(t.ShortStrike - t.LongStrike)
	t.MaxProfit = util.RoundCents(t.Credit * util.SharesPerContract * float64(t.Contracts))
	t.MaxLoss = util.RoundCents((t.SpreadWidth - t.Credit) * util.SharesPerContract * float64(t.Contracts))
}

// IsOpen reports whether the trade is live.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusOpen
}

// Close moves an open trade to a terminal status, recording the exit data
// together. Closing twice fails with ErrNotOpen.
func (t *Trade) Close(status Status, reason ExitReason, pnl float64, at time.Time) error {
	if !t.IsOpen() {
		return fmt.Errorf("trade %s is %s: %w", t.ID, t.Status, ErrNotOpen)
	}
	if err := CanTransition(t.Status, status); err != nil {
		return fmt.Errorf("trade %s state transition failed: %w", t.ID, err)
	}

	exit := at.UTC()
	realized := util.RoundCents(pnl)
	t.Status = status
	t.ExitDate = &exit
	t.ExitReason = reason
	t.RealizedPnL = &realized
	t.ClearComputed()
	return nil
}

// ClearComputed drops read-time valuation fields before persisting.
func (t *Trade) ClearComputed() {
	t.UnrealizedPnL = nil
	t.DaysRemaining = nil
}

// EntryUnderlyingPrice returns the underlying price captured at entry, or 0.
func (t *Trade) EntryUnderlyingPrice() float64 {
	if t.Metadata.User != nil {
		return t.Metadata.User.EntryPrice
	}
	return 0
}

// DTEAtEntry returns the days-to-expiration captured at entry, or 0.
func (t *Trade) DTEAtEntry() int {
	if t.Metadata.User != nil {
		return t.Metadata.User.DTEAtEntry
	}
	return 0
}

// SameInstrument reports whether o has the same underlying, expiration and
// strikes as t.
func (t *Trade) SameInstrument(o *Trade) bool {
	return t.Ticker == o.Ticker &&
		SameDay(t.Expiration, o.Expiration) &&
		math.Abs(t.ShortStrike-o.ShortStrike) <= StrikeMatchEpsilon &&
		math.Abs(t.LongStrike-o.LongStrike) <= StrikeMatchEpsilon
}

// Clone returns a deep copy.
func (t Trade) Clone() Trade {
	c := t
	if t.ExitDate != nil {
		d := *t.ExitDate
		c.ExitDate = &d
	}
	if t.RealizedPnL != nil {
		p := *t.RealizedPnL
		c.RealizedPnL = &p
	}
	if t.UnrealizedPnL != nil {
		u := *t.UnrealizedPnL
		c.UnrealizedPnL = &u
	}
	if t.DaysRemaining != nil {
		d := *t.DaysRemaining
		c.DaysRemaining = &d
	}
	c.Metadata = t.Metadata.Clone()
	return c
}

// Validate checks every field invariant and returns an error wrapping
// ErrInvalidTrade describing the first violation.
func (t *Trade) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("trade %s: %s: %w", t.ID, fmt.Sprintf(format, args...), ErrInvalidTrade)
	}

	if strings.TrimSpace(t.ID) == "" {
		return invalid("id is required")
	}
	if strings.TrimSpace(t.Ticker) == "" {
		return invalid("ticker is required")
	}
	if !t.Strategy.Valid() {
		return invalid("unknown strategy %q", t.Strategy)
	}
	if !t.Source.Valid() {
		return invalid("unknown source %q", t.Source)
	}
	if !t.Status.Valid() {
		return invalid("unknown status %q", t.Status)
	}
	if t.Contracts < 1 {
		return invalid("contracts must be >= 1 (current: %d)", t.Contracts)
	}
	if t.ShortStrike <= 0 {
		return invalid("short strike must be positive (current: %.2f)", t.ShortStrike)
	}
	if t.LongStrike < 0 || (t.Strategy != StrategyNaked && t.LongStrike == 0) {
		return invalid("long strike must be positive for spreads (current: %.2f)", t.LongStrike)
	}
	if t.Credit <= 0 || !util.IsFinite(t.Credit) {
		return invalid("credit must be positive (current: %.2f)", t.Credit)
	}
	if t.Expiration.IsZero() {
		return invalid("expiration is required")
	}
	if t.SpreadWidth != math.Abs(t.ShortStrike-t.LongStrike) {
		return invalid("spread width %.3f does not match strikes %.3f/%.3f",
			t.SpreadWidth, t.ShortStrike, t.LongStrike)
	}
	if t.SpreadWidth <= t.Credit {
		return invalid("spread width %.2f must exceed credit %.2f", t.SpreadWidth, t.Credit)
	}
	if t.MaxLoss < 0 {
		return invalid("max loss cannot be negative (current: %.2f)", t.MaxLoss)
	}

	switch t.Status {
	case StatusOpen:
		if t.RealizedPnL != nil {
			return invalid("realized P&L must be unset for open trades")
		}
		if t.ExitDate != nil {
			return invalid("exit date must be unset for open trades")
		}
	default:
		if t.RealizedPnL == nil {
			return invalid("realized P&L must be set for %s trades", t.Status)
		}
		if t.ExitDate == nil {
			return invalid("exit date must be set for %s trades", t.Status)
		}
		if !t.EntryDate.IsZero() && t.ExitDate.Before(t.EntryDate) {
			return invalid("entry date (%v) must not be after exit date (%v)", t.EntryDate, *t.ExitDate)
		}
	}
	return nil
}

// UnmarshalJSON decodes a trade, resolving the metadata variant from the
// source tag and re-deriving the spread width.
func (t *Trade) UnmarshalJSON(b []byte) error {
	type plain Trade
	aux := struct {
		*plain
		Metadata json.RawMessage `json:"metadata"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	md, err := DecodeMetadata(t.Source, aux.Metadata)
	if err != nil {
		return fmt.Errorf("trade %s: %w", t.ID, err)
	}
	t.Metadata = md
	t.SpreadWidth = math.Abs(t.ShortStrike - t.LongStrike)
	return nil
}

// SameDay reports whether a and b fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

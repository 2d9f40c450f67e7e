// Package models provides the trade and portfolio entities of the ledger
// together with their lifecycle rules and invariants.
package models

import "fmt"

// Status is the lifecycle state of a trade.
type Status string

const (
	StatusOpen         Status = "open"          // Position is live
	StatusClosedProfit Status = "closed_profit" // Closed with a positive realized P&L
	StatusClosedLoss   Status = "closed_loss"   // Closed with a negative realized P&L
	StatusClosedExpiry Status = "closed_expiry" // Expired or closed flat
	StatusClosedManual Status = "closed_manual" // Closed by the user regardless of outcome
)

// Valid returns true if the Status is one of the defined constants.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusClosedProfit, StatusClosedLoss, StatusClosedExpiry, StatusClosedManual:
		return true
	default:
		return false
	}
}

// IsClosed reports whether s is any of the terminal states.
func (s Status) IsClosed() bool {
	return s.Valid() && s != StatusOpen
}

// StatusTransition defines a permitted lifecycle move.
type StatusTransition struct {
	From        Status
	To          Status
	Description string
}

// ValidTransitions lists every permitted move. A trade leaves open exactly
// once and never returns to it.
var ValidTransitions = []StatusTransition{
	{StatusOpen, StatusClosedProfit, "Closed for a gain"},
	{StatusOpen, StatusClosedLoss, "Closed for a loss"},
	{StatusOpen, StatusClosedExpiry, "Expired or closed at breakeven"},
	{StatusOpen, StatusClosedManual, "Closed manually"},
}

// CanTransition reports whether from → to is a permitted move.
func CanTransition(from, to Status) error {
	for _, tr := range ValidTransitions {
		if tr.From == from && tr.To == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

// StatusForPnL classifies a realized P&L by sign: positive is a profit,
// negative a loss and exactly zero an expiry.
func StatusForPnL(pnl float64) Status {
	switch {
	case pnl > 0:
		return StatusClosedProfit
	case pnl < 0:
		return StatusClosedLoss
	default:
		return StatusClosedExpiry
	}
}

// ExitReason records why a trade was closed.
type ExitReason string

const (
	ExitProfitTarget ExitReason = "profit_target"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitExpiration   ExitReason = "expiration"
	ExitManual       ExitReason = "manual"
	ExitBrokerFill   ExitReason = "broker_fill" // Matched closing order at the broker
)

// Valid returns true if the ExitReason is one of the defined constants.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitProfitTarget, ExitStopLoss, ExitExpiration, ExitManual, ExitBrokerFill:
		return true
	default:
		return false
	}
}

// ClosingStatus maps an exit reason and the realized P&L to the terminal
// status: expirations and manual closes keep their own status, everything
// else is classified by sign.
func ClosingStatus(reason ExitReason, pnl float64) Status {
	switch reason {
	case ExitExpiration:
		return StatusClosedExpiry
	case ExitManual:
		return StatusClosedManual
	default:
		return StatusForPnL(pnl)
	}
}

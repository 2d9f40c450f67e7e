// Package portfolio derives summary statistics from ledger trades.
package portfolio

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/spread_ledger/internal/models"
	"github.com/eddiefleurent/spread_ledger/internal/util"
	"github.com/eddiefleurent/spread_ledger/internal/valuation"
)

// Summary is the aggregate view of a set of trades. Every field is finite.
type Summary struct {
	OpenTrades   int `json:"open_trades"`
	ClosedTrades int `json:"closed_trades"`
	TotalTrades  int `json:"total_trades"`
	Wins         int `json:"wins"`
	Losses       int `json:"losses"`

	WinRate      float64 `json:"win_rate"` // fraction of closed trades
	AverageWin   float64 `json:"avg_win"`
	AverageLoss  float64 `json:"avg_loss"` // absolute value
	ProfitFactor float64 `json:"profit_factor"`
	// ProfitFactorUnbounded is set when there are wins and no losses; the
	// ratio has no finite value and ProfitFactor is left at 0.
	ProfitFactorUnbounded bool `json:"profit_factor_unbounded"`

	RealizedPnL     float64 `json:"realized_pnl"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
	TotalOpenRisk   float64 `json:"total_open_risk"`
	StartingBalance float64 `json:"starting_balance"`
	CurrentBalance  float64 `json:"current_balance"`
}

// Summarize partitions trades into open and closed, values the open ones
// with mark and computes the statistics. It does not modify trades.
func Summarize(trades []models.Trade, mark func(models.Trade) valuation.Mark, startingBalance float64) Summary {
	if !util.IsFinite(startingBalance) {
		startingBalance = 0
	}
	if mark == nil {
		mark = func(models.Trade) valuation.Mark { return valuation.Mark{} }
	}

	var (
		s                      = Summary{TotalTrades: len(trades)}
		realized, unrealized   decimal.Decimal
		risk                   decimal.Decimal
		grossWins, grossLosses decimal.Decimal
	)

	for _, t := range trades {
		if t.IsOpen() {
			s.OpenTrades++
			res := valuation.Value(t, mark(t))
			unrealized = unrealized.Add(decimal.NewFromFloat(res.UnrealizedPnL))
			risk = risk.Add(decimal.NewFromFloat(finite(math.Abs(t.MaxLoss))))
			continue
		}

		s.ClosedTrades++
		if t.RealizedPnL == nil {
			continue
		}
		pnl := finite(*t.RealizedPnL)
		realized = realized.Add(decimal.NewFromFloat(pnl))
		switch {
		case pnl > 0:
			s.Wins++
			grossWins = grossWins.Add(decimal.NewFromFloat(pnl))
		case pnl < 0:
			s.Losses++
			grossLosses = grossLosses.Add(decimal.NewFromFloat(-pnl))
		}
	}

	if s.ClosedTrades > 0 {
		s.WinRate = round(decimal.NewFromInt(int64(s.Wins)).Div(decimal.NewFromInt(int64(s.ClosedTrades))), 4)
	}
	var avgWin, avgLoss decimal.Decimal
	if s.Wins > 0 {
		avgWin = grossWins.Div(decimal.NewFromInt(int64(s.Wins)))
		s.AverageWin = round(avgWin, 2)
	}
	if s.Losses > 0 {
		avgLoss = grossLosses.Div(decimal.NewFromInt(int64(s.Losses)))
		s.AverageLoss = round(avgLoss, 2)
	}
	switch {
	case s.Losses > 0 && avgLoss.IsPositive():
		s.ProfitFactor = round(avgWin.Div(avgLoss), 2)
	case s.Wins > 0:
		s.ProfitFactorUnbounded = true
	}

	s.RealizedPnL = round(realized, 2)
	s.UnrealizedPnL = round(unrealized, 2)
	s.TotalOpenRisk = round(risk, 2)
	s.StartingBalance = util.RoundCents(startingBalance)
	s.CurrentBalance = round(decimal.NewFromFloat(startingBalance).Add(realized), 2)
	return s
}

func round(d decimal.Decimal, places int32) float64 {
	f, _ := d.Round(places).Float64()
	return f
}

func finite(x float64) float64 {
	if !util.IsFinite(x) {
		return 0
	}
	return x
}

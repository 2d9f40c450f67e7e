package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/spread_ledger/internal/broker"
	"github.com/eddiefleurent/spread_ledger/internal/models"
)

func position(symbol string, qty, avg, upl float64) broker.Position {
	return broker.Position{
		Symbol:        symbol,
		AssetClass:    "us_option",
		Qty:           broker.Number(qty),
		AvgEntryPrice: broker.Number(avg),
		UnrealizedPL:  broker.Number(upl),
	}
}

func TestPairPositions(t *testing.T) {
	view := PairPositions([]broker.Position{
		position(put445, 2, 0.60, -10),
		position(put450, -2, 2.10, 40),
		position("SPY250321C00520000", -1, 0.80, 5),
		{Symbol: "AAPL", AssetClass: "us_equity", Qty: 10},
	})

	require.Len(t, view.Spreads, 1)
	s := view.Spreads[0]
	assert.Equal(t, models.StrategyBullPutSpread, s.Strategy)
	assert.Equal(t, "2025-03-21", s.Expiration)
	assert.Equal(t, put450, s.ShortSymbol)
	assert.Equal(t, put445, s.LongSymbol)
	assert.Equal(t, 5.0, s.SpreadWidth)
	assert.Equal(t, 2, s.Contracts)
	assert.Equal(t, 1.50, s.Credit)
	assert.Equal(t, 30.0, s.UnrealizedPL)

	require.Len(t, view.NakedLegs, 1)
	assert.Equal(t, "C", view.NakedLegs[0].OptionType)
	assert.Equal(t, -1.0, view.NakedLegs[0].Qty)
	assert.Equal(t, []string{"AAPL"}, view.Ignored)
}

func TestPairPositions_PartialAndNearestProtection(t *testing.T) {
	view := PairPositions([]broker.Position{
		position(call500, -3, 1.20, 30),
		position(call505, 1, 0.40, -3),
		position("SPY250321C00510000", 1, 0.20, -1),
	})

	require.Len(t, view.Spreads, 2)
	assert.Equal(t, 505.0, view.Spreads[0].LongStrike, "nearest higher call first")
	assert.Equal(t, 510.0, view.Spreads[1].LongStrike)
	for _, s := range view.Spreads {
		assert.Equal(t, models.StrategyBearCallSpread, s.Strategy)
		assert.Equal(t, 1, s.Contracts)
	}

	require.Len(t, view.NakedLegs, 1)
	assert.Equal(t, -1.0, view.NakedLegs[0].Qty)
	assert.Equal(t, 10.0, view.NakedLegs[0].UnrealizedPL)
}

func TestPairPositions_DifferentExpirationsDoNotPair(t *testing.T) {
	view := PairPositions([]broker.Position{
		position(put450, -1, 2, 0),
		position("SPY250418P00445000", 1, 1, 0),
	})
	assert.Empty(t, view.Spreads)
	assert.Len(t, view.NakedLegs, 2)
}

func TestPairPositions_Empty(t *testing.T) {
	view := PairPositions(nil)
	assert.NotNil(t, view.Spreads)
	assert.NotNil(t, view.NakedLegs)
	assert.Empty(t, view.Spreads)
}

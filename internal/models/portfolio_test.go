package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortfolio_CurrentBalance(t *testing.T) {
	p := NewPortfolio("alice", 10000, time.Now())
	assert.Equal(t, 10000.0, p.CurrentBalance())

	win := NewTrade("a", "SPY", StrategyBullPutSpread, 450, 445, testExpiration(), 1.50, 1)
	require.NoError(t, win.Close(StatusClosedProfit, ExitProfitTarget, 100, time.Now()))
	loss := NewTrade("b", "QQQ", StrategyBearCallSpread, 400, 405, testExpiration(), 1.00, 1)
	require.NoError(t, loss.Close(StatusClosedLoss, ExitStopLoss, -50.25, time.Now()))
	open := NewTrade("c", "IWM", StrategyBullPutSpread, 200, 195, testExpiration(), 1.10, 2)

	p.Trades = append(p.Trades, *win, *loss, *open)

	assert.Equal(t, 10049.75, p.CurrentBalance())
	assert.Equal(t, 1, p.OpenCount())
	assert.Len(t, p.OpenTrades(), 1)
	assert.Equal(t, "c", p.OpenTrades()[0].ID)
}

func TestPortfolio_HasOpenDuplicate(t *testing.T) {
	p := NewPortfolio("alice", 10000, time.Now())
	existing := NewTrade("a", "SPY", StrategyBullPutSpread, 450, 445, testExpiration(), 1.50, 1)
	p.Trades = append(p.Trades, *existing)

	same := NewTrade("b", "SPY", StrategyBullPutSpread, 450, 445, testExpiration().Add(15*time.Hour), 1.20, 2)
	dup, found := p.HasOpenDuplicate(same)
	require.True(t, found)
	assert.Equal(t, "a", dup.ID)

	otherStrike := NewTrade("c", "SPY", StrategyBullPutSpread, 455, 450, testExpiration(), 1.50, 1)
	_, found = p.HasOpenDuplicate(otherStrike)
	assert.False(t, found)

	// Re-checking the same id is not a duplicate of itself.
	_, found = p.HasOpenDuplicate(existing)
	assert.False(t, found)

	// Closed trades free up the instrument.
	require.NoError(t, p.FindTrade("a").Close(StatusClosedManual, ExitManual, 0, time.Now()))
	_, found = p.HasOpenDuplicate(same)
	assert.False(t, found)
}

func TestPortfolio_CloneIsIndependent(t *testing.T) {
	p := NewPortfolio("alice", 5000, time.Now())
	p.Trades = append(p.Trades, *NewTrade("a", "SPY", StrategyBullPutSpread, 450, 445, testExpiration(), 1.50, 1))

	c := p.Clone()
	c.Trades[0].Contracts = 7
	c.Trades = append(c.Trades, *NewTrade("b", "SPY", StrategyBullPutSpread, 440, 435, testExpiration(), 1.50, 1))

	assert.Equal(t, 1, p.Trades[0].Contracts)
	assert.Len(t, p.Trades, 1)
	assert.Nil(t, p.FindTrade("b"))
}

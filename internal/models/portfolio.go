package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio is one user's ordered collection of trades.
type Portfolio struct {
	Trades          []Trade   `json:"trades"`
	StartingBalance float64   `json:"starting_balance"`
	CreatedAt       time.Time `json:"created_at"`
	UserID          string    `json:"user_id"`
}

// NewPortfolio returns an empty portfolio for userID.
func NewPortfolio(userID string, startingBalance float64, now time.Time) *Portfolio {
	return &Portfolio{
		Trades:          []Trade{},
		StartingBalance: startingBalance,
		CreatedAt:       now.UTC(),
		UserID:          userID,
	}
}

// CurrentBalance is the starting balance plus every realized P&L.
func (p *Portfolio) CurrentBalance() float64 {
	total := decimal.NewFromFloat(p.StartingBalance)
	for i := range p.Trades {
		if p.Trades[i].RealizedPnL != nil {
			total = total.Add(decimal.NewFromFloat(*p.Trades[i].RealizedPnL))
		}
	}
	f, _ := total.Round(2).Float64()
	return f
}

// OpenTrades returns copies of the open trades in order.
func (p *Portfolio) OpenTrades() []Trade {
	var open []Trade
	for i := range p.Trades {
		if p.Trades[i].IsOpen() {
			open = append(open, p.Trades[i].Clone())
		}
	}
	return open
}

// OpenCount returns the number of open trades.
func (p *Portfolio) OpenCount() int {
	n := 0
	for i := range p.Trades {
		if p.Trades[i].IsOpen() {
			n++
		}
	}
	return n
}

// FindTrade returns a pointer into p.Trades for id, or nil.
func (p *Portfolio) FindTrade(id string) *Trade {
	for i := range p.Trades {
		if p.Trades[i].ID == id {
			return &p.Trades[i]
		}
	}
	return nil
}

// HasOpenDuplicate returns the open trade that has the same instrument as t
// under a different id, if any.
func (p *Portfolio) HasOpenDuplicate(t *Trade) (*Trade, bool) {
	if !t.IsOpen() {
		return nil, false
	}
	for i := range p.Trades {
		other := &p.Trades[i]
		if other.ID == t.ID || !other.IsOpen() {
			continue
		}
		if other.SameInstrument(t) {
			return other, true
		}
	}
	return nil, false
}

// Clone returns a deep copy.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Trades = make([]Trade, len(p.Trades))
	for i := range p.Trades {
		c.Trades[i] = p.Trades[i].Clone()
	}
	return &c
}

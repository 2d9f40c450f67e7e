package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eddiefleurent/spread_ledger/internal/models"
)

const (
	dateLayout = "2006-01-02"

	selectColumns = `id, user_id, source, ticker, strategy_type, status, short_strike, long_strike,
		expiration, credit, contracts, entry_date, exit_date, exit_reason, pnl, metadata`
)

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// tradeRecord is one table row after driver-specific decoding.
type tradeRecord struct {
	ID          string
	UserID      string
	Source      string
	Ticker      string
	Strategy    string
	Status      string
	ShortStrike float64
	LongStrike  float64
	Expiration  time.Time
	Credit      float64
	Contracts   int
	EntryDate   time.Time
	ExitDate    *time.Time
	ExitReason  string
	PnL         *float64
	Metadata    []byte
}

func (r tradeRecord) toTrade() (models.Trade, error) {
	source := models.Source(r.Source)
	md, err := models.DecodeMetadata(source, r.Metadata)
	if err != nil {
		return models.Trade{}, fmt.Errorf("trade %s: %w", r.ID, err)
	}

	t := models.Trade{
		ID:          r.ID,
		UserID:      r.UserID,
		Ticker:      r.Ticker,
		Strategy:    models.Strategy(r.Strategy),
		ShortStrike: r.ShortStrike,
		LongStrike:  r.LongStrike,
		Expiration:  r.Expiration.UTC(),
		Credit:      r.Credit,
		Contracts:   r.Contracts,
		Status:      models.Status(r.Status),
		EntryDate:   r.EntryDate.UTC(),
		ExitReason:  models.ExitReason(r.ExitReason),
		RealizedPnL: r.PnL,
		Source:      source,
		Metadata:    md,
	}
	if r.ExitDate != nil {
		exit := r.ExitDate.UTC()
		t.ExitDate = &exit
	}
	t.Derive()
	return t, nil
}

func encodeMetadata(t *models.Trade) ([]byte, error) {
	b, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata for trade %s: %w", t.ID, err)
	}
	return b, nil
}

// portfolioFrom wraps trades loaded from a shared table as a portfolio.
func portfolioFrom(userID string, startingBalance float64, trades []models.Trade, now time.Time) *models.Portfolio {
	p := models.NewPortfolio(userID, startingBalance, now)
	p.Trades = trades
	for _, t := range trades {
		if !t.EntryDate.IsZero() && t.EntryDate.Before(p.CreatedAt) {
			p.CreatedAt = t.EntryDate
		}
	}
	return p
}

// staleIDs returns the ids in existing that keep does not contain.
func staleIDs(existing []string, keep []models.Trade) []string {
	wanted := make(map[string]struct{}, len(keep))
	for _, t := range keep {
		wanted[t.ID] = struct{}{}
	}
	var stale []string
	for _, id := range existing {
		if _, ok := wanted[id]; !ok {
			stale = append(stale, id)
		}
	}
	return stale
}

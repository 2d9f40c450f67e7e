package storage

import (
	"fmt"
	"strings"

	"github.com/eddiefleurent/spread_ledger/internal/models"
)

// prepare re-derives the computed economics and drops read-time fields so
// every backend persists the same shape.
func prepare(t *models.Trade) {
	t.Ticker = strings.ToUpper(strings.TrimSpace(t.Ticker))
	t.Derive()
	t.ClearComputed()
}

// checkUpsert validates t and rejects it when peers already hold an open
// trade on the same instrument for the same owner.
func checkUpsert(t *models.Trade, peers []models.Trade) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if !t.IsOpen() {
		return nil
	}
	for i := range peers {
		p := &peers[i]
		if p.ID == t.ID || p.UserID != t.UserID || !p.IsOpen() {
			continue
		}
		if p.SameInstrument(t) {
			return fmt.Errorf("trade %s duplicates open trade %s (%s %s %.2f/%.2f): %w",
				t.ID, p.ID, t.Ticker, t.Expiration.Format("2006-01-02"),
				t.ShortStrike, t.LongStrike, ErrDuplicateOpen)
		}
	}
	return nil
}

// checkReopen rejects t when it would move a closed stored trade back to
// open.
func checkReopen(t *models.Trade, stored models.Status) error {
	if stored.IsClosed() && t.IsOpen() {
		return fmt.Errorf("trade %s is %s and cannot be reopened: %w", t.ID, stored, models.ErrNotOpen)
	}
	return nil
}

// checkPortfolio prepares every trade of p for userID and applies the
// upsert guards across the whole document.
func checkPortfolio(userID string, p *models.Portfolio) error {
	seen := make(map[string]struct{}, len(p.Trades))
	for i := range p.Trades {
		t := &p.Trades[i]
		t.UserID = userID
		prepare(t)
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("trade %s appears twice: %w", t.ID, models.ErrInvalidTrade)
		}
		seen[t.ID] = struct{}{}
	}
	for i := range p.Trades {
		if err := checkUpsert(&p.Trades[i], p.Trades); err != nil {
			return err
		}
	}
	return nil
}

// filterClause renders f as a WHERE clause using placeholder(n) for the
// n-th (1-based) bind parameter.
func filterClause(f Filter, placeholder func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, placeholder(len(args))))
	}

	if f.UserID != "" {
		add("user_id = %s", f.UserID)
	}
	if f.Source != "" {
		add("source = %s", string(f.Source))
	}
	if f.OpenOnly {
		add("status = %s", string(models.StatusOpen))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			args = append(args, string(s))
			marks = append(marks, placeholder(len(args)))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

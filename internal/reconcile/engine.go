// Package reconcile turns filled multi-leg broker orders into closed ledger
// trades. Entries are paired with the exits that trade the same two
// contracts, oldest first, and written under an id derived from the entry
// order so that re-running over the same history updates rows in place.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_ledger/internal/broker"
	"github.com/eddiefleurent/spread_ledger/internal/models"
	"github.com/eddiefleurent/spread_ledger/internal/storage"
	"github.com/eddiefleurent/spread_ledger/internal/util"
)

const (
	// IDPrefix is prepended to the entry order id to form the trade id.
	IDPrefix = "broker-"
	// DefaultOwner owns reconciled trades unless configured otherwise.
	DefaultOwner = "broker"
)

// ErrStoreUnavailable is returned by Run when there is no ledger to write to.
var ErrStoreUnavailable = errors.New("reconciliation store unavailable")

// OrderFeed yields broker order history, or false when the broker cannot
// be reached. *broker.Feed implements it.
type OrderFeed interface {
	Orders(ctx context.Context, since time.Time) ([]broker.Order, bool)
}

// Summary reports one reconciliation run.
type Summary struct {
	TotalOrders     int      `json:"total_orders"`
	EligibleOrders  int      `json:"eligible_orders"`
	EntriesFound    int      `json:"entries_found"`
	ExitsFound      int      `json:"exits_found"`
	Synced          int      `json:"synced"`
	Skipped         int      `json:"skipped"`
	Warnings        []string `json:"warnings"`
	BrokerAvailable bool     `json:"broker_available"`
}

func (s *Summary) warn(logger logrus.FieldLogger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.Warnings = append(s.Warnings, msg)
	logger.Warn(msg)
}

// Options configures an Engine.
type Options struct {
	// Owner is the user id reconciled trades are stored under.
	Owner string
	// LookbackDays limits order history to this many days; 0 fetches all.
	LookbackDays int
	Logger       *logrus.Logger
	Now          func() time.Time
}

// Engine pairs broker orders and upserts the closed spreads.
type Engine struct {
	feed   OrderFeed
	opts   Options
	logger *logrus.Logger
}

// NewEngine creates an engine reading from feed. feed may be nil when no
// broker is configured.
func NewEngine(feed OrderFeed, opts Options) *Engine {
	if opts.Owner == "" {
		opts.Owner = DefaultOwner
	}
	if opts.LookbackDays < 0 {
		opts.LookbackDays = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{feed: feed, opts: opts, logger: logger}
}

// Owner returns the user id reconciled trades belong to.
func (e *Engine) Owner() string {
	return e.opts.Owner
}

// Since returns the start of the order-history window. It is truncated to
// the day so repeated runs ask the broker for the same range.
func (e *Engine) Since() time.Time {
	if e.opts.LookbackDays == 0 {
		return time.Time{}
	}
	today := e.opts.Now().UTC().Truncate(24 * time.Hour)
	return today.AddDate(0, 0, -e.opts.LookbackDays)
}

// Run fetches order history and syncs it into store. An unreachable broker
// is not an error: the summary reports broker_available=false and nothing
// is written.
func (e *Engine) Run(ctx context.Context, store storage.Ledger) (*Summary, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}

	var (
		orders []broker.Order
		ok     bool
	)
	if e.feed != nil {
		orders, ok = e.feed.Orders(ctx, e.Since())
	}
	if !ok {
		e.logger.Warn("Broker order history unavailable; reconciliation skipped")
		return &Summary{Warnings: []string{"broker order history unavailable"}}, nil
	}

	summary := e.Sync(ctx, store, orders)
	summary.BrokerAvailable = true
	return summary, nil
}

type classified struct {
	order broker.Order
	class Classification
}

// Sync pairs orders and upserts every matched spread. Per-order failures
// become warnings; the batch always runs to completion.
func (e *Engine) Sync(ctx context.Context, store storage.Ledger, orders []broker.Order) *Summary {
	s := &Summary{TotalOrders: len(orders), Warnings: []string{}}

	var entries []classified
	exits := make(map[string][]classified)

	for _, o := range orders {
		if !Eligible(o) {
			continue
		}
		s.EligibleOrders++

		if strings.TrimSpace(o.ID) == "" {
			s.Skipped++
			s.warn(e.logger, "order filled at %s skipped: missing order id", o.FillTime().Format(time.RFC3339))
			continue
		}

		c, err := Classify(o)
		if err != nil {
			s.Skipped++
			s.warn(e.logger.WithField("order_id", o.ID), "order %s skipped: %v", o.ID, err)
			continue
		}
		switch c.Kind {
		case Entry:
			s.EntriesFound++
			entries = append(entries, classified{order: o, class: c})
		case Exit:
			s.ExitsFound++
			exits[c.Key] = append(exits[c.Key], classified{order: o, class: c})
		}
	}

	byFill := func(list []classified) {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].order.FillTime().Before(list[j].order.FillTime())
		})
	}
	byFill(entries)
	for key := range exits {
		byFill(exits[key])
	}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			s.Skipped += len(entries) - i
			s.warn(e.logger, "reconciliation interrupted with %d entries left: %v", len(entries)-i, err)
			break
		}

		exit, found := popExit(exits, entry)
		if !found {
			// Still open; the live positions view covers it.
			s.Skipped++
			continue
		}

		trade, err := e.closedTrade(entry, exit)
		if err != nil {
			s.Skipped++
			s.warn(e.logger.WithField("order_id", entry.order.ID), "entry %s skipped: %v", entry.order.ID, err)
			continue
		}

		if err := store.Upsert(ctx, *trade); err != nil {
			s.Skipped++
			s.warn(e.logger.WithField("trade_id", trade.ID).WithError(err), "failed to store %s: %v", trade.ID, err)
			continue
		}
		s.Synced++
		e.logger.WithFields(logrus.Fields{
			"trade_id": trade.ID,
			"exit_id":  exit.order.ID,
			"pnl":      *trade.RealizedPnL,
			"status":   trade.Status,
		}).Debug("Reconciled broker spread")
	}

	e.logger.WithFields(logrus.Fields{
		"orders":   s.TotalOrders,
		"eligible": s.EligibleOrders,
		"entries":  s.EntriesFound,
		"exits":    s.ExitsFound,
		"synced":   s.Synced,
		"skipped":  s.Skipped,
	}).Info("Reconciliation finished")
	return s
}

// popExit removes and returns the oldest exit sharing the entry's key.
// Exits filled before the entry belong to an earlier position and are
// dropped from the queue.
func popExit(exits map[string][]classified, entry classified) (classified, bool) {
	queue := exits[entry.class.Key]
	entryFill := entry.order.FillTime()
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		if head.order.FillTime().Before(entryFill) {
			continue
		}
		exits[entry.class.Key] = queue
		return head, true
	}
	exits[entry.class.Key] = queue
	return classified{}, false
}

// closedTrade builds the ledger row for a matched entry and exit.
func (e *Engine) closedTrade(entry, exit classified) (*models.Trade, error) {
	qty := entry.order.Quantity()
	contracts := int(math.Round(qty))
	if contracts < 1 {
		return nil, fmt.Errorf("quantity %.2f is below one contract", qty)
	}

	entryPrice := math.Abs(entry.order.FilledAvgPrice.Float64())
	exitPrice := math.Abs(exit.order.FilledAvgPrice.Float64())
	pnl := RealizedPnL(entryPrice, exitPrice, qty)

	c := entry.class
	t := models.NewTrade(IDPrefix+entry.order.ID, c.Short.Ticker, c.Strategy,
		c.Short.Strike, c.Long.Strike, c.Short.Expiration(), entryPrice, contracts)
	t.UserID = e.opts.Owner
	t.Source = models.SourceBroker
	t.EntryDate = entry.order.FillTime().UTC()
	t.Metadata = models.BrokerMeta(models.BrokerMetadata{
		EntryOrderID:   entry.order.ID,
		ExitOrderID:    exit.order.ID,
		EntryFillPrice: entry.order.FilledAvgPrice.Float64(),
		ExitFillPrice:  exit.order.FilledAvgPrice.Float64(),
	})

	if err := t.Close(models.StatusForPnL(pnl), models.ExitBrokerFill, pnl, exit.order.FillTime()); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// RealizedPnL is (entry credit − exit debit) × quantity × 100, rounded to
// cents. Prices are taken as magnitudes.
func RealizedPnL(entryCredit, exitDebit, quantity float64) float64 {
	if !util.IsFinite(entryCredit) || !util.IsFinite(exitDebit) || !util.IsFinite(quantity) {
		return 0
	}
	pnl := decimal.NewFromFloat(math.Abs(entryCredit)).
		Sub(decimal.NewFromFloat(math.Abs(exitDebit))).
		Mul(decimal.NewFromFloat(quantity)).
		Mul(decimal.NewFromInt(util.SharesPerContract)).
		Round(2)
	f, _ := pnl.Float64()
	return f
}

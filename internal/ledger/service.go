// Package ledger exposes the boundary operations over the ledger: opening
// and closing user trades, listing and summarizing them, reconciling broker
// history and reading live broker positions.
//
// Every read-modify-write of a user's portfolio runs under that user's key
// lock, so concurrent opens cannot both see a stale open-position count.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/eddiefleurent/spread_ledger/internal/broker"
	"github.com/eddiefleurent/spread_ledger/internal/keylock"
	"github.com/eddiefleurent/spread_ledger/internal/metrics"
	"github.com/eddiefleurent/spread_ledger/internal/models"
	"github.com/eddiefleurent/spread_ledger/internal/portfolio"
	"github.com/eddiefleurent/spread_ledger/internal/reconcile"
	"github.com/eddiefleurent/spread_ledger/internal/storage"
	"github.com/eddiefleurent/spread_ledger/internal/util"
	"github.com/eddiefleurent/spread_ledger/internal/valuation"
)

// DefaultMaxOpenPositions caps concurrently open user trades.
const DefaultMaxOpenPositions = 10

// DefaultReconcileTimeout bounds one shared reconciliation run.
const DefaultReconcileTimeout = 2 * time.Minute

// Options tunes the service.
type Options struct {
	MaxOpenPositions int
	MaxContracts     int // 0 means no per-trade limit
	ReconcileTimeout time.Duration
	Logger           *logrus.Logger
	Now              func() time.Time
}

// Deps are the collaborators of a Service. Shared, Engine and Feed may be
// nil; the operations that need them then report "unavailable".
type Deps struct {
	Users  storage.Ledger
	Shared *storage.Handle
	Engine *reconcile.Engine
	Feed   *broker.Feed
	Locks  *keylock.Manager
}

// Service implements the ledger's boundary operations.
type Service struct {
	users  storage.Ledger
	shared *storage.Handle
	engine *reconcile.Engine
	feed   *broker.Feed
	locks  *keylock.Manager
	opts   Options
	logger *logrus.Logger
	flight singleflight.Group
}

// NewService wires a service.
func NewService(deps Deps, opts Options) *Service {
	if opts.MaxOpenPositions <= 0 {
		opts.MaxOpenPositions = DefaultMaxOpenPositions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReconcileTimeout <= 0 {
		opts.ReconcileTimeout = DefaultReconcileTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	locks := deps.Locks
	if locks == nil {
		locks = keylock.New()
		locks.OnWait = func(_ string, waited time.Duration) {
			metrics.LockWait.Observe(waited.Seconds())
		}
	}
	return &Service{
		users:  deps.Users,
		shared: deps.Shared,
		engine: deps.Engine,
		feed:   deps.Feed,
		locks:  locks,
		opts:   opts,
		logger: logger,
	}
}

// Proposal is a request to open a user trade.
type Proposal struct {
	ID          string               `json:"id,omitempty"` // issued when empty
	Ticker      string               `json:"ticker"`
	Strategy    models.Strategy      `json:"strategy_type"`
	ShortStrike float64              `json:"short_strike"`
	LongStrike  float64              `json:"long_strike"`
	Expiration  string               `json:"expiration"` // YYYY-MM-DD
	Credit      float64              `json:"credit"`
	Contracts   int                  `json:"contracts"`
	Metadata    *models.UserMetadata `json:"metadata,omitempty"`
}

// CloseRequest is a request to close an open user trade. Without an
// ExitDebit the trade is closed at its current mark, except for
// expirations, which realize the full credit.
type CloseRequest struct {
	Reason          models.ExitReason `json:"reason"`
	ExitDebit       *float64          `json:"exit_debit,omitempty"`
	UnderlyingPrice float64           `json:"underlying_price,omitempty"`
}

func (s *Service) now() time.Time { return s.opts.Now().UTC() }

func (s *Service) mark() func(models.Trade) valuation.Mark {
	return valuation.At(s.now())
}

func checkUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return newError(KindValidation, "invalid_user", storage.ErrInvalidUserID, "user id is required")
	}
	return nil
}

// OpenTrade validates p and appends it to the user's portfolio. It fails
// with ErrCapacity when the user already holds MaxOpenPositions open trades
// and with ErrDuplicateOpen when an open trade has the same instrument.
func (s *Service) OpenTrade(ctx context.Context, userID string, p Proposal) (*models.Trade, error) {
	if err := checkUserID(userID); err != nil {
		return nil, s.reject(err, userID)
	}
	trade, err := s.buildTrade(p)
	if err != nil {
		return nil, s.reject(err, userID)
	}
	trade.UserID = userID

	opened, err := keylock.WithLock(ctx, s.locks, userID, func(ctx context.Context) (*models.Trade, error) {
		port, err := s.users.Get(ctx, userID)
		if err != nil {
			return nil, classify(err, "load portfolio")
		}
		if port.FindTrade(trade.ID) != nil {
			return nil, newError(KindConflict, "duplicate_id", ErrInvalidTrade, "trade %s already exists", trade.ID)
		}
		if n := port.OpenCount(); n >= s.opts.MaxOpenPositions {
			return nil, newError(KindConflict, "capacity", ErrCapacity,
				"maximum open positions reached (%d/%d)", n, s.opts.MaxOpenPositions)
		}
		if dup, ok := port.HasOpenDuplicate(trade); ok {
			return nil, newError(KindConflict, "duplicate_open", ErrDuplicateOpen,
				"trade %s is already open on %s %s %.2f/%.2f",
				dup.ID, dup.Ticker, dup.Expiration.Format("2006-01-02"), dup.ShortStrike, dup.LongStrike)
		}

		port.Trades = append(port.Trades, *trade)
		if err := s.users.Put(ctx, userID, port); err != nil {
			return nil, classify(err, "save portfolio")
		}
		return trade, nil
	})
	if err != nil {
		return nil, s.reject(classify(err, "open trade"), userID)
	}

	metrics.TradesOpened.WithLabelValues(string(opened.Strategy)).Inc()
	s.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"trade_id": opened.ID,
		"ticker":   opened.Ticker,
		"strikes":  fmt.Sprintf("%.2f/%.2f", opened.ShortStrike, opened.LongStrike),
		"credit":   opened.Credit,
	}).Info("Trade opened")

	out := []models.Trade{opened.Clone()}
	valuation.Apply(out, s.mark())
	return &out[0], nil
}

func (s *Service) buildTrade(p Proposal) (*models.Trade, error) {
	invalid := func(reason, format string, args ...any) error {
		return newError(KindValidation, reason, ErrInvalidTrade, format, args...)
	}

	exp, err := parseExpiration(p.Expiration)
	if err != nil {
		return nil, invalid("invalid_expiration", "expiration %q must be a YYYY-MM-DD date", p.Expiration)
	}
	now := s.now()
	if exp.Before(now.Truncate(24 * time.Hour)) {
		return nil, invalid("invalid_expiration", "expiration %s is in the past", p.Expiration)
	}
	if s.opts.MaxContracts > 0 && p.Contracts > s.opts.MaxContracts {
		return nil, invalid("max_contracts", "contracts %d exceed the limit of %d", p.Contracts, s.opts.MaxContracts)
	}
	for _, v := range []float64{p.ShortStrike, p.LongStrike, p.Credit} {
		if !util.IsFinite(v) {
			return nil, invalid("invalid_trade", "strikes and credit must be finite numbers")
		}
	}
	switch p.Strategy {
	case models.StrategyBullPutSpread:
		if p.ShortStrike <= p.LongStrike {
			return nil, invalid("invalid_trade", "a bull put spread sells the higher strike")
		}
	case models.StrategyBearCallSpread:
		if p.ShortStrike >= p.LongStrike {
			return nil, invalid("invalid_trade", "a bear call spread sells the lower strike")
		}
	}

	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = uuid.NewString()
	} else if strings.HasPrefix(id, reconcile.IDPrefix) {
		return nil, invalid("invalid_trade", "trade ids starting with %q are reserved", reconcile.IDPrefix)
	}

	t := models.NewTrade(id, p.Ticker, p.Strategy, p.ShortStrike, p.LongStrike, exp, p.Credit, p.Contracts)
	t.EntryDate = now
	if p.Metadata != nil {
		t.Metadata = models.UserMeta(*p.Metadata)
	}
	if err := t.Validate(); err != nil {
		return nil, classify(err, "validate trade")
	}
	return t, nil
}

func parseExpiration(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

// CloseTrade closes an open trade of the user. Unknown ids fail with
// ErrNotFound and already closed trades with ErrNotOpen.
func (s *Service) CloseTrade(ctx context.Context, userID, tradeID string, req CloseRequest) (*models.Trade, error) {
	if err := checkUserID(userID); err != nil {
		return nil, s.reject(err, userID)
	}
	if req.Reason == "" {
		req.Reason = models.ExitManual
	}
	if !req.Reason.Valid() || req.Reason == models.ExitBrokerFill {
		return nil, s.reject(newError(KindValidation, "invalid_reason", ErrInvalidTrade,
			"unknown close reason %q", req.Reason), userID)
	}
	if req.ExitDebit != nil && (*req.ExitDebit < 0 || !util.IsFinite(*req.ExitDebit)) {
		return nil, s.reject(newError(KindValidation, "invalid_debit", ErrInvalidTrade,
			"exit debit must be a non-negative number"), userID)
	}

	closed, err := keylock.WithLock(ctx, s.locks, userID, func(ctx context.Context) (*models.Trade, error) {
		port, err := s.users.Get(ctx, userID)
		if err != nil {
			return nil, classify(err, "load portfolio")
		}
		t := port.FindTrade(tradeID)
		if t == nil {
			return nil, newError(KindNotFound, "not_found", ErrNotFound, "trade %s not found", tradeID)
		}
		if !t.IsOpen() {
			return nil, newError(KindConflict, "not_open", ErrNotOpen, "trade %s is already %s", tradeID, t.Status)
		}

		now := s.now()
		pnl := s.exitPnL(*t, req, now)
		if err := t.Close(models.ClosingStatus(req.Reason, pnl), req.Reason, pnl, now); err != nil {
			return nil, classify(err, "close trade")
		}
		if err := s.users.Put(ctx, userID, port); err != nil {
			return nil, classify(err, "save portfolio")
		}
		c := t.Clone()
		return &c, nil
	})
	if err != nil {
		return nil, s.reject(classify(err, "close trade"), userID)
	}

	metrics.TradesClosed.WithLabelValues(string(closed.Status)).Inc()
	s.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"trade_id": closed.ID,
		"status":   closed.Status,
		"pnl":      *closed.RealizedPnL,
	}).Info("Trade closed")
	return closed, nil
}

func (s *Service) exitPnL(t models.Trade, req CloseRequest, now time.Time) float64 {
	switch {
	case req.ExitDebit != nil:
		return reconcile.RealizedPnL(t.Credit, *req.ExitDebit, float64(t.Contracts))
	case req.Reason == models.ExitExpiration:
		return t.MaxProfit
	default:
		return valuation.Value(t, valuation.Mark{Now: now, UnderlyingPrice: req.UnderlyingPrice}).UnrealizedPnL
	}
}

func (s *Service) reject(err error, userID string) error {
	reason := "internal"
	if e, ok := err.(*Error); ok {
		reason = e.Reason
	}
	metrics.TradesRejected.WithLabelValues(reason).Inc()
	s.logger.WithError(err).WithFields(logrus.Fields{"user_id": userID, "reason": reason}).Info("Trade request rejected")
	return err
}

// trades returns the user's file-backed trades followed by any rows the
// shared store holds for the same owner, plus the starting balance.
func (s *Service) trades(ctx context.Context, userID string) ([]models.Trade, float64, error) {
	port, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, 0, classify(err, "load portfolio")
	}
	trades := port.Trades

	if shared, ok := s.sharedLedger(ctx); ok {
		rows, err := shared.List(ctx, storage.Filter{UserID: userID})
		if err != nil {
			s.logger.WithError(err).WithField("user_id", userID).Warn("Failed to read shared ledger; serving file ledger only")
		} else {
			seen := make(map[string]struct{}, len(trades))
			for _, t := range trades {
				seen[t.ID] = struct{}{}
			}
			for _, t := range rows {
				if _, dup := seen[t.ID]; !dup {
					trades = append(trades, t)
				}
			}
		}
	}
	return trades, port.StartingBalance, nil
}

// ListTrades returns the user's trades matching f with unrealized P&L
// populated on open ones.
func (s *Service) ListTrades(ctx context.Context, userID string, f storage.Filter) ([]models.Trade, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	all, _, err := s.trades(ctx, userID)
	if err != nil {
		return nil, err
	}

	f.UserID = ""
	out := make([]models.Trade, 0, len(all))
	for _, t := range all {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	valuation.Apply(out, s.mark())
	return out, nil
}

// PortfolioSummary aggregates every trade the user owns.
func (s *Service) PortfolioSummary(ctx context.Context, userID string) (*portfolio.Summary, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	all, start, err := s.trades(ctx, userID)
	if err != nil {
		return nil, err
	}
	summary := portfolio.Summarize(all, s.mark(), start)
	return &summary, nil
}

func (s *Service) sharedLedger(ctx context.Context) (storage.Ledger, bool) {
	if s.shared == nil {
		return nil, false
	}
	return s.shared.Ledger(ctx)
}

// RunReconciliation syncs broker order history into the shared store.
// Concurrent calls share one run.
func (s *Service) RunReconciliation(ctx context.Context) (*reconcile.Summary, error) {
	// The run is shared by concurrent callers and outlives any one of them.
	ch := s.flight.DoChan("reconcile", func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ReconcileTimeout)
		defer cancel()

		store, ok := s.sharedLedger(runCtx)
		if !ok || s.engine == nil {
			metrics.ReconcileRuns.WithLabelValues("store_unavailable").Inc()
			return nil, reconcile.ErrStoreUnavailable
		}
		summary, err := s.engine.Run(runCtx, store)
		if err != nil {
			metrics.ReconcileRuns.WithLabelValues("error").Inc()
			return nil, err
		}

		outcome := "ok"
		if !summary.BrokerAvailable {
			outcome = "broker_unavailable"
		}
		metrics.ReconcileRuns.WithLabelValues(outcome).Inc()
		metrics.ReconcileSynced.Add(float64(summary.Synced))
		metrics.ReconcileSkipped.Add(float64(summary.Skipped))
		return summary, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, classify(ctx.Err(), "reconcile")
	}
	if res.Err != nil {
		return nil, classify(res.Err, "reconcile")
	}
	if res.Shared {
		s.logger.Debug("Joined in-flight reconciliation")
	}

	summary := *res.Val.(*reconcile.Summary)
	summary.Warnings = append([]string(nil), summary.Warnings...)
	if summary.Warnings == nil {
		summary.Warnings = []string{}
	}
	return &summary, nil
}

// LivePositions returns the broker's open option positions paired into
// spreads. The second result is false when the broker is unavailable.
func (s *Service) LivePositions(ctx context.Context) (reconcile.PositionView, bool) {
	positions, ok := s.feed.Positions(ctx)
	if !ok {
		return reconcile.PairPositions(nil), false
	}
	return reconcile.PairPositions(positions), true
}

// Wipe deletes every trade the user owns from both stores.
func (s *Service) Wipe(ctx context.Context, userID string) error {
	if err := checkUserID(userID); err != nil {
		return err
	}
	_, err := keylock.WithLock(ctx, s.locks, userID, func(ctx context.Context) (struct{}, error) {
		if err := s.users.Delete(ctx, userID); err != nil {
			return struct{}{}, classify(err, "delete portfolio")
		}
		if shared, ok := s.sharedLedger(ctx); ok {
			if err := shared.Delete(ctx, userID); err != nil {
				return struct{}{}, classify(err, "delete shared trades")
			}
		}
		return struct{}{}, nil
	})
	if err != nil {
		return classify(err, "wipe portfolio")
	}
	s.logger.WithField("user_id", userID).Warn("Portfolio wiped")
	return nil
}

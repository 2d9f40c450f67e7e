package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/spread_ledger/internal/broker"
	"github.com/eddiefleurent/spread_ledger/internal/models"
	"github.com/eddiefleurent/spread_ledger/internal/reconcile"
	"github.com/eddiefleurent/spread_ledger/internal/storage"
)

var clock = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	svc    *Service
	users  *storage.FileStore
	shared *storage.MockStorage
	feed   *stubFeed
}

type stubFeed struct {
	orders  []broker.Order
	ok      bool
	started chan struct{} // signaled when a fetch begins
	release chan struct{} // fetch blocks until closed
}

func (f *stubFeed) Orders(ctx context.Context, _ time.Time) ([]broker.Order, bool) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if ctx.Err() != nil {
		return nil, false
	}
	return f.orders, f.ok
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	users, err := storage.NewFileStore(t.TempDir(), 10000)
	require.NoError(t, err)

	shared := storage.NewMockStorage(10000)
	handle := storage.NewHandle(func(context.Context) (storage.Backend, error) { return shared, nil }, quiet())
	feed := &stubFeed{ok: true}
	engine := reconcile.NewEngine(feed, reconcile.Options{Logger: quiet()})

	opts.Logger = quiet()
	opts.Now = func() time.Time { return clock }
	svc := NewService(Deps{Users: users, Shared: handle, Engine: engine}, opts)
	return &fixture{svc: svc, users: users, shared: shared, feed: feed}
}

func proposal(short float64) Proposal {
	return Proposal{
		Ticker:      "spy",
		Strategy:    models.StrategyBullPutSpread,
		ShortStrike: short,
		LongStrike:  short - 5,
		Expiration:  "2025-04-17",
		Credit:      1.50,
		Contracts:   1,
	}
}

func assertKind(t *testing.T, err error, kind Kind, target error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, KindOf(err), err.Error())
	if target != nil {
		assert.ErrorIs(t, err, target)
	}
}

func TestOpenTrade(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p := proposal(450)
	p.Metadata = &models.UserMetadata{EntryPrice: 460, DTEAtEntry: 38}
	trade, err := f.svc.OpenTrade(ctx, "alice", p)
	require.NoError(t, err)

	assert.NotEmpty(t, trade.ID)
	assert.Equal(t, "SPY", trade.Ticker)
	assert.Equal(t, "alice", trade.UserID)
	assert.Equal(t, models.StatusOpen, trade.Status)
	assert.Equal(t, models.SourceUser, trade.Source)
	assert.Equal(t, 5.0, trade.SpreadWidth)
	assert.Equal(t, 150.0, trade.MaxProfit)
	assert.Equal(t, 350.0, trade.MaxLoss)
	assert.Equal(t, clock, trade.EntryDate)
	require.NotNil(t, trade.UnrealizedPnL)
	require.NotNil(t, trade.DaysRemaining)
	assert.Equal(t, 38, *trade.DaysRemaining)

	port, err := f.users.Get(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, port.Trades, 1)
	assert.Nil(t, port.Trades[0].UnrealizedPnL, "computed fields are not persisted")
	assert.Equal(t, 460.0, port.Trades[0].EntryUnderlyingPrice())
}

func TestOpenTrade_Capacity(t *testing.T) {
	f := newFixture(t, Options{MaxOpenPositions: 10})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.svc.OpenTrade(ctx, "alice", proposal(400+float64(i)*5))
		require.NoError(t, err, "open #%d", i+1)
	}

	_, err := f.svc.OpenTrade(ctx, "alice", proposal(600))
	assertKind(t, err, KindConflict, ErrCapacity)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "capacity", e.Reason)

	// Other users have their own slots.
	_, err = f.svc.OpenTrade(ctx, "bob", proposal(600))
	assert.NoError(t, err)
}

func TestOpenTrade_ConcurrentOpensRespectCapacity(t *testing.T) {
	f := newFixture(t, Options{MaxOpenPositions: 3})
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, full int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.OpenTrade(ctx, "alice", proposal(300+float64(i)*10))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrCapacity):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 9, full)
	port, err := f.users.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, port.OpenCount())
}

func TestOpenTrade_DuplicateOpen(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.OpenTrade(ctx, "alice", proposal(450))
	require.NoError(t, err)
	_, err = f.svc.OpenTrade(ctx, "alice", proposal(450))
	assertKind(t, err, KindConflict, ErrDuplicateOpen)

	p := proposal(450)
	p.ID = "explicit"
	_, err = f.svc.OpenTrade(ctx, "bob", p)
	require.NoError(t, err)
	_, err = f.svc.OpenTrade(ctx, "bob", proposal(470).withID("explicit"))
	assertKind(t, err, KindConflict, nil)
}

func (p Proposal) withID(id string) Proposal {
	p.ID = id
	return p
}

func TestOpenTrade_Validation(t *testing.T) {
	f := newFixture(t, Options{MaxContracts: 5})

	tests := []struct {
		name   string
		mutate func(*Proposal)
	}{
		{"missing ticker", func(p *Proposal) { p.Ticker = "" }},
		{"zero contracts", func(p *Proposal) { p.Contracts = 0 }},
		{"too many contracts", func(p *Proposal) { p.Contracts = 6 }},
		{"width not above credit", func(p *Proposal) { p.Credit = 5 }},
		{"bad expiration", func(p *Proposal) { p.Expiration = "next friday" }},
		{"expired", func(p *Proposal) { p.Expiration = "2025-03-07" }},
		{"inverted put spread", func(p *Proposal) { p.LongStrike = p.ShortStrike + 5 }},
		{"unknown strategy", func(p *Proposal) { p.Strategy = "iron_condor" }},
		{"reserved id", func(p *Proposal) { p.ID = reconcile.IDPrefix + "x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := proposal(450)
			tt.mutate(&p)
			_, err := f.svc.OpenTrade(context.Background(), "alice", p)
			assertKind(t, err, KindValidation, ErrInvalidTrade)
		})
	}

	_, err := f.svc.OpenTrade(context.Background(), " ", proposal(450))
	assertKind(t, err, KindValidation, nil)
	_, err = f.svc.OpenTrade(context.Background(), "../etc", proposal(450))
	assertKind(t, err, KindValidation, storage.ErrInvalidUserID)

	port, err := f.users.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, port.Trades, "rejected trades are never persisted")
}

func TestCloseTrade(t *testing.T) {
	ctx := context.Background()

	t.Run("with exit debit", func(t *testing.T) {
		f := newFixture(t, Options{})
		opened, err := f.svc.OpenTrade(ctx, "alice", proposal(450))
		require.NoError(t, err)

		debit := 0.50
		closed, err := f.svc.CloseTrade(ctx, "alice", opened.ID, CloseRequest{Reason: models.ExitProfitTarget, ExitDebit: &debit})
		require.NoError(t, err)
		assert.Equal(t, models.StatusClosedProfit, closed.Status)
		assert.Equal(t, 100.0, *closed.RealizedPnL)
		assert.Equal(t, clock, *closed.ExitDate)

		_, err = f.svc.CloseTrade(ctx, "alice", opened.ID, CloseRequest{ExitDebit: &debit})
		assertKind(t, err, KindConflict, ErrNotOpen)

		summary, err := f.svc.PortfolioSummary(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 10100.0, summary.CurrentBalance)
	})

	t.Run("expiration realizes the credit", func(t *testing.T) {
		f := newFixture(t, Options{})
		opened, err := f.svc.OpenTrade(ctx, "alice", proposal(450))
		require.NoError(t, err)

		closed, err := f.svc.CloseTrade(ctx, "alice", opened.ID, CloseRequest{Reason: models.ExitExpiration})
		require.NoError(t, err)
		assert.Equal(t, models.StatusClosedExpiry, closed.Status)
		assert.Equal(t, 150.0, *closed.RealizedPnL)
	})

	t.Run("manual close at mark", func(t *testing.T) {
		f := newFixture(t, Options{})
		opened, err := f.svc.OpenTrade(ctx, "alice", proposal(450))
		require.NoError(t, err)

		closed, err := f.svc.CloseTrade(ctx, "alice", opened.ID, CloseRequest{})
		require.NoError(t, err)
		assert.Equal(t, models.StatusClosedManual, closed.Status)
		assert.Equal(t, *opened.UnrealizedPnL, *closed.RealizedPnL)
	})

	t.Run("omitted reason with exit debit is manual", func(t *testing.T) {
		f := newFixture(t, Options{})
		opened, err := f.svc.OpenTrade(ctx, "alice", proposal(450))
		require.NoError(t, err)

		debit := 1.0
		closed, err := f.svc.CloseTrade(ctx, "alice", opened.ID, CloseRequest{ExitDebit: &debit})
		require.NoError(t, err)
		assert.Equal(t, models.StatusClosedManual, closed.Status)
		assert.Equal(t, models.ExitManual, closed.ExitReason)
		assert.Equal(t, 50.0, *closed.RealizedPnL)

		profit, err := f.svc.ListTrades(ctx, "alice", storage.Filter{Statuses: []models.Status{models.StatusClosedProfit}})
		require.NoError(t, err)
		assert.Empty(t, profit)
	})

	t.Run("unknown trade", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := f.svc.CloseTrade(ctx, "alice", "missing", CloseRequest{})
		assertKind(t, err, KindNotFound, ErrNotFound)
	})

	t.Run("invalid request", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := f.svc.CloseTrade(ctx, "alice", "x", CloseRequest{Reason: models.ExitBrokerFill})
		assertKind(t, err, KindValidation, nil)
		neg := -1.0
		_, err = f.svc.CloseTrade(ctx, "alice", "x", CloseRequest{ExitDebit: &neg})
		assertKind(t, err, KindValidation, nil)
	})
}

func TestListTrades(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	a, err := f.svc.OpenTrade(ctx, "alice", proposal(450))
	require.NoError(t, err)
	b, err := f.svc.OpenTrade(ctx, "alice", proposal(440))
	require.NoError(t, err)
	debit := 1.0
	_, err = f.svc.CloseTrade(ctx, "alice", b.ID, CloseRequest{Reason: models.ExitProfitTarget, ExitDebit: &debit})
	require.NoError(t, err)

	all, err := f.svc.ListTrades(ctx, "alice", storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := f.svc.ListTrades(ctx, "alice", storage.Filter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)
	require.NotNil(t, open[0].UnrealizedPnL)
	assert.LessOrEqual(t, *open[0].UnrealizedPnL, open[0].MaxProfit)
	assert.GreaterOrEqual(t, *open[0].UnrealizedPnL, -open[0].MaxLoss)

	closed, err := f.svc.ListTrades(ctx, "alice", storage.Filter{Statuses: []models.Status{models.StatusClosedProfit}})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Nil(t, closed[0].UnrealizedPnL)
}

func brokerOrder(id string, hours int, price float64, sell, buy string) broker.Order {
	fill := clock.Add(time.Duration(hours) * time.Hour)
	return broker.Order{
		ID: id, Status: broker.StatusFilled, Qty: 1, FilledQty: 1,
		FilledAvgPrice: broker.Number(price), FilledAt: &fill, SubmittedAt: &fill,
		Legs: []broker.Leg{{Symbol: sell, Side: broker.SideSell}, {Symbol: buy, Side: broker.SideBuy}},
	}
}

func TestRunReconciliation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.feed.orders = []broker.Order{
		brokerOrder("e1", -48, -1.50, "SPY250321P00450000", "SPY250321P00445000"),
		brokerOrder("x1", -2, 0.50, "SPY250321P00445000", "SPY250321P00450000"),
	}

	for run := 0; run < 2; run++ {
		s, err := f.svc.RunReconciliation(ctx)
		require.NoError(t, err)
		assert.True(t, s.BrokerAvailable)
		assert.Equal(t, 1, s.Synced, "run %d", run)
	}
	assert.Equal(t, 1, f.shared.Len())

	trades, err := f.svc.ListTrades(ctx, reconcile.DefaultOwner, storage.Filter{Source: models.SourceBroker})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "broker-e1", trades[0].ID)
	assert.Equal(t, 100.0, *trades[0].RealizedPnL)

	summary, err := f.svc.PortfolioSummary(ctx, reconcile.DefaultOwner)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Wins)
	assert.Equal(t, 100.0, summary.RealizedPnL)
}

func TestRunReconciliation_OutlivesCanceledCaller(t *testing.T) {
	f := newFixture(t, Options{})
	f.feed.orders = []broker.Order{
		brokerOrder("e1", -48, -1.50, "SPY250321P00450000", "SPY250321P00445000"),
		brokerOrder("x1", -2, 0.50, "SPY250321P00445000", "SPY250321P00450000"),
	}
	f.feed.started = make(chan struct{}, 1)
	f.feed.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.RunReconciliation(ctx)
		done <- err
	}()

	<-f.feed.started
	cancel()
	err := <-done
	assertKind(t, err, KindUnavailable, context.Canceled)

	close(f.feed.release)
	assert.Eventually(t, func() bool { return f.shared.Len() == 1 }, 2*time.Second, 10*time.Millisecond,
		"the shared run completes after its first caller leaves")

	f.feed.started = nil
	s, err := f.svc.RunReconciliation(context.Background())
	require.NoError(t, err)
	assert.True(t, s.BrokerAvailable)
	assert.Equal(t, 1, s.Synced)
}

func TestRunReconciliation_StoreUnavailable(t *testing.T) {
	users, err := storage.NewFileStore(t.TempDir(), 10000)
	require.NoError(t, err)
	handle := storage.NewHandle(func(context.Context) (storage.Backend, error) {
		return nil, fmt.Errorf("driver failed to load")
	}, quiet())
	svc := NewService(Deps{Users: users, Shared: handle,
		Engine: reconcile.NewEngine(&stubFeed{ok: true}, reconcile.Options{Logger: quiet()})},
		Options{Logger: quiet()})

	_, err = svc.RunReconciliation(context.Background())
	assertKind(t, err, KindUnavailable, nil)

	// The file ledger keeps working without the shared store.
	_, err = svc.OpenTrade(context.Background(), "alice", Proposal{
		Ticker: "QQQ", Strategy: models.StrategyBearCallSpread, ShortStrike: 500, LongStrike: 505,
		Expiration: time.Now().AddDate(0, 1, 0).Format("2006-01-02"), Credit: 1, Contracts: 1,
	})
	assert.NoError(t, err)
}

func TestRunReconciliation_BrokerUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	f.feed.ok = false

	s, err := f.svc.RunReconciliation(context.Background())
	require.NoError(t, err)
	assert.False(t, s.BrokerAvailable)
	assert.Equal(t, 0, f.shared.Len())
}

func TestLivePositions_Unavailable(t *testing.T) {
	f := newFixture(t, Options{})
	view, ok := f.svc.LivePositions(context.Background())
	assert.False(t, ok)
	assert.Empty(t, view.Spreads)
}

func TestWipe(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.OpenTrade(ctx, "alice", proposal(450))
	require.NoError(t, err)
	require.NoError(t, f.svc.Wipe(ctx, "alice"))

	trades, err := f.svc.ListTrades(ctx, "alice", storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestError_MessageHidesInternals(t *testing.T) {
	err := classify(errors.New("pq: connection reset by peer at 10.0.0.3"), "save portfolio")
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindPersistence, e.Kind)
	assert.Equal(t, "failed to save portfolio", e.Message)
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

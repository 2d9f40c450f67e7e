package broker

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_ledger/internal/retry"
)

// DefaultFetchTimeout bounds a single feed call including retries.
const DefaultFetchTimeout = 8 * time.Second

// FeedOptions configures a Feed.
type FeedOptions struct {
	Timeout       time.Duration // per call, including retries
	OrderCacheTTL time.Duration // zero disables order caching
	Retry         retry.Config
	Logger        *logrus.Logger
	// OnUnavailable, if set, is called whenever a call degrades.
	OnUnavailable func(op string)
}

// Feed is the degraded-mode view of a Source: each call is bounded by a
// timeout and resolves to (nil, false) on any failure instead of an error.
type Feed struct {
	source Source
	opts   FeedOptions
	orders *cache.Cache
	logger *logrus.Logger
}

// NewFeed wraps source. A nil source yields a feed that is always
// unavailable.
func NewFeed(source Source, opts FeedOptions) *Feed {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.DefaultConfig
	}
	opts.Retry.Timeout = opts.Timeout
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	f := &Feed{source: source, opts: opts, logger: logger}
	if opts.OrderCacheTTL > 0 {
		f.orders = cache.New(opts.OrderCacheTTL, 2*opts.OrderCacheTTL)
	}
	return f
}

// Configured reports whether a broker source is wired.
func (f *Feed) Configured() bool {
	return f != nil && f.source != nil
}

// Orders returns order history since the given time, or false when the
// broker is unconfigured or unavailable.
func (f *Feed) Orders(ctx context.Context, since time.Time) ([]Order, bool) {
	if !f.Configured() {
		return nil, false
	}

	key := "orders:" + since.UTC().Format(time.RFC3339)
	if f.orders != nil {
		if cached, ok := f.orders.Get(key); ok {
			return cached.([]Order), true
		}
	}

	orders, err := retry.Do(ctx, f.opts.Retry, f.logger, "broker orders", func(ctx context.Context) ([]Order, error) {
		return f.source.Orders(ctx, since)
	})
	if err != nil {
		f.degrade("orders", err)
		return nil, false
	}

	if f.orders != nil {
		f.orders.Set(key, orders, cache.DefaultExpiration)
	}
	return orders, true
}

// Positions returns live positions, or false when the broker is
// unconfigured or unavailable.
func (f *Feed) Positions(ctx context.Context) ([]Position, bool) {
	if !f.Configured() {
		return nil, false
	}

	positions, err := retry.Do(ctx, f.opts.Retry, f.logger, "broker positions", func(ctx context.Context) ([]Position, error) {
		return f.source.Positions(ctx)
	})
	if err != nil {
		f.degrade("positions", err)
		return nil, false
	}
	return positions, true
}

// Invalidate drops cached order history.
func (f *Feed) Invalidate() {
	if f != nil && f.orders != nil {
		f.orders.Flush()
	}
}

func (f *Feed) degrade(op string, err error) {
	f.logger.WithError(err).WithField("operation", op).Warn("Broker unavailable; serving ledger data only")
	if f.opts.OnUnavailable != nil {
		f.opts.OnUnavailable(op)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_ledger/internal/broker"
	"github.com/eddiefleurent/spread_ledger/internal/config"
	"github.com/eddiefleurent/spread_ledger/internal/ledger"
	"github.com/eddiefleurent/spread_ledger/internal/metrics"
	"github.com/eddiefleurent/spread_ledger/internal/reconcile"
	"github.com/eddiefleurent/spread_ledger/internal/storage"
)

// As a short lived CLI it is fine to keep the config path global.
var configPath = flag.String("config", "config.yaml", "Path to configuration file")

// app holds every wired collaborator of one process.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	users   *storage.FileStore
	shared  *storage.Handle
	feed    *broker.Feed
	service *ledger.Service
}

func newApp() (*app, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return wire(cfg)
}

// wire builds the service graph for cfg.
func wire(cfg *config.Config) (*app, error) {
	logger := cfg.NewLogger()

	users, err := storage.NewFileStore(cfg.Storage.DataDir, cfg.Storage.StartingBalance)
	if err != nil {
		return nil, fmt.Errorf("opening portfolio store: %w", err)
	}

	shared := storage.NewHandle(storage.NewOpener(storage.Settings{
		Driver:          storage.Driver(cfg.Storage.Driver),
		DSN:             cfg.Storage.DSN,
		DataDir:         cfg.Storage.DataDir,
		StartingBalance: cfg.Storage.StartingBalance,
	}), logger)

	feed := broker.NewFeed(newSource(cfg, logger), broker.FeedOptions{
		Timeout:       cfg.BrokerTimeout(),
		OrderCacheTTL: cfg.OrderCacheTTL(),
		Logger:        logger,
		OnUnavailable: func(op string) {
			metrics.BrokerUnavailable.WithLabelValues(op).Inc()
		},
	})

	engine := reconcile.NewEngine(feed, reconcile.Options{
		Owner:        cfg.Reconcile.Owner,
		LookbackDays: cfg.Reconcile.LookbackDays,
		Logger:       logger,
	})

	service := ledger.NewService(ledger.Deps{
		Users:  users,
		Shared: shared,
		Engine: engine,
		Feed:   feed,
	}, ledger.Options{
		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
		MaxContracts:     cfg.Risk.MaxContracts,
		Logger:           logger,
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		users:   users,
		shared:  shared,
		feed:    feed,
		service: service,
	}, nil
}

// newSource returns the configured broker source, or nil when none is set.
func newSource(cfg *config.Config, logger *logrus.Logger) broker.Source {
	switch cfg.Broker.Provider {
	case "alpaca":
		client := broker.NewAlpacaClient(cfg.Broker.APIKey, cfg.Broker.APISecret, broker.AlpacaOptions{
			BaseURL:       cfg.Broker.BaseURL,
			Paper:         cfg.IsPaperTrading(),
			Timeout:       cfg.BrokerTimeout(),
			RatePerSecond: cfg.Broker.RatePerSecond,
			Logger:        logger,
		})
		return broker.NewCircuitBreakerSource(client, broker.DefaultCircuitBreakerSettings, logger)
	case "file":
		return broker.NewFileSource(cfg.Broker.SnapshotPath)
	default:
		return nil
	}
}

// open eagerly opens the shared store so its availability is logged at
// startup rather than on first use.
func (a *app) open(ctx context.Context) {
	_ = a.shared.Open(ctx)
}

func (a *app) close() {
	if err := a.shared.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close shared store")
	}
	if err := a.users.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close portfolio store")
	}
}

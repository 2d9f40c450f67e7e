package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/subcommands"

	"github.com/eddiefleurent/spread_ledger/internal/api"
)

type serveCmd struct {
	port int
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the ledger HTTP API" }
func (*serveCmd) Usage() string {
	return `ledger [-config <file>] serve [-port <port>]

  Serves the ledger API until SIGINT or SIGTERM.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.port, "port", 0, "Port to listen on (overrides server.port)")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	defer a.close()

	port := a.cfg.Server.Port
	if c.port > 0 {
		port = c.port
	}

	a.logger.Infof("Starting spread ledger in %s mode", a.cfg.Environment.Mode)
	a.open(ctx)

	server := api.NewServer(api.Config{Port: port, AuthToken: a.cfg.Server.AuthToken}, a.service, a.logger)
	if a.cfg.Server.AuthToken == "" {
		a.logger.Warn("server.auth_token is empty; the API is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			a.logger.WithError(err).Error("Server error")
			return subcommands.ExitFailure
		}
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received, stopping server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Error("Graceful shutdown failed")
			return subcommands.ExitFailure
		}
	}

	a.logger.Info("Server stopped successfully")
	return subcommands.ExitSuccess
}

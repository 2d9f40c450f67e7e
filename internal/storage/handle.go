package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Driver names a relational backend.
type Driver string

const (
	DriverNone     Driver = "none"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Opener creates a backend. It is called at most once per successful Open.
type Opener func(ctx context.Context) (Backend, error)

// Settings selects and configures the shared relational backend.
type Settings struct {
	Driver          Driver
	DSN             string // SQLite file path or PostgreSQL URL
	DataDir         string // default location of the SQLite file
	StartingBalance float64
}

// NewOpener returns the Opener for s. DriverNone yields a backend that is
// always unavailable.
func NewOpener(s Settings) Opener {
	return func(ctx context.Context) (Backend, error) {
		switch s.Driver {
		case DriverSQLite:
			path := s.DSN
			if path == "" {
				path = filepath.Join(s.DataDir, "ledger.db")
			}
			return OpenSQLite(ctx, path, s.StartingBalance)
		case DriverPostgres:
			return OpenPostgres(ctx, s.DSN, s.StartingBalance)
		case DriverNone, "":
			return nil, ErrUnavailable
		default:
			return nil, fmt.Errorf("unknown storage driver %q", s.Driver)
		}
	}
}

// Handle owns the process-wide relational backend. It is opened lazily and
// at most once; when opening fails the handle stays unavailable and every
// caller sees that through Ledger instead of a nil store.
type Handle struct {
	mu      sync.Mutex
	open    Opener
	logger  *logrus.Logger
	backend Backend
	err     error
	tried   bool
}

// NewHandle returns an unopened handle.
func NewHandle(open Opener, logger *logrus.Logger) *Handle {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handle{open: open, logger: logger}
}

// Open initializes the backend on first call and returns the outcome of
// that first attempt on every later call.
func (h *Handle) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tried {
		return h.err
	}
	h.tried = true

	backend, err := h.open(ctx)
	if err != nil {
		h.err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		h.logger.WithError(err).Warn("Relational ledger store unavailable; reconciliation disabled")
		return h.err
	}
	h.backend = backend
	h.logger.Info("Relational ledger store opened")
	return nil
}

// Ledger returns the backend and whether it is available. It opens the
// handle on first use.
func (h *Handle) Ledger(ctx context.Context) (Ledger, bool) {
	if err := h.Open(ctx); err != nil {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backend == nil {
		return nil, false
	}
	return h.backend, true
}

// Close tears the backend down and resets the handle so it can be opened
// again.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.backend != nil {
		err = h.backend.Close()
	}
	h.backend = nil
	h.err = nil
	h.tried = false
	return err
}

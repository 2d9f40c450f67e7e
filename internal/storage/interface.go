// Package storage persists ledger trades. Three interchangeable backends sit
// behind Ledger: a per-user JSON document store, SQLite and PostgreSQL.
package storage

import (
	"context"
	"slices"

	"github.com/eddiefleurent/spread_ledger/internal/models"
)

// Ledger defines the contract for trade persistence.
//
// Get, Put and Upsert on the file backend are read-modify-write sequences;
// callers serialize them per user (see package keylock). The relational
// backends rely on single-row atomicity of their native upsert.
type Ledger interface {
	// Get returns the user's portfolio, or a fresh one with the configured
	// starting balance when none exists yet.
	Get(ctx context.Context, userID string) (*models.Portfolio, error)
	// Put replaces the user's portfolio.
	Put(ctx context.Context, userID string, p *models.Portfolio) error
	// Upsert inserts or updates one trade keyed by its id.
	Upsert(ctx context.Context, t models.Trade) error
	// List returns trades matching the filter.
	List(ctx context.Context, f Filter) ([]models.Trade, error)
	// Delete removes every trade owned by the user.
	Delete(ctx context.Context, userID string) error
}

// Backend is a Ledger that owns resources.
type Backend interface {
	Ledger
	Close() error
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	UserID   string
	Statuses []models.Status
	Source   models.Source
	OpenOnly bool
}

// Match reports whether t passes the filter.
func (f Filter) Match(t models.Trade) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Source != "" && t.Source != f.Source {
		return false
	}
	if f.OpenOnly && !t.IsOpen() {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	return true
}

var (
	_ Backend = (*FileStore)(nil)
	_ Backend = (*SQLStore)(nil)
	_ Backend = (*PostgresStore)(nil)
	_ Backend = (*MockStorage)(nil)
)

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/spread_ledger/internal/models"
)

// MockStorage is an in-memory Ledger for tests. It applies the same guards
// as the real backends and supports error injection.
type MockStorage struct {
	mu              sync.Mutex
	trades          []models.Trade
	created         map[string]time.Time
	startingBalance float64

	GetErr    error
	PutErr    error
	ListErr   error
	DeleteErr error
	// UpsertErr, if set, is consulted for every upsert; a non-nil result
	// fails that call.
	UpsertErr func(t models.Trade) error

	getCallCount    int
	putCallCount    int
	upsertCallCount int
}

// NewMockStorage creates an empty mock.
func NewMockStorage(startingBalance float64) *MockStorage {
	return &MockStorage{created: make(map[string]time.Time), startingBalance: startingBalance}
}

// Get returns the user's trades as a portfolio.
func (m *MockStorage) Get(_ context.Context, userID string) (*models.Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCallCount++
	if m.GetErr != nil {
		return nil, m.GetErr
	}

	created, ok := m.created[userID]
	if !ok {
		created = time.Now().UTC()
	}
	p := models.NewPortfolio(userID, m.startingBalance, created)
	for _, t := range m.trades {
		if t.UserID == userID {
			p.Trades = append(p.Trades, t.Clone())
		}
	}
	return p, nil
}

// Put replaces the user's trades.
func (m *MockStorage) Put(_ context.Context, userID string, p *models.Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCallCount++
	if m.PutErr != nil {
		return m.PutErr
	}

	doc := p.Clone()
	if err := checkPortfolio(userID, doc); err != nil {
		return err
	}
	kept := m.trades[:0:0]
	for _, t := range m.trades {
		if t.UserID != userID {
			kept = append(kept, t)
		}
	}
	m.trades = append(kept, doc.Trades...)
	if _, ok := m.created[userID]; !ok {
		m.created[userID] = doc.CreatedAt
	}
	return nil
}

// Upsert inserts or replaces t by id.
func (m *MockStorage) Upsert(_ context.Context, t models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCallCount++
	if m.UpsertErr != nil {
		if err := m.UpsertErr(t); err != nil {
			return fmt.Errorf("upserting trade %s: %w", t.ID, err)
		}
	}

	prepare(&t)
	if err := checkUpsert(&t, m.trades); err != nil {
		return err
	}
	for i := range m.trades {
		if m.trades[i].ID == t.ID {
			if err := checkReopen(&t, m.trades[i].Status); err != nil {
				return err
			}
			m.trades[i] = t.Clone()
			return nil
		}
	}
	m.trades = append(m.trades, t.Clone())
	return nil
}

// List returns matching trades in insertion order.
func (m *MockStorage) List(_ context.Context, f Filter) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := []models.Trade{}
	for _, t := range m.trades {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// Delete drops every trade owned by userID.
func (m *MockStorage) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	kept := m.trades[:0:0]
	for _, t := range m.trades {
		if t.UserID != userID {
			kept = append(kept, t)
		}
	}
	m.trades = kept
	delete(m.created, userID)
	return nil
}

// Close is a no-op.
func (m *MockStorage) Close() error { return nil }

// GetCallCount returns the number of Get calls.
func (m *MockStorage) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCallCount
}

// PutCallCount returns the number of Put calls.
func (m *MockStorage) PutCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCallCount
}

// UpsertCallCount returns the number of Upsert calls.
func (m *MockStorage) UpsertCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertCallCount
}

// Len returns the number of stored trades.
func (m *MockStorage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

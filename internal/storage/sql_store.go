package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/spread_ledger/internal/models"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

const sqliteUpsert = `INSERT INTO trades (id, user_id, source, ticker, strategy_type, status,
	short_strike, long_strike, expiration, credit, contracts, entry_date, exit_date, exit_reason,
	pnl, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	user_id = excluded.user_id,
	source = excluded.source,
	ticker = excluded.ticker,
	strategy_type = excluded.strategy_type,
	status = excluded.status,
	short_strike = excluded.short_strike,
	long_strike = excluded.long_strike,
	expiration = excluded.expiration,
	credit = excluded.credit,
	contracts = excluded.contracts,
	entry_date = excluded.entry_date,
	exit_date = excluded.exit_date,
	exit_reason = excluded.exit_reason,
	pnl = excluded.pnl,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at`

const sqliteStatus = `SELECT status FROM trades WHERE id = ?`

// timestampLayout is fixed width so text comparison orders rows in time.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteDuplicate = `SELECT id FROM trades
WHERE user_id = ? AND status = 'open' AND ticker = ? AND expiration = ?
	AND abs(short_strike - ?) <= ? AND abs(long_strike - ?) <= ? AND id <> ?
LIMIT 1`

// sqlTx is the subset of *sql.Tx the store needs.
type sqlTx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore is the shared trades table on an embedded SQLite database.
type SQLStore struct {
	db              *sql.DB
	startingBalance float64
	now             func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the embedded migrations.
func OpenSQLite(ctx context.Context, path string, startingBalance float64) (*SQLStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %s: %w", path, err)
	}
	// A single connection avoids SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, startingBalance: startingBalance, now: time.Now}, nil
}

// Get loads every trade owned by userID.
func (s *SQLStore) Get(ctx context.Context, userID string) (*models.Portfolio, error) {
	trades, err := s.List(ctx, Filter{UserID: userID})
	if err != nil {
		return nil, err
	}
	return portfolioFrom(userID, s.startingBalance, trades, s.now()), nil
}

// Put makes the table rows owned by userID match p in one transaction.
func (s *SQLStore) Put(ctx context.Context, userID string, p *models.Portfolio) error {
	doc := p.Clone()
	if err := checkPortfolio(userID, doc); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.ownedIDs(ctx, tx, userID)
	if err != nil {
		return err
	}
	for i := range doc.Trades {
		if err := s.write(ctx, tx, &doc.Trades[i]); err != nil {
			return err
		}
	}
	for _, id := range staleIDs(existing, doc.Trades) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting trade %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing portfolio %s: %w", userID, err)
	}
	return nil
}

// Upsert inserts or updates t by id. An open trade is rejected when its
// owner already holds another open trade on the same instrument.
func (s *SQLStore) Upsert(ctx context.Context, t models.Trade) error {
	prepare(&t)
	if err := t.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored string
	switch err := tx.QueryRowContext(ctx, sqliteStatus, t.ID).Scan(&stored); {
	case err == nil:
		if err := checkReopen(&t, models.Status(stored)); err != nil {
			return err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("loading trade %s: %w", t.ID, err)
	}

	if t.IsOpen() {
		var dupID string
		err := tx.QueryRowContext(ctx, sqliteDuplicate,
			t.UserID, t.Ticker, t.Expiration.UTC().Format(dateLayout),
			t.ShortStrike, models.StrikeMatchEpsilon, t.LongStrike, models.StrikeMatchEpsilon, t.ID,
		).Scan(&dupID)
		switch {
		case err == nil:
			return fmt.Errorf("trade %s duplicates open trade %s: %w", t.ID, dupID, ErrDuplicateOpen)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("checking duplicates for trade %s: %w", t.ID, err)
		}
	}

	if err := s.write(ctx, tx, &t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) write(ctx context.Context, tx sqlTx, t *models.Trade) error {
	md, err := encodeMetadata(t)
	if err != nil {
		return err
	}

	var exit sql.NullString
	if t.ExitDate != nil {
		exit = sql.NullString{String: t.ExitDate.UTC().Format(timestampLayout), Valid: true}
	}
	var pnl sql.NullFloat64
	if t.RealizedPnL != nil {
		pnl = sql.NullFloat64{Float64: *t.RealizedPnL, Valid: true}
	}
	now := s.now().UTC().Format(timestampLayout)

	_, err = tx.ExecContext(ctx, sqliteUpsert,
		t.ID, t.UserID, string(t.Source), t.Ticker, string(t.Strategy), string(t.Status),
		t.ShortStrike, t.LongStrike, t.Expiration.UTC().Format(dateLayout), t.Credit, t.Contracts,
		t.EntryDate.UTC().Format(timestampLayout), exit, string(t.ExitReason),
		pnl, string(md), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) ownedIDs(ctx context.Context, tx sqlTx, userID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM trades WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing trades of %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns matching trades ordered by entry date.
func (s *SQLStore) List(ctx context.Context, f Filter) ([]models.Trade, error) {
	where, args := filterClause(f, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM trades"+where+" ORDER BY entry_date, id", args...)
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	defer func() { _ = rows.Close() }()

	trades := []models.Trade{}
	for rows.Next() {
		t, err := scanSQLiteTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanSQLiteTrade(rs rowScanner) (models.Trade, error) {
	var (
		r          tradeRecord
		expiration string
		entry      string
		exit       sql.NullString
		pnl        sql.NullFloat64
		md         string
	)
	if err := rs.Scan(&r.ID, &r.UserID, &r.Source, &r.Ticker, &r.Strategy, &r.Status,
		&r.ShortStrike, &r.LongStrike, &expiration, &r.Credit, &r.Contracts,
		&entry, &exit, &r.ExitReason, &pnl, &md); err != nil {
		return models.Trade{}, fmt.Errorf("scanning trade: %w", err)
	}

	var err error
	if r.Expiration, err = time.Parse(dateLayout, expiration); err != nil {
		return models.Trade{}, fmt.Errorf("trade %s expiration: %w", r.ID, err)
	}
	if r.EntryDate, err = time.Parse(time.RFC3339Nano, entry); err != nil {
		return models.Trade{}, fmt.Errorf("trade %s entry date: %w", r.ID, err)
	}
	if exit.Valid {
		at, err := time.Parse(time.RFC3339Nano, exit.String)
		if err != nil {
			return models.Trade{}, fmt.Errorf("trade %s exit date: %w", r.ID, err)
		}
		r.ExitDate = &at
	}
	if pnl.Valid {
		v := pnl.Float64
		r.PnL = &v
	}
	r.Metadata = []byte(md)
	return r.toTrade()
}

// Delete removes every row owned by userID.
func (s *SQLStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM trades WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deleting trades of %s: %w", userID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

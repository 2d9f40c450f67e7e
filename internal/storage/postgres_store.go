package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/spread_ledger/internal/models"
)

const pgUpsert = `INSERT INTO trades (id, user_id, source, ticker, strategy_type, status,
	short_strike, long_strike, expiration, credit, contracts, entry_date, exit_date, exit_reason,
	pnl, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10::NUMERIC, $11, $12, $13, $14,
	$15::NUMERIC, $16::JSONB, $17, $17)
ON CONFLICT (id) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	source = EXCLUDED.source,
	ticker = EXCLUDED.ticker,
	strategy_type = EXCLUDED.strategy_type,
	status = EXCLUDED.status,
	short_strike = EXCLUDED.short_strike,
	long_strike = EXCLUDED.long_strike,
	expiration = EXCLUDED.expiration,
	credit = EXCLUDED.credit,
	contracts = EXCLUDED.contracts,
	entry_date = EXCLUDED.entry_date,
	exit_date = EXCLUDED.exit_date,
	exit_reason = EXCLUDED.exit_reason,
	pnl = EXCLUDED.pnl,
	metadata = EXCLUDED.metadata,
	updated_at = EXCLUDED.updated_at`

const pgStatus = `SELECT status FROM trades WHERE id = $1 FOR UPDATE`

const pgDuplicate = `SELECT id FROM trades
WHERE user_id = $1 AND status = 'open' AND ticker = $2 AND expiration = $3
	AND abs(short_strike - $4::NUMERIC) <= $6::NUMERIC
	AND abs(long_strike - $5::NUMERIC) <= $6::NUMERIC
	AND id <> $7
LIMIT 1`

const pgSelectColumns = `id, user_id, source, ticker, strategy_type, status,
	short_strike::TEXT, long_strike::TEXT, expiration, credit::TEXT, contracts,
	entry_date, exit_date, exit_reason, pnl::TEXT, metadata::TEXT`

// PostgresStore is the shared trades table on PostgreSQL. Monetary and
// strike columns are NUMERIC and travel as decimal strings.
type PostgresStore struct {
	pool            *pgxpool.Pool
	startingBalance float64
	now             func() time.Time
}

// OpenPostgres migrates the database behind dsn and connects a pool.
func OpenPostgres(ctx context.Context, dsn string, startingBalance float64) (*PostgresStore, error) {
	if err := migratePostgres(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return NewPostgresStore(pool, startingBalance), nil
}

// NewPostgresStore wraps an existing pool. The schema must already exist.
func NewPostgresStore(pool *pgxpool.Pool, startingBalance float64) *PostgresStore {
	return &PostgresStore{pool: pool, startingBalance: startingBalance, now: time.Now}
}

func numeric(x float64) string {
	return decimal.NewFromFloat(x).String()
}

func fromNumeric(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}

// Get loads every trade owned by userID.
func (s *PostgresStore) Get(ctx context.Context, userID string) (*models.Portfolio, error) {
	trades, err := s.List(ctx, Filter{UserID: userID})
	if err != nil {
		return nil, err
	}
	return portfolioFrom(userID, s.startingBalance, trades, s.now()), nil
}

// Put makes the rows owned by userID match p in one transaction.
func (s *PostgresStore) Put(ctx context.Context, userID string, p *models.Portfolio) error {
	doc := p.Clone()
	if err := checkPortfolio(userID, doc); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT id FROM trades WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("listing trades of %s: %w", userID, err)
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("listing trades of %s: %w", userID, err)
	}

	for i := range doc.Trades {
		if err := s.write(ctx, tx, &doc.Trades[i]); err != nil {
			return err
		}
	}
	for _, id := range staleIDs(existing, doc.Trades) {
		if _, err := tx.Exec(ctx, `DELETE FROM trades WHERE id = $1`, id); err != nil {
			return fmt.Errorf("deleting trade %s: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing portfolio %s: %w", userID, err)
	}
	return nil
}

// Upsert inserts or updates t by id with ON CONFLICT. An open trade is
// rejected when its owner already holds another open trade on the same
// instrument.
func (s *PostgresStore) Upsert(ctx context.Context, t models.Trade) error {
	prepare(&t)
	if err := t.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stored string
	switch err := tx.QueryRow(ctx, pgStatus, t.ID).Scan(&stored); {
	case err == nil:
		if err := checkReopen(&t, models.Status(stored)); err != nil {
			return err
		}
	case !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("loading trade %s: %w", t.ID, err)
	}

	if t.IsOpen() {
		var dupID string
		err := tx.QueryRow(ctx, pgDuplicate,
			t.UserID, t.Ticker, t.Expiration.UTC().Format(dateLayout),
			numeric(t.ShortStrike), numeric(t.LongStrike), numeric(models.StrikeMatchEpsilon), t.ID,
		).Scan(&dupID)
		switch {
		case err == nil:
			return fmt.Errorf("trade %s duplicates open trade %s: %w", t.ID, dupID, ErrDuplicateOpen)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("checking duplicates for trade %s: %w", t.ID, err)
		}
	}

	if err := s.write(ctx, tx, &t); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) write(ctx context.Context, tx pgx.Tx, t *models.Trade) error {
	md, err := encodeMetadata(t)
	if err != nil {
		return err
	}
	var pnl *string
	if t.RealizedPnL != nil {
		v := numeric(*t.RealizedPnL)
		pnl = &v
	}

	_, err = tx.Exec(ctx, pgUpsert,
		t.ID, t.UserID, string(t.Source), t.Ticker, string(t.Strategy), string(t.Status),
		numeric(t.ShortStrike), numeric(t.LongStrike), t.Expiration.UTC().Format(dateLayout),
		numeric(t.Credit), t.Contracts, t.EntryDate.UTC(), t.ExitDate, string(t.ExitReason),
		pnl, string(md), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting trade %s: %w", t.ID, err)
	}
	return nil
}

// List returns matching trades ordered by entry date.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]models.Trade, error) {
	where, args := filterClause(f, func(n int) string { return fmt.Sprintf("$%d", n) })
	rows, err := s.pool.Query(ctx,
		"SELECT "+pgSelectColumns+" FROM trades"+where+" ORDER BY entry_date, id", args...)
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		t, err := scanPostgresTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanPostgresTrade(rs rowScanner) (models.Trade, error) {
	var (
		r                   tradeRecord
		short, long, credit string
		pnl, md             *string
	)
	if err := rs.Scan(&r.ID, &r.UserID, &r.Source, &r.Ticker, &r.Strategy, &r.Status,
		&short, &long, &r.Expiration, &credit, &r.Contracts,
		&r.EntryDate, &r.ExitDate, &r.ExitReason, &pnl, &md); err != nil {
		return models.Trade{}, fmt.Errorf("scanning trade: %w", err)
	}

	var err error
	if r.ShortStrike, err = fromNumeric(short); err != nil {
		return models.Trade{}, fmt.Errorf("trade %s short strike: %w", r.ID, err)
	}
	if r.LongStrike, err = fromNumeric(long); err != nil {
		return models.Trade{}, fmt.Errorf("trade %s long strike: %w", r.ID, err)
	}
	if r.Credit, err = fromNumeric(credit); err != nil {
		return models.Trade{}, fmt.Errorf("trade %s credit: %w", r.ID, err)
	}
	if pnl != nil {
		v, err := fromNumeric(*pnl)
		if err != nil {
			return models.Trade{}, fmt.Errorf("trade %s pnl: %w", r.ID, err)
		}
		r.PnL = &v
	}
	if md != nil {
		r.Metadata = []byte(*md)
	}
	return r.toTrade()
}

// Delete removes every row owned by userID.
func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("deleting trades of %s: %w", userID, err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

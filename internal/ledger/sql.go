// internal/ledger/sql.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Dialect selects driver-specific SQL.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var ErrUnknownDialect = errors.New("unknown ledger dialect")

type statements struct {
	schema string
	last   string
	insert string
}

var dialects = map[Dialect]statements{
	DialectPostgres: {
		schema: `CREATE TABLE IF NOT EXISTS portfolio_balance (
	id BIGSERIAL PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL,
	balance_usd NUMERIC(20, 6) NOT NULL
)`,
		last:   `SELECT recorded_at FROM portfolio_balance ORDER BY recorded_at DESC LIMIT 1`,
		insert: `INSERT INTO portfolio_balance (recorded_at, balance_usd) VALUES ($1, $2)`,
	},
	DialectSQLite: {
		schema: `CREATE TABLE IF NOT EXISTS portfolio_balance (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at DATETIME NOT NULL,
	balance_usd NUMERIC NOT NULL
)`,
		last:   `SELECT recorded_at FROM portfolio_balance ORDER BY recorded_at DESC LIMIT 1`,
		insert: `INSERT INTO portfolio_balance (recorded_at, balance_usd) VALUES (?, ?)`,
	},
}

// SQLLedger stores balance rows in postgres or sqlite.
type SQLLedger struct {
	db     *sql.DB
	stmts  statements
	gate   *gate
	logger *zap.Logger
}

var _ Ledger = (*SQLLedger)(nil)

// OpenSQL connects with the driver matching dialect and prepares the table.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, interval time.Duration, logger *zap.Logger) (*SQLLedger, error) {
	if _, ok := dialects[dialect]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDialect, dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// sqlite allows one writer
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s ledger: %w", dialect, err)
	}
	l, err := NewSQLLedger(ctx, db, dialect, interval, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// NewSQLLedger wraps an open database.
func NewSQLLedger(ctx context.Context, db *sql.DB, dialect Dialect, interval time.Duration, logger *zap.Logger) (*SQLLedger, error) {
	stmts, ok := dialects[dialect]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDialect, dialect)
	}
	l := &SQLLedger{
		db:     db,
		stmts:  stmts,
		gate:   newGate(interval),
		logger: logger.Named("ledger"),
	}

	if _, err := db.ExecContext(ctx, stmts.schema); err != nil {
		return nil, fmt.Errorf("create ledger table: %w", err)
	}

	var last time.Time
	err := db.QueryRowContext(ctx, stmts.last).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read last ledger entry: %w", err)
	default:
		l.gate.commit(last.UTC())
		l.logger.Info("📒 Ledger resumed", zap.String("dialect", string(dialect)), zap.Time("last_entry", last))
	}

	return l, nil
}

// Record inserts a row if the logging interval has elapsed since the last one.
func (l *SQLLedger) Record(ctx context.Context, at time.Time, totalUSD decimal.Decimal) (bool, error) {
	at = at.UTC().Truncate(time.Second)
	if !l.gate.due(at) {
		return false, nil
	}

	if _, err := l.db.ExecContext(ctx, l.stmts.insert, at, totalUSD.StringFixed(6)); err != nil {
		return false, fmt.Errorf("insert balance: %w", err)
	}
	l.gate.commit(at)

	l.logger.Info("📒 Balance recorded",
		zap.Time("timestamp", at),
		zap.String("balance_usd", totalUSD.StringFixed(2)))
	return true, nil
}

func (l *SQLLedger) Last() (time.Time, bool) { return l.gate.lastWrite() }

func (l *SQLLedger) Close() error { return l.db.Close() }

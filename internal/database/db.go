package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Alias1177/Trader/models"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB is the trade journal: closed trades and the equity curve
type DB struct {
	*sql.DB
	driver string
}

// ConnectionParams holds PostgreSQL connection parameters
type ConnectionParams struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN builds a lib/pq connection string
func (p ConnectionParams) DSN() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, sslMode,
	)
}

// New creates a PostgreSQL-backed journal
func New(params ConnectionParams) (*DB, error) {
	return Open(DriverPostgres, params.DSN())
}

// Open connects with the given driver, pings and creates the tables
func Open(driver, dsn string) (*DB, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	// every sqlite connection to :memory: is a separate database
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	j := &DB{DB: db, driver: driver}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	return j, nil
}

// createTables creates the necessary tables if they don't exist
func (db *DB) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			position_id TEXT PRIMARY KEY,
			pair TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION NOT NULL,
			size DOUBLE PRECISION NOT NULL,
			pnl DOUBLE PRECISION NOT NULL,
			fees DOUBLE PRECISION NOT NULL,
			opened_at BIGINT NOT NULL,
			closed_at BIGINT NOT NULL,
			exit_reason TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS equity_points (
			ts BIGINT PRIMARY KEY,
			equity DOUBLE PRECISION NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

// RecordTrade stores a closed trade, replacing any earlier row for the same position
func (db *DB) RecordTrade(ctx context.Context, t models.Trade) error {
	_, err := db.ExecContext(ctx, db.rebind(`
		INSERT INTO trades (
			position_id, pair, side, entry_price, exit_price, size, pnl, fees,
			opened_at, closed_at, exit_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (position_id)
		DO UPDATE SET
			exit_price = EXCLUDED.exit_price,
			pnl = EXCLUDED.pnl,
			fees = EXCLUDED.fees,
			closed_at = EXCLUDED.closed_at,
			exit_reason = EXCLUDED.exit_reason
	`),
		t.PositionID, t.Pair, string(t.Side), t.EntryPrice, t.ExitPrice, t.Size, t.PnL, t.Fees,
		t.OpenedAt.UnixMilli(), t.ClosedAt.UnixMilli(), string(t.ExitReason))
	if err != nil {
		return fmt.Errorf("record trade %s: %w", t.PositionID, err)
	}
	return nil
}

// RecordEquity stores an equity point keyed by its timestamp
func (db *DB) RecordEquity(ctx context.Context, p models.EquityPoint) error {
	_, err := db.ExecContext(ctx, db.rebind(`
		INSERT INTO equity_points (ts, equity) VALUES (?, ?)
		ON CONFLICT (ts) DO UPDATE SET equity = EXCLUDED.equity
	`), p.Timestamp.UnixMilli(), p.Equity)
	if err != nil {
		return fmt.Errorf("record equity: %w", err)
	}
	return nil
}

// Trades returns journaled trades ordered by close time. An empty pair returns all.
func (db *DB) Trades(ctx context.Context, pair string) ([]models.Trade, error) {
	query := `
		SELECT position_id, pair, side, entry_price, exit_price, size, pnl, fees,
			opened_at, closed_at, exit_reason
		FROM trades`
	var args []any
	if pair != "" {
		query += ` WHERE pair = ?`
		args = append(args, pair)
	}
	query += ` ORDER BY closed_at, position_id`

	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var (
			t                  models.Trade
			side, reason       string
			openedAt, closedAt int64
		)
		if err := rows.Scan(&t.PositionID, &t.Pair, &side, &t.EntryPrice, &t.ExitPrice, &t.Size,
			&t.PnL, &t.Fees, &openedAt, &closedAt, &reason); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = models.Side(side)
		t.ExitReason = models.ExitReason(reason)
		t.OpenedAt = time.UnixMilli(openedAt).UTC()
		t.ClosedAt = time.UnixMilli(closedAt).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// EquityCurve returns the journaled equity points in time order
func (db *DB) EquityCurve(ctx context.Context) ([]models.EquityPoint, error) {
	rows, err := db.QueryContext(ctx, `SELECT ts, equity FROM equity_points ORDER BY ts`)
	if err != nil {
		return nil, fmt.Errorf("query equity: %w", err)
	}
	defer rows.Close()

	var points []models.EquityPoint
	for rows.Next() {
		var ts int64
		var p models.EquityPoint
		if err := rows.Scan(&ts, &p.Equity); err != nil {
			return nil, fmt.Errorf("scan equity: %w", err)
		}
		p.Timestamp = time.UnixMilli(ts).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// rebind turns ? placeholders into $n for postgres
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Package sqlite persists the position snapshot and the trade ledger.
// It is the single durable owner of both; everything in memory is a cache
// rehydrated from here at startup.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bracketbot/internal/domain"
	"bracketbot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store implements ports.PositionStore and ports.LedgerStore over SQLite.
type Store struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite store.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewStore opens (creating if necessary) the database and verifies the schema.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite store")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/bracketbot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// Single connection: the store is single-writer by design, and the Go
	// sqlite3 driver behaves best this way.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	st := &Store{db: db, logger: cfg.Logger}
	if err := st.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite store ready", map[string]interface{}{"path": dbPath})

	return st, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL DEFAULT NULL,
		quantity REAL NOT NULL,
		stop_price REAL NOT NULL DEFAULT 0,
		take_profit REAL NOT NULL DEFAULT 0,
		trailing_active INTEGER NOT NULL DEFAULT 0,
		trail_distance REAL NOT NULL DEFAULT 0,
		high_water_mark REAL NOT NULL DEFAULT 0,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		status TEXT NOT NULL,
		close_reason TEXT DEFAULT NULL,
		fees REAL NOT NULL DEFAULT 0,
		pnl REAL DEFAULT NULL,
		entry_order_id INTEGER NOT NULL DEFAULT 0,
		entry_order_key TEXT NOT NULL DEFAULT '',
		entry_order_status TEXT NOT NULL DEFAULT '',
		entry_retries INTEGER NOT NULL DEFAULT 0,
		stop_order_id INTEGER NOT NULL DEFAULT 0,
		stop_order_key TEXT NOT NULL DEFAULT '',
		stop_order_status TEXT NOT NULL DEFAULT '',
		stop_retries INTEGER NOT NULL DEFAULT 0,
		tp_order_id INTEGER NOT NULL DEFAULT 0,
		tp_order_key TEXT NOT NULL DEFAULT '',
		tp_order_status TEXT NOT NULL DEFAULT '',
		tp_retries INTEGER NOT NULL DEFAULT 0,
		close_order_id INTEGER NOT NULL DEFAULT 0,
		close_order_key TEXT NOT NULL DEFAULT '',
		close_order_status TEXT NOT NULL DEFAULT '',
		close_retries INTEGER NOT NULL DEFAULT 0
	);

	-- At most one live position per symbol.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_symbol
		ON positions (symbol)
		WHERE status NOT IN ('CLOSED', 'CANCELED', 'FAILED');
	CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions (symbol, status);

	CREATE TABLE IF NOT EXISTS ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		fees REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		close_reason TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_symbol_closed_at ON ledger (symbol, closed_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info(context.Background(), "Closing SQLite store")
		return s.db.Close()
	}
	return nil
}

// --- PositionStore implementation ---

const positionColumns = `id, symbol, side, entry_price, COALESCE(exit_price, 0), quantity,
	stop_price, take_profit, trailing_active, trail_distance, high_water_mark,
	opened_at, closed_at, status, close_reason, fees, COALESCE(pnl, 0),
	entry_order_id, entry_order_key, entry_order_status, entry_retries,
	stop_order_id, stop_order_key, stop_order_status, stop_retries,
	tp_order_id, tp_order_key, tp_order_status, tp_retries,
	close_order_id, close_order_key, close_order_status, close_retries`

// Create persists a new position and returns its assigned ID. A second live
// position for the same symbol violates the unique index and is reported as
// ports.ErrDuplicateEntry.
func (s *Store) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, side, entry_price, quantity, stop_price, take_profit,
		trailing_active, trail_distance, high_water_mark, opened_at, status, fees,
		entry_order_id, entry_order_key, entry_order_status, entry_retries,
		stop_order_id, stop_order_key, stop_order_status, stop_retries,
		tp_order_id, tp_order_key, tp_order_status, tp_retries,
		close_order_id, close_order_key, close_order_status, close_retries)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.StopPrice, pos.TakeProfit,
		pos.TrailingActive, pos.TrailDistance, pos.HighWaterMark, pos.OpenedAt, pos.Status, pos.Fees,
		pos.EntryOrder.ExchangeID, pos.EntryOrder.IdempotencyKey, pos.EntryOrder.Status, pos.EntryOrder.RetryCount,
		pos.StopOrder.ExchangeID, pos.StopOrder.IdempotencyKey, pos.StopOrder.Status, pos.StopOrder.RetryCount,
		pos.TakeProfitOrder.ExchangeID, pos.TakeProfitOrder.IdempotencyKey, pos.TakeProfitOrder.Status, pos.TakeProfitOrder.RetryCount,
		pos.CloseOrder.ExchangeID, pos.CloseOrder.IdempotencyKey, pos.CloseOrder.Status, pos.CloseOrder.RetryCount)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("open position already exists for %s: %w", pos.Symbol, ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	s.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol, "status": pos.Status})
	return id, nil
}

// Update persists the current state of an existing position.
func (s *Store) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET entry_price = ?, exit_price = ?, quantity = ?, stop_price = ?, take_profit = ?,
	    trailing_active = ?, trail_distance = ?, high_water_mark = ?,
	    closed_at = ?, status = ?, close_reason = ?, fees = ?, pnl = ?,
	    entry_order_id = ?, entry_order_key = ?, entry_order_status = ?, entry_retries = ?,
	    stop_order_id = ?, stop_order_key = ?, stop_order_status = ?, stop_retries = ?,
	    tp_order_id = ?, tp_order_key = ?, tp_order_status = ?, tp_retries = ?,
	    close_order_id = ?, close_order_key = ?, close_order_status = ?, close_retries = ?
	WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		pos.EntryPrice, pos.ExitPrice, pos.Quantity, pos.StopPrice, pos.TakeProfit,
		pos.TrailingActive, pos.TrailDistance, pos.HighWaterMark,
		nullTime(pos.ClosedAt), pos.Status, nullString(string(pos.CloseReason)), pos.Fees, pos.PNL,
		pos.EntryOrder.ExchangeID, pos.EntryOrder.IdempotencyKey, pos.EntryOrder.Status, pos.EntryOrder.RetryCount,
		pos.StopOrder.ExchangeID, pos.StopOrder.IdempotencyKey, pos.StopOrder.Status, pos.StopOrder.RetryCount,
		pos.TakeProfitOrder.ExchangeID, pos.TakeProfitOrder.IdempotencyKey, pos.TakeProfitOrder.Status, pos.TakeProfitOrder.RetryCount,
		pos.CloseOrder.ExchangeID, pos.CloseOrder.IdempotencyKey, pos.CloseOrder.Status, pos.CloseOrder.RetryCount,
		pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update position ID %d: %w", pos.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for position ID %d: %w", pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	s.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "status": pos.Status})
	return nil
}

// FindOpenBySymbol retrieves the live position for a symbol, if any.
func (s *Store) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + `
	FROM positions
	WHERE symbol = ? AND status NOT IN ('CLOSED', 'CANCELED', 'FAILED')`

	row := s.db.QueryRowContext(ctx, query, symbol)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open position for symbol %s: %w", symbol, err)
	}
	return pos, nil
}

// FindOpen retrieves every live position, ordered by open time.
func (s *Store) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + `
	FROM positions
	WHERE status NOT IN ('CLOSED', 'CANCELED', 'FAILED')
	ORDER BY opened_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during FindOpen: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// Settle marks the position terminal and appends its ledger entry in one
// transaction, so a crash can never record the close without the ledger
// line or vice versa.
func (s *Store) Settle(ctx context.Context, pos *domain.Position, entry domain.LedgerEntry) error {
	if !pos.Status.Terminal() {
		return fmt.Errorf("cannot settle position %d in non-terminal status %s", pos.ID, pos.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin settle transaction for position %d: %w", pos.ID, err)
	}
	defer tx.Rollback()

	const updateQuery = `
	UPDATE positions
	SET exit_price = ?, closed_at = ?, status = ?, close_reason = ?, fees = ?, pnl = ?,
	    stop_order_status = ?, tp_order_status = ?,
	    close_order_id = ?, close_order_key = ?, close_order_status = ?, close_retries = ?
	WHERE id = ?`
	res, err := tx.ExecContext(ctx, updateQuery,
		pos.ExitPrice, nullTime(pos.ClosedAt), pos.Status, nullString(string(pos.CloseReason)), pos.Fees, pos.PNL,
		pos.StopOrder.Status, pos.TakeProfitOrder.Status,
		pos.CloseOrder.ExchangeID, pos.CloseOrder.IdempotencyKey, pos.CloseOrder.Status, pos.CloseOrder.RetryCount,
		pos.ID)
	if err != nil {
		return fmt.Errorf("failed to mark position %d settled: %w", pos.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for settle of position %d: %w", pos.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("position ID %d not found for settle: %w", pos.ID, ports.ErrNotFound)
	}

	const insertQuery = `
	INSERT INTO ledger (symbol, side, entry_price, exit_price, quantity, fees, realized_pnl, close_reason, opened_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertQuery,
		entry.Symbol, entry.Side, entry.EntryPrice, entry.ExitPrice, entry.Quantity,
		entry.Fees, entry.RealizedPNL, entry.CloseReason, entry.OpenedAt, entry.ClosedAt); err != nil {
		return fmt.Errorf("failed to append ledger entry for %s: %w", entry.Symbol, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settle for position %d: %w", pos.ID, err)
	}
	s.logger.Debug(ctx, "Position settled", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "pnl": pos.PNL})
	return nil
}

// --- LedgerStore implementation ---

// Append writes a new ledger entry and returns its assigned ID.
func (s *Store) Append(ctx context.Context, entry domain.LedgerEntry) (int64, error) {
	const query = `
	INSERT INTO ledger (symbol, side, entry_price, exit_price, quantity, fees, realized_pnl, close_reason, opened_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		entry.Symbol, entry.Side, entry.EntryPrice, entry.ExitPrice, entry.Quantity,
		entry.Fees, entry.RealizedPNL, entry.CloseReason, entry.OpenedAt, entry.ClosedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry for %s: %w", entry.Symbol, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for ledger entry %s: %w", entry.Symbol, err)
	}
	return id, nil
}

// Recent retrieves the most recent ledger entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*domain.LedgerEntry, error) {
	const query = `
	SELECT id, symbol, side, entry_price, exit_price, quantity, fees, realized_pnl, close_reason, opened_at, closed_at
	FROM ledger ORDER BY closed_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.LedgerEntry, 0)
	for rows.Next() {
		e := &domain.LedgerEntry{}
		var side, reason string
		if err := rows.Scan(&e.ID, &e.Symbol, &side, &e.EntryPrice, &e.ExitPrice, &e.Quantity,
			&e.Fees, &e.RealizedPNL, &reason, &e.OpenedAt, &e.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Side = domain.Side(side)
		e.CloseReason = domain.CloseReason(reason)
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	return entries, nil
}

// RealizedPNLSince sums realized P&L for trades closed at or after t.
func (s *Store) RealizedPNLSince(ctx context.Context, t time.Time) (float64, error) {
	const query = `SELECT COALESCE(SUM(realized_pnl), 0) FROM ledger WHERE closed_at >= ?`
	var total float64
	if err := s.db.QueryRowContext(ctx, query, t).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return total, nil
}

// --- scan helpers ---

// scanner is compatible with both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(sc scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var (
		side, status    string
		closedAt        sql.NullTime
		closeReason     sql.NullString
		entrySt, stopSt string
		tpSt, closeSt   string
	)
	err := sc.Scan(
		&p.ID, &p.Symbol, &side, &p.EntryPrice, &p.ExitPrice, &p.Quantity,
		&p.StopPrice, &p.TakeProfit, &p.TrailingActive, &p.TrailDistance, &p.HighWaterMark,
		&p.OpenedAt, &closedAt, &status, &closeReason, &p.Fees, &p.PNL,
		&p.EntryOrder.ExchangeID, &p.EntryOrder.IdempotencyKey, &entrySt, &p.EntryOrder.RetryCount,
		&p.StopOrder.ExchangeID, &p.StopOrder.IdempotencyKey, &stopSt, &p.StopOrder.RetryCount,
		&p.TakeProfitOrder.ExchangeID, &p.TakeProfitOrder.IdempotencyKey, &tpSt, &p.TakeProfitOrder.RetryCount,
		&p.CloseOrder.ExchangeID, &p.CloseOrder.IdempotencyKey, &closeSt, &p.CloseOrder.RetryCount)
	if err != nil {
		return nil, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	if closeReason.Valid {
		p.CloseReason = domain.CloseReason(closeReason.String)
	}
	p.EntryOrder.Intent = domain.IntentEntry
	p.EntryOrder.Status = domain.OrderStatus(entrySt)
	p.StopOrder.Intent = domain.IntentStop
	p.StopOrder.Status = domain.OrderStatus(stopSt)
	p.TakeProfitOrder.Intent = domain.IntentTakeProfit
	p.TakeProfitOrder.Status = domain.OrderStatus(tpSt)
	p.CloseOrder.Intent = domain.IntentClose
	p.CloseOrder.Status = domain.OrderStatus(closeSt)
	return p, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

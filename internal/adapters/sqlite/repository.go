package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.TradeJournal using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for SQLite repository", ports.ErrConfigurationError)
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/spot_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("%w: failed to open database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// A single connection serializes writers; the engine journals from one goroutine anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trade_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		entry_price REAL NOT NULL DEFAULT 0,
		pnl_usd REAL NOT NULL DEFAULT 0,
		pnl_pct REAL NOT NULL DEFAULT 0,
		is_win INTEGER NOT NULL DEFAULT 0,
		balance_after REAL NOT NULL DEFAULT 0,
		reason TEXT NULL,
		order_id TEXT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trade_history_symbol_timestamp ON trade_history (symbol, timestamp);
	CREATE INDEX IF NOT EXISTS idx_trade_history_side_timestamp ON trade_history (side, timestamp);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: failed to execute schema initialization: %w", ports.ErrQueryFailed, err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// SaveTrade stores a trade record and returns its assigned ID.
func (r *Repository) SaveTrade(ctx context.Context, rec *domain.TradeRecord) (int64, error) {
	if rec == nil || rec.Symbol == "" {
		return 0, fmt.Errorf("%w: trade record requires a symbol", ports.ErrInvalidRequest)
	}
	const query = `
	INSERT INTO trade_history (timestamp, symbol, side, quantity, price, entry_price,
	                           pnl_usd, pnl_pct, is_win, balance_after, reason, order_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var reason, orderID sql.NullString
	if rec.Reason != "" {
		reason = sql.NullString{String: string(rec.Reason), Valid: true}
	}
	if rec.OrderID != "" {
		orderID = sql.NullString{String: rec.OrderID, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		rec.Timestamp.UTC(), rec.Symbol, string(rec.Side), rec.Quantity, rec.Price, rec.EntryPrice,
		rec.PnLUSD, rec.PnLPct, rec.IsWin, rec.BalanceAfter, reason, orderID)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to insert trade for symbol %s: %w", ports.ErrQueryFailed, rec.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get last insert ID for trade %s: %w", ports.ErrQueryFailed, rec.Symbol, err)
	}
	rec.ID = id
	r.logger.Debug(ctx, "Trade journaled", map[string]interface{}{
		"tradeID": id, "symbol": rec.Symbol, "side": string(rec.Side), "pnlUsd": rec.PnLUSD,
	})
	return id, nil
}

const selectTrade = `
	SELECT id, timestamp, symbol, side, quantity, price, entry_price,
	       pnl_usd, pnl_pct, is_win, balance_after, reason, order_id
	FROM trade_history`

// RecentTrades returns the most recent trades, newest first. An empty symbol matches all.
func (r *Repository) RecentTrades(ctx context.Context, symbol string, limit int) ([]*domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if symbol == "" {
		rows, err = r.db.QueryContext(ctx, selectTrade+` ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, selectTrade+` WHERE symbol = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, symbol, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query recent trades for symbol %q: %w", ports.ErrQueryFailed, symbol, err)
	}
	return collectTrades(rows)
}

// LastBuy returns the most recent BUY for a symbol, or nil, nil if none exists.
func (r *Repository) LastBuy(ctx context.Context, symbol string) (*domain.TradeRecord, error) {
	row := r.db.QueryRowContext(ctx,
		selectTrade+` WHERE symbol = ? AND side = ? ORDER BY timestamp DESC, id DESC LIMIT 1`,
		symbol, string(domain.Buy))
	rec, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "No buy found for symbol", map[string]interface{}{"symbol": symbol})
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to query last buy for symbol %s: %w", ports.ErrQueryFailed, symbol, err)
	}
	return rec, nil
}

// ClosedTrades returns all closing trades, oldest first.
func (r *Repository) ClosedTrades(ctx context.Context) ([]*domain.TradeRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectTrade+` WHERE side = ? ORDER BY timestamp ASC, id ASC`, string(domain.Sell))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query closed trades: %w", ports.ErrQueryFailed, err)
	}
	return collectTrades(rows)
}

// TradesSince returns every trade at or after since, oldest first.
func (r *Repository) TradesSince(ctx context.Context, since time.Time) ([]*domain.TradeRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectTrade+` WHERE timestamp >= ? ORDER BY timestamp ASC, id ASC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query trades since %s: %w", ports.ErrQueryFailed, since.Format(time.RFC3339), err)
	}
	return collectTrades(rows)
}

func collectTrades(rows *sql.Rows) ([]*domain.TradeRecord, error) {
	defer rows.Close()
	trades := make([]*domain.TradeRecord, 0)
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan trade: %w", ports.ErrQueryFailed, err)
		}
		trades = append(trades, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating trade rows: %w", ports.ErrQueryFailed, err)
	}
	return trades, nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*domain.TradeRecord, error) {
	t := &domain.TradeRecord{}
	var side string
	var reason, orderID sql.NullString
	err := s.Scan(
		&t.ID, &t.Timestamp, &t.Symbol, &side, &t.Quantity, &t.Price, &t.EntryPrice,
		&t.PnLUSD, &t.PnLPct, &t.IsWin, &t.BalanceAfter, &reason, &orderID)
	if err != nil {
		return nil, err // sql.ErrNoRows is handled by the caller
	}
	t.Side = domain.OrderSide(side)
	if reason.Valid {
		t.Reason = domain.CloseReason(reason.String)
	}
	if orderID.Valid {
		t.OrderID = orderID.String
	}
	return t, nil
}

// Package audit persists every signal and position outcome to SQLite so a
// session can be analyzed after the fact (and across restarts). The file is
// opened in WAL mode with a single writer connection; writes are serialized
// through a mutex and never block the trading path on failure — an audit
// error is logged and swallowed.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"perp-scalper/pkg/types"
)

// Store is the SQLite-backed audit log.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the audit database at path.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}

	logger = logger.With("component", "audit")
	logger.Info("audit store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS signals (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_id   TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		direction   TEXT NOT NULL,
		strength    REAL NOT NULL,
		entry_price REAL NOT NULL,
		tp1_price   REAL NOT NULL,
		tp2_price   REAL NOT NULL,
		sl_price    REAL NOT NULL,
		status      TEXT NOT NULL,
		note        TEXT,
		metadata    TEXT,
		created_at  DATETIME NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol);
	CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status);

	CREATE TABLE IF NOT EXISTS positions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol       TEXT NOT NULL,
		direction    TEXT NOT NULL,
		entry_price  REAL NOT NULL,
		quantity     REAL NOT NULL,
		leverage     INTEGER NOT NULL,
		signal_id    TEXT,
		opened_at    DATETIME NOT NULL,
		closed_at    DATETIME,
		close_reason TEXT,
		exit_price   REAL,
		pnl          REAL,
		metadata     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);
	CREATE INDEX IF NOT EXISTS idx_positions_opened ON positions(opened_at);
	`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// RecordSignal writes one signal outcome row. The full signal is kept as a
// JSON metadata blob alongside the queryable columns.
func (s *Store) RecordSignal(sig *types.Signal, status types.SignalStatus, note string) {
	meta, _ := json.Marshal(sig)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO signals (signal_id, symbol, direction, strength, entry_price, tp1_price, tp2_price, sl_price, status, note, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Symbol, string(sig.Direction), sig.Strength,
		sig.EntryPrice, sig.TP1Price, sig.TP2Price, sig.SLPrice,
		string(status), note, string(meta), sig.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		s.logger.Error("signal audit write failed", "signal", sig.ID, "error", err)
	}
}

// RecordPositionOpen writes the open row for a new position.
func (s *Store) RecordPositionOpen(pos *types.Position) {
	meta, _ := json.Marshal(pos)

	var sigID string
	if pos.Signal != nil {
		sigID = pos.Signal.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO positions (symbol, direction, entry_price, quantity, leverage, signal_id, opened_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.Symbol, string(pos.Direction), pos.EntryPrice, pos.InitialQty,
		pos.Leverage, sigID, pos.EnteredAt.UTC().Format(time.RFC3339), string(meta),
	)
	if err != nil {
		s.logger.Error("position audit write failed", "symbol", pos.Symbol, "error", err)
	}
}

// RecordPositionClose completes the most recent open row for the symbol.
func (s *Store) RecordPositionClose(pos *types.Position, reason types.CloseReason, exitPrice, pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE positions
		 SET closed_at = ?, close_reason = ?, exit_price = ?, pnl = ?
		 WHERE id = (
			SELECT id FROM positions
			WHERE symbol = ? AND closed_at IS NULL
			ORDER BY opened_at DESC LIMIT 1
		 )`,
		time.Now().UTC().Format(time.RFC3339), string(reason), exitPrice, pnl, pos.Symbol,
	)
	if err != nil {
		s.logger.Error("position close audit write failed", "symbol", pos.Symbol, "error", err)
	}
}

// TradeSummary aggregates the closed positions for the status endpoint.
type TradeSummary struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	TotalPnl float64 `json:"totalPnl"`
}

// Summary returns trade statistics since the given time.
func (s *Store) Summary(since time.Time) (TradeSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out TradeSummary
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0), COALESCE(SUM(pnl), 0)
		 FROM positions WHERE closed_at IS NOT NULL AND opened_at >= ?`,
		since.UTC().Format(time.RFC3339),
	)
	if err := row.Scan(&out.Trades, &out.Wins, &out.TotalPnl); err != nil {
		return TradeSummary{}, fmt.Errorf("audit summary: %w", err)
	}
	return out, nil
}

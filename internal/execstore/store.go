package execstore

import (
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/quantfold/tickpipe/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	symbol    TEXT NOT NULL,
	signal_id TEXT NOT NULL,
	order_id  TEXT NOT NULL,
	ts_ms     INTEGER NOT NULL,
	status    TEXT NOT NULL,
	gating    INTEGER NOT NULL DEFAULT 0,
	meta      TEXT NOT NULL DEFAULT '',
	UNIQUE (symbol, signal_id, order_id)
);
CREATE INDEX IF NOT EXISTS idx_executions_symbol_ts ON executions (symbol, ts_ms);
`

// Store persists execution records in SQLite. The UNIQUE key on
// (symbol, signal_id, order_id) makes recording idempotent, and the max ts_ms
// per symbol doubles as the resume watermark after a restart.
// modernc.org/sqlite is not safe for concurrent writers on one connection, so
// all writes are serialised behind a mutex.
type Store struct {
	mu sync.Mutex
	db *sqlx.DB
}

// Open opens (or creates) the store at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open execution store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("execution store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts the record; a duplicate key is a no-op and reports false.
func (s *Store) Record(rec *model.ExecutionRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.NamedExec(`INSERT OR IGNORE INTO executions
		(symbol, signal_id, order_id, ts_ms, status, gating, meta)
		VALUES (:symbol, :signal_id, :order_id, :ts_ms, :status, :gating, :meta)`, rec)
	if err != nil {
		return false, fmt.Errorf("record execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStatus rewrites the status of an existing record.
func (s *Store) UpdateStatus(symbol, signalID, orderID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE executions SET status = ?
		WHERE symbol = ? AND signal_id = ? AND order_id = ?`,
		status, symbol, signalID, orderID)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	return nil
}

// Seen reports whether a record already exists for the key.
func (s *Store) Seen(symbol, signalID, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.Get(&n, `SELECT COUNT(1) FROM executions
		WHERE symbol = ? AND signal_id = ? AND order_id = ?`,
		symbol, signalID, orderID)
	if err != nil {
		return false, fmt.Errorf("query execution: %w", err)
	}
	return n > 0, nil
}

// Watermark returns the newest recorded ts_ms for a symbol, zero when none.
// Live workers skip signals at or before this on resume.
func (s *Store) Watermark(symbol string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ts int64
	err := s.db.Get(&ts, `SELECT COALESCE(MAX(ts_ms), 0) FROM executions WHERE symbol = ?`, symbol)
	if err != nil {
		return 0, fmt.Errorf("query watermark: %w", err)
	}
	return ts, nil
}

// BySymbol returns the records for one symbol ordered by time.
func (s *Store) BySymbol(symbol string) ([]model.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []model.ExecutionRecord
	err := s.db.Select(&recs, `SELECT symbol, signal_id, order_id, ts_ms, status, gating, meta
		FROM executions WHERE symbol = ? ORDER BY ts_ms`, symbol)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	return recs, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

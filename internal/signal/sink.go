package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/quantfold/tickpipe/internal/model"
)

// Sink receives every emitted signal (confirmed and gated alike).
type Sink interface {
	Write(sig *model.Signal) error
	Flush() error
	Close() error
}

// signalRecord adds the writer meta tag identifying the sink mode.
type signalRecord struct {
	*model.Signal
	Writer string `json:"writer"`
}

// JSONLSink appends signals to per-symbol, per-minute JSONL files:
// <dir>/<SYMBOL>/signals_<YYYYMMDD_HHMM>.jsonl. At most one file per symbol
// stays open: rolling into a new minute closes the previous one, so long live
// sessions hold a bounded number of descriptors.
type JSONLSink struct {
	dir    string
	writer string
	files  map[string]*minuteFile
}

type minuteFile struct {
	minute string
	f      *os.File
}

// NewJSONLSink creates the sink rooted at dir.
func NewJSONLSink(dir string) *JSONLSink {
	return &JSONLSink{dir: dir, writer: "jsonl", files: make(map[string]*minuteFile)}
}

func (s *JSONLSink) Write(sig *model.Signal) error {
	minute := time.UnixMilli(sig.TSMs).UTC().Format("20060102_1504")
	cur, ok := s.files[sig.Symbol]
	if !ok || cur.minute != minute {
		if ok {
			if err := cur.f.Close(); err != nil {
				return fmt.Errorf("signal sink close: %w", err)
			}
			delete(s.files, sig.Symbol)
		}
		dir := filepath.Join(s.dir, sig.Symbol)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("signal sink mkdir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "signals_"+minute+".jsonl"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("signal sink open: %w", err)
		}
		cur = &minuteFile{minute: minute, f: f}
		s.files[sig.Symbol] = cur
	}
	data, err := json.Marshal(signalRecord{Signal: sig, Writer: s.writer})
	if err != nil {
		return fmt.Errorf("signal sink marshal: %w", err)
	}
	if _, err := cur.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("signal sink write: %w", err)
	}
	return nil
}

func (s *JSONLSink) Flush() error {
	for _, cur := range s.files {
		if err := cur.f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONLSink) Close() error {
	var firstErr error
	for sym, cur := range s.files {
		if err := cur.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, sym)
	}
	return firstErr
}

// SQLiteSink mirrors signals into a signals table with UNIQUE signal_id and
// a (symbol, ts_ms) index. WAL and a busy timeout tolerate concurrent
// readers.
type SQLiteSink struct {
	db     *sqlx.DB
	writer string
}

const signalsSchema = `
CREATE TABLE IF NOT EXISTS signals (
	signal_id     TEXT NOT NULL UNIQUE,
	symbol        TEXT NOT NULL,
	ts_ms         INTEGER NOT NULL,
	score         REAL NOT NULL,
	signal_type   TEXT NOT NULL,
	confirm       INTEGER NOT NULL,
	gating        INTEGER NOT NULL,
	decision_code TEXT NOT NULL,
	gate_reason   TEXT NOT NULL DEFAULT '',
	regime        TEXT NOT NULL,
	scenario_2x2  TEXT NOT NULL,
	config_hash   TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	writer        TEXT NOT NULL,
	feature_data  TEXT
);
CREATE INDEX IF NOT EXISTS idx_signals_symbol_ts ON signals(symbol, ts_ms);
`

// NewSQLiteSink opens (or creates) the signals database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("signal db mkdir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open signal db: %w", err)
	}
	if _, err := db.Exec(signalsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate signal db: %w", err)
	}
	return &SQLiteSink{db: db, writer: "sqlite"}, nil
}

func (s *SQLiteSink) Write(sig *model.Signal) error {
	var featureData []byte
	if sig.FeatureData != nil {
		var err error
		featureData, err = json.Marshal(sig.FeatureData)
		if err != nil {
			return fmt.Errorf("signal db marshal feature data: %w", err)
		}
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO signals
		(signal_id, symbol, ts_ms, score, signal_type, confirm, gating,
		 decision_code, gate_reason, regime, scenario_2x2, config_hash, run_id, writer, feature_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.SignalID, sig.Symbol, sig.TSMs, sig.Score, string(sig.Type),
		boolToInt(sig.Confirm), sig.Gating, string(sig.DecisionCode), sig.GateReason,
		string(sig.Regime), string(sig.Scenario), sig.ConfigHash, sig.RunID, s.writer,
		string(featureData))
	if err != nil {
		return fmt.Errorf("signal db insert: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Flush() error { return nil }

func (s *SQLiteSink) Close() error { return s.db.Close() }

// CountBySignalID reports distinct stored ids, for parity checks against the
// JSONL sink in dual mode.
func (s *SQLiteSink) CountBySignalID() (int, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(DISTINCT signal_id) FROM signals`); err != nil {
		return 0, fmt.Errorf("signal db count: %w", err)
	}
	return n, nil
}

// DualSink writes identical fields to both sinks; the writer tag becomes
// "dual" on each side's record.
type DualSink struct {
	jsonl  *JSONLSink
	sqlite *SQLiteSink
}

// NewDualSink combines a JSONL sink and a SQLite mirror.
func NewDualSink(jsonl *JSONLSink, sqlite *SQLiteSink) *DualSink {
	jsonl.writer = "dual"
	sqlite.writer = "dual"
	return &DualSink{jsonl: jsonl, sqlite: sqlite}
}

func (s *DualSink) Write(sig *model.Signal) error {
	if err := s.jsonl.Write(sig); err != nil {
		return err
	}
	return s.sqlite.Write(sig)
}

func (s *DualSink) Flush() error {
	if err := s.jsonl.Flush(); err != nil {
		return err
	}
	return s.sqlite.Flush()
}

func (s *DualSink) Close() error {
	err := s.jsonl.Close()
	if cerr := s.sqlite.Close(); err == nil {
		err = cerr
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

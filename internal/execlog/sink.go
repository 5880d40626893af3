package execlog

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tickpipe/internal/model"
)

const defaultMaxBytes = 10 << 20 // rotate a part past 10 MiB

// Options tune the sink.
type Options struct {
	FsyncEveryN int     // batch durability; default 100
	MaxBytes    int64   // size rotation threshold; default 10 MiB
	SampleRate  float64 // accepted-event sampling; failures always logged
	Writer      string  // meta._writer tag
}

// Sink is the append-only execution log written through an outbox: events
// accumulate in spool/execlog/<symbol>/exec_<YYYYMMDD_HHMM>.part and are
// published by an atomic move to ready/execlog/<symbol>/... as .jsonl.
// A publish failure leaves the spool file in place for the next flush, so no
// event is ever silently dropped.
type Sink struct {
	root string
	opts Options
	rand *rand.Rand

	mu      sync.Mutex
	parts   map[string]*part
	pending []publish
	closed  bool

	// counters
	written    int
	sampledOut int
}

type part struct {
	symbol string
	minute string
	path   string
	f      *os.File
	bytes  int64
	unsynced int
}

type publish struct {
	src string
	dst string
}

// NewSink creates the outbox sink rooted at root.
func NewSink(root string, opts Options) *Sink {
	if opts.FsyncEveryN <= 0 {
		opts.FsyncEveryN = 100
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 0.01
	}
	if opts.Writer == "" {
		opts.Writer = "execlog"
	}
	return &Sink{
		root:  root,
		opts:  opts,
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		parts: make(map[string]*part),
	}
}

// Append writes one event. Failed events are logged 100%; accepted events are
// sampled at the configured rate.
func (s *Sink) Append(ev *model.ExecEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("execlog sink closed")
	}

	if !ev.Failed() && s.opts.SampleRate < 1.0 && s.rand.Float64() >= s.opts.SampleRate {
		s.sampledOut++
		return nil
	}
	if ev.Meta == nil {
		ev.Meta = &model.ExecEventMeta{Writer: s.opts.Writer}
	}

	minute := time.UnixMilli(ev.TSMs).UTC().Format("20060102_1504")
	p := s.parts[ev.Symbol]
	if p != nil && (p.minute != minute || p.bytes >= s.opts.MaxBytes) {
		if err := s.finalize(p); err != nil {
			return err
		}
		p = nil
	}
	if p == nil {
		var err error
		p, err = s.openPart(ev.Symbol, minute)
		if err != nil {
			return err
		}
		s.parts[ev.Symbol] = p
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("execlog marshal: %w", err)
	}
	n, err := p.f.Write(append(line, '\n'))
	if err != nil {
		return fmt.Errorf("execlog write: %w", err)
	}
	p.bytes += int64(n)
	p.unsynced++
	s.written++
	if p.unsynced >= s.opts.FsyncEveryN {
		if err := p.f.Sync(); err != nil {
			return fmt.Errorf("execlog fsync: %w", err)
		}
		p.unsynced = 0
	}
	return nil
}

// Flush syncs open parts and re-attempts any publishes still pending.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parts {
		if p.unsynced > 0 {
			if err := p.f.Sync(); err != nil {
				return fmt.Errorf("execlog fsync: %w", err)
			}
			p.unsynced = 0
		}
	}
	s.retryPending()
	return nil
}

// Close finalises in-flight parts and retries pending publishes. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var firstErr error
	for sym, p := range s.parts {
		if err := s.finalize(p); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.parts, sym)
	}
	s.retryPending()
	s.closed = true
	log.Debug().Int("events", s.written).Int("sampled_out", s.sampledOut).
		Int("pending", len(s.pending)).Msg("execlog sink closed")
	return firstErr
}

// Written reports events written so far (after sampling).
func (s *Sink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Sink) openPart(symbol, minute string) (*part, error) {
	dir := filepath.Join(s.root, "spool", "execlog", symbol)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("execlog spool mkdir: %w", err)
	}
	path := filepath.Join(dir, "exec_"+minute+".part")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("execlog open part: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &part{symbol: symbol, minute: minute, path: path, f: f, bytes: st.Size()}, nil
}

// finalize closes the part and publishes it to ready/. On publish failure the
// spool file stays and the move is queued for retry.
func (s *Sink) finalize(p *part) error {
	if err := p.f.Sync(); err != nil {
		return fmt.Errorf("execlog final fsync: %w", err)
	}
	if err := p.f.Close(); err != nil {
		return fmt.Errorf("execlog close part: %w", err)
	}

	dstDir := filepath.Join(s.root, "ready", "execlog", p.symbol)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("execlog ready mkdir: %w", err)
	}
	dst := filepath.Join(dstDir, "exec_"+p.minute+".jsonl")
	// Size rotation inside one minute gets a numbered suffix instead of
	// clobbering an already-published file.
	for i := 1; fileExists(dst); i++ {
		dst = filepath.Join(dstDir, fmt.Sprintf("exec_%s_%02d.jsonl", p.minute, i))
	}

	if err := moveAtomic(p.path, dst); err != nil {
		log.Warn().Err(err).Str("part", p.path).Msg("execlog publish failed, keeping spool file")
		s.pending = append(s.pending, publish{src: p.path, dst: dst})
		return nil
	}
	return nil
}

func (s *Sink) retryPending() {
	remaining := s.pending[:0]
	for _, pub := range s.pending {
		if err := moveAtomic(pub.src, pub.dst); err != nil {
			remaining = append(remaining, pub)
		}
	}
	s.pending = remaining
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

package reader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

// Kind selects which row stream a scan yields.
type Kind string

const (
	KindFeatures  Kind = "features"
	KindPrices    Kind = "prices"
	KindOrderbook Kind = "orderbook"
	KindSignals   Kind = "signals"
)

// Structure types reported in Stats; CI watches these to catch accidental
// layout regressions in upstream writers.
const (
	StructurePartitioned = "partitioned"
	StructureFlat        = "flat"
	StructureEmpty       = "empty"
)

// Options filter the scan.
type Options struct {
	Symbols []string
	StartMs int64
	EndMs   int64
	Minutes int // optional window length from StartMs
	Session string
}

// Stats summarises one scan for observability.
type Stats struct {
	TotalRows     int      `json:"total_rows"`
	FilteredRows  int      `json:"filtered_rows"`
	DedupedRows   int      `json:"deduped_rows"`
	MissingField  int      `json:"missing_field_rows"`
	CorruptRows   int      `json:"corrupt_rows"`
	ScannedDirs   int      `json:"scanned_dirs"`
	Partitions    int      `json:"partition_count"`
	SampleFiles   []string `json:"sample_files,omitempty"`
	StructureType string   `json:"structure_type"`
}

// Reader enumerates partitioned source directories and yields rows of the
// requested kind in strict source-priority order, deduplicating by
// minute-bucketed keys so memory stays bounded for arbitrarily long runs.
type Reader struct {
	root  string
	cfg   config.ReaderConfig
	opts  Options
	stats Stats

	symbolSet map[string]struct{}
	endMs     int64
	dedup     *minuteDedup
}

// New creates a reader over root with the given filter options.
func New(root string, cfg config.ReaderConfig, opts Options) *Reader {
	r := &Reader{root: root, cfg: cfg, opts: opts}
	if len(opts.Symbols) > 0 {
		r.symbolSet = make(map[string]struct{}, len(opts.Symbols))
		for _, s := range opts.Symbols {
			r.symbolSet[strings.ToUpper(s)] = struct{}{}
		}
	}
	r.endMs = opts.EndMs
	if opts.Minutes > 0 && opts.StartMs > 0 {
		windowEnd := opts.StartMs + int64(opts.Minutes)*60_000
		if r.endMs == 0 || windowEnd < r.endMs {
			r.endMs = windowEnd
		}
	}
	keep := cfg.DedupKeepHours
	if keep <= 0 {
		keep = 2
	}
	r.dedup = newMinuteDedup(int64(keep) * 60)
	return r
}

// Stats returns counters for the scans performed so far.
func (r *Reader) Stats() Stats { return r.stats }

// ReadFeatures scans feature rows, invoking fn per accepted row.
func (r *Reader) ReadFeatures(ctx context.Context, fn func(*model.FeatureRow) error) error {
	return r.scan(ctx, KindFeatures, func(path string) error {
		if isParquet(path) {
			return readParquetRows(path, &r.stats, func(row *model.FeatureRow) error {
				return r.acceptFeature(row, fn)
			})
		}
		return readJSONLRows(path, &r.stats, func(raw []byte) error {
			row, err := parseFeatureRow(raw)
			if err != nil {
				r.stats.CorruptRows++
				return nil
			}
			return r.acceptFeature(row, fn)
		})
	})
}

// ReadPrices scans raw price rows.
func (r *Reader) ReadPrices(ctx context.Context, fn func(*model.PriceRow) error) error {
	return r.scan(ctx, KindPrices, func(path string) error {
		if isParquet(path) {
			return readParquetRows(path, &r.stats, func(row *model.PriceRow) error {
				return r.acceptPrice(row, fn)
			})
		}
		return readJSONLRows(path, &r.stats, func(raw []byte) error {
			var row model.PriceRow
			if err := json.Unmarshal(raw, &row); err != nil {
				r.stats.CorruptRows++
				return nil
			}
			return r.acceptPrice(&row, fn)
		})
	})
}

// ReadBooks scans raw order-book rows.
func (r *Reader) ReadBooks(ctx context.Context, fn func(*model.BookRow) error) error {
	return r.scan(ctx, KindOrderbook, func(path string) error {
		return readJSONLRows(path, &r.stats, func(raw []byte) error {
			var row model.BookRow
			if err := json.Unmarshal(raw, &row); err != nil {
				r.stats.CorruptRows++
				return nil
			}
			return r.acceptBook(&row, fn)
		})
	})
}

// ReadSignals scans previously emitted signal rows.
func (r *Reader) ReadSignals(ctx context.Context, fn func(*model.Signal) error) error {
	return r.scan(ctx, KindSignals, func(path string) error {
		return readJSONLRows(path, &r.stats, func(raw []byte) error {
			var sig model.Signal
			if err := json.Unmarshal(raw, &sig); err != nil {
				r.stats.CorruptRows++
				return nil
			}
			if !r.keepSymbolTime(sig.Symbol, sig.TSMs) {
				r.stats.FilteredRows++
				return nil
			}
			if r.dedup.seen(sig.Symbol+"|"+fmt.Sprint(sig.TSMs), sig.TSMs) {
				r.stats.DedupedRows++
				return nil
			}
			r.stats.TotalRows++
			return fn(&sig)
		})
	})
}

func (r *Reader) acceptFeature(row *model.FeatureRow, fn func(*model.FeatureRow) error) error {
	if row.Symbol == "" || (row.TSMs == 0 && row.SecondTS == 0) {
		r.stats.MissingField++
		return nil
	}
	if row.TSMs == 0 {
		row.TSMs = row.SecondTS * 1000
	}
	if row.SecondTS == 0 {
		row.SecondTS = row.TSMs / 1000
	}
	if !r.keepSymbolTime(row.Symbol, row.TSMs) {
		r.stats.FilteredRows++
		return nil
	}
	if r.opts.Session != "" && row.Session != "" && row.Session != r.opts.Session {
		r.stats.FilteredRows++
		return nil
	}
	if r.dedup.seen(row.Symbol+"|"+fmt.Sprint(row.SecondTS), row.TSMs) {
		r.stats.DedupedRows++
		return nil
	}
	r.stats.TotalRows++
	return fn(row)
}

func (r *Reader) acceptPrice(row *model.PriceRow, fn func(*model.PriceRow) error) error {
	if row.Symbol == "" || row.TSMs == 0 {
		r.stats.MissingField++
		return nil
	}
	if !r.keepSymbolTime(row.Symbol, row.TSMs) {
		r.stats.FilteredRows++
		return nil
	}
	if r.dedup.seen(row.Symbol+"|p|"+fmt.Sprint(row.TSMs), row.TSMs) {
		r.stats.DedupedRows++
		return nil
	}
	r.stats.TotalRows++
	return fn(row)
}

func (r *Reader) acceptBook(row *model.BookRow, fn func(*model.BookRow) error) error {
	if row.Symbol == "" || row.TSMs == 0 {
		r.stats.MissingField++
		return nil
	}
	if !r.keepSymbolTime(row.Symbol, row.TSMs) {
		r.stats.FilteredRows++
		return nil
	}
	if r.dedup.seen(row.Symbol+"|b|"+fmt.Sprint(row.TSMs), row.TSMs) {
		r.stats.DedupedRows++
		return nil
	}
	r.stats.TotalRows++
	return fn(row)
}

func (r *Reader) keepSymbolTime(symbol string, tsMs int64) bool {
	if r.symbolSet != nil {
		if _, ok := r.symbolSet[strings.ToUpper(symbol)]; !ok {
			return false
		}
	}
	if r.opts.StartMs > 0 && tsMs < r.opts.StartMs {
		return false
	}
	if r.endMs > 0 && tsMs > r.endMs {
		return false
	}
	return true
}

// scan discovers files for kind and processes them in source-priority order.
// A missing directory yields zero rows, never an error.
func (r *Reader) scan(ctx context.Context, kind Kind, process func(path string) error) error {
	files, structure, dirs, parts := r.discover(kind)
	r.stats.StructureType = structure
	r.stats.ScannedDirs += dirs
	r.stats.Partitions += parts

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(r.stats.SampleFiles) < 5 {
			r.stats.SampleFiles = append(r.stats.SampleFiles, f)
		}
		if err := process(f); err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		r.dedup.evict()
	}
	log.Debug().Str("kind", string(kind)).Int("files", len(files)).
		Str("structure", structure).Msg("reader scan complete")
	return nil
}

// discover enumerates candidate files for a kind across the supported
// layouts. Partitioned layout: [raw/]date=<D>/hour=<H>/symbol=<S>/kind=<K>/*.
// Flat layout: ready/<kind>/<symbol>/* (plus preview/ when enabled).
func (r *Reader) discover(kind Kind) (files []string, structure string, dirs, parts int) {
	partRoot := r.root
	if fi, err := os.Stat(filepath.Join(r.root, "raw")); err == nil && fi.IsDir() {
		partRoot = filepath.Join(r.root, "raw")
	}
	if hasPartitionDirs(partRoot) {
		files, dirs, parts = r.discoverPartitioned(partRoot, kind)
		return files, StructurePartitioned, dirs, parts
	}

	priority := r.cfg.SourcePriority
	if len(priority) == 0 {
		priority = []string{"ready", "preview"}
	}
	found := false
	for _, src := range priority {
		if src == "preview" && !r.cfg.IncludePreview {
			continue
		}
		dir := filepath.Join(r.root, src, string(kind))
		sub, n := collectFlat(dir, r.symbolSet)
		if n > 0 {
			found = true
		}
		dirs += n
		files = append(files, sub...)
	}
	if !found && len(files) == 0 {
		return nil, StructureEmpty, dirs, 0
	}
	return files, StructureFlat, dirs, 0
}

func (r *Reader) discoverPartitioned(root string, kind Kind) (files []string, dirs, parts int) {
	dates, _ := os.ReadDir(root)
	for _, d := range dates {
		if !d.IsDir() || !strings.HasPrefix(d.Name(), "date=") {
			continue
		}
		hours, _ := os.ReadDir(filepath.Join(root, d.Name()))
		for _, h := range hours {
			if !h.IsDir() || !strings.HasPrefix(h.Name(), "hour=") {
				continue
			}
			symbols, _ := os.ReadDir(filepath.Join(root, d.Name(), h.Name()))
			for _, s := range symbols {
				if !s.IsDir() || !strings.HasPrefix(s.Name(), "symbol=") {
					continue
				}
				sym := strings.TrimPrefix(s.Name(), "symbol=")
				if r.symbolSet != nil {
					if _, ok := r.symbolSet[strings.ToUpper(sym)]; !ok {
						continue
					}
				}
				kindDir := filepath.Join(root, d.Name(), h.Name(), s.Name(), "kind="+string(kind))
				entries, err := os.ReadDir(kindDir)
				if err != nil {
					continue
				}
				dirs++
				parts++
				var names []string
				for _, e := range entries {
					if e.IsDir() || !isDataFile(e.Name()) {
						continue
					}
					names = append(names, filepath.Join(kindDir, e.Name()))
				}
				sort.Strings(names)
				files = append(files, names...)
			}
		}
	}
	return files, dirs, parts
}

func collectFlat(dir string, symbolSet map[string]struct{}) (files []string, dirs int) {
	symbols, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0
	}
	for _, s := range symbols {
		if !s.IsDir() {
			continue
		}
		if symbolSet != nil {
			if _, ok := symbolSet[strings.ToUpper(s.Name())]; !ok {
				continue
			}
		}
		symDir := filepath.Join(dir, s.Name())
		entries, err := os.ReadDir(symDir)
		if err != nil {
			continue
		}
		dirs++
		var names []string
		for _, e := range entries {
			if e.IsDir() || !isDataFile(e.Name()) {
				continue
			}
			names = append(names, filepath.Join(symDir, e.Name()))
		}
		sort.Strings(names)
		files = append(files, names...)
	}
	return files, dirs
}

func hasPartitionDirs(root string) bool {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "date=") {
			return true
		}
	}
	return false
}

func isDataFile(name string) bool {
	return strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".ndjson") ||
		strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".parquet")
}

func isParquet(path string) bool { return strings.HasSuffix(path, ".parquet") }

// readJSONLRows streams a newline-delimited file, handing each non-empty line
// to fn. Corrupt lines are fn's concern; I/O errors abort the file.
func readJSONLRows(path string, stats *Stats, fn func(raw []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

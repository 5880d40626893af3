package backtest

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tickpipe/internal/aligner"
	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/execlog"
	"github.com/quantfold/tickpipe/internal/executor"
	"github.com/quantfold/tickpipe/internal/feeder"
	"github.com/quantfold/tickpipe/internal/metrics"
	"github.com/quantfold/tickpipe/internal/model"
	"github.com/quantfold/tickpipe/internal/reader"
	"github.com/quantfold/tickpipe/internal/sim"
	"github.com/quantfold/tickpipe/internal/signal"
)

// Params select the input slice and output location of one replay.
type Params struct {
	DataDir string
	OutDir  string
	Symbols []string
	StartMs int64
	EndMs   int64
	Minutes int
	Session string

	// PushSymbol labels the optional Pushgateway export.
	PushSymbol string
}

// Result is the replay outcome.
type Result struct {
	Summary  *metrics.Summary
	Trades   int
	Signals  int
	Rows     int64
	OutDir   string
}

// Runner replays historical data through the full pipeline: reader (or raw
// aligner) -> feeder -> signal core -> trade simulator -> metrics, writing
// trades.jsonl, pnl_daily.jsonl, metrics.json and reader_stats.json.
type Runner struct {
	cfg   *config.Config
	runID string
}

// NewRunner creates a replay runner for one config and run id.
func NewRunner(cfg *config.Config, runID string) *Runner {
	return &Runner{cfg: cfg, runID: runID}
}

// Run executes the replay. Deterministic: same input and config produce the
// same artifacts.
func (r *Runner) Run(ctx context.Context, p Params) (*Result, error) {
	core := signal.NewCore(r.cfg, r.runID)

	snk, err := r.openSink(p.OutDir)
	if err != nil {
		return nil, err
	}
	defer snk.Close()

	fd := feeder.New(core, snk)

	tradeSim, err := sim.NewTradeSimulator(r.cfg.Backtest, core)
	if err != nil {
		return nil, err
	}

	var exec *executor.BacktestExecutor
	if r.cfg.Executor.UseOutbox {
		outboxDir := r.cfg.Executor.OutboxDir
		if outboxDir == "" {
			outboxDir = filepath.Join(p.OutDir, "execlog")
		}
		sink := execlog.NewSink(outboxDir, execlog.Options{
			FsyncEveryN: r.cfg.Executor.FsyncEveryN,
			SampleRate:  r.cfg.Executor.SampleRate,
			Writer:      "backtest",
		})
		exec = executor.NewBacktestExecutor(r.cfg.Executor, r.cfg.Backtest, sink)
		defer exec.Close()
	}

	res := &Result{OutDir: p.OutDir}
	process := func(row *model.FeatureRow) error {
		res.Rows++
		sig, err := fd.Feed(row)
		if err != nil {
			return err
		}
		res.Signals++
		tradeSim.Observe(row, sig)
		if exec != nil {
			if row.Mid > 0 {
				exec.SetMark(row.Symbol, row.Mid)
			}
			if sig.Confirm {
				if oc, err := exec.Prepare(sig, r.cfg.Backtest.NotionalPerTrade); err == nil {
					oc.Consistency = row.Consistency
					oc.Warmup = row.Warmup
					oc.LagSec = row.LagSec
					exec.SubmitWithCtx(ctx, oc)
				}
			}
		}
		return nil
	}

	rd := reader.New(p.DataDir, r.cfg.Reader, reader.Options{
		Symbols: p.Symbols,
		StartMs: p.StartMs,
		EndMs:   p.EndMs,
		Minutes: p.Minutes,
		Session: p.Session,
	})
	if err := rd.ReadFeatures(ctx, process); err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}

	// no precomputed features: align raw price and book streams instead
	if res.Rows == 0 {
		if err := r.runRaw(ctx, rd, process); err != nil {
			return nil, err
		}
	}

	tradeSim.Close()
	if err := snk.Flush(); err != nil {
		return nil, err
	}

	trades := tradeSim.Trades()
	daily := tradeSim.Daily()
	maker, taker := tradeSim.Turnover()
	summary := metrics.Aggregate(trades, daily, metrics.Options{
		RunID:            r.runID,
		ConfigHash:       core.ConfigHash(),
		InitialEquity:    r.cfg.Backtest.InitialEquity,
		NotionalPerTrade: r.cfg.Backtest.NotionalPerTrade,
		MakerTurnover:    maker,
		TakerTurnover:    taker,
		GateReasons:      tradeSim.GateReasons(),
		InvalidFeeTier:   tradeSim.InvalidFeeTierCount(),
	})
	res.Summary = summary
	res.Trades = summary.Totals.Trades

	if err := WriteJSONL(filepath.Join(p.OutDir, "trades.jsonl"), trades); err != nil {
		return nil, err
	}
	if err := WriteJSONL(filepath.Join(p.OutDir, "pnl_daily.jsonl"), daily); err != nil {
		return nil, err
	}
	if err := WriteJSON(filepath.Join(p.OutDir, "metrics.json"), summary); err != nil {
		return nil, err
	}
	if err := WriteJSON(filepath.Join(p.OutDir, "reader_stats.json"), rd.Stats()); err != nil {
		return nil, err
	}

	log.Info().Int64("rows", res.Rows).Int("trades", res.Trades).
		Float64("net_pnl", summary.Totals.NetPnL).Str("out", p.OutDir).
		Msg("backtest complete")

	if pusher := metrics.NewPusher(r.cfg.Metrics.PushgatewayURL, r.cfg.Metrics.Job, config.Instance()); pusher.Enabled() {
		if err := pusher.Push(summary, p.PushSymbol, p.Session); err != nil {
			log.Warn().Err(err).Msg("metrics push failed")
		}
	}
	return res, nil
}

// runRaw replays price and book files through the aligner. Both streams are
// merged by timestamp so the aligner sees events in wall order.
func (r *Runner) runRaw(ctx context.Context, rd *reader.Reader, process func(*model.FeatureRow) error) error {
	al := aligner.New(r.cfg.Aligner, process)

	type event struct {
		tsMs  int64
		price *model.PriceRow
		book  *model.BookRow
	}
	var events []event
	if err := rd.ReadPrices(ctx, func(p *model.PriceRow) error {
		events = append(events, event{tsMs: p.TSMs, price: p})
		return nil
	}); err != nil {
		return fmt.Errorf("read prices: %w", err)
	}
	if err := rd.ReadBooks(ctx, func(b *model.BookRow) error {
		events = append(events, event{tsMs: b.TSMs, book: b})
		return nil
	}); err != nil {
		return fmt.Errorf("read books: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].tsMs < events[j].tsMs })

	var lastTS int64
	for i := range events {
		ev := events[i]
		var err error
		if ev.price != nil {
			err = al.OnPrice(ev.price)
		} else {
			err = al.OnBook(ev.book)
		}
		if err != nil {
			return err
		}
		lastTS = ev.tsMs
	}
	return al.Flush(lastTS)
}

func (r *Runner) openSink(outDir string) (signal.Sink, error) {
	jsonl := signal.NewJSONLSink(filepath.Join(outDir, "signals"))
	switch r.cfg.Executor.Sink {
	case "", "jsonl":
		return jsonl, nil
	case "sqlite":
		return signal.NewSQLiteSink(filepath.Join(outDir, "signals.db"))
	case "dual":
		sqlite, err := signal.NewSQLiteSink(filepath.Join(outDir, "signals.db"))
		if err != nil {
			return nil, err
		}
		return signal.NewDualSink(jsonl, sqlite), nil
	default:
		return nil, fmt.Errorf("unknown signal sink %q", r.cfg.Executor.Sink)
	}
}

// Package live runs the streaming execution path: one consumer goroutine per
// symbol fed from a demultiplexed feature source, a bounded per-worker
// submission semaphore, and a global QPS token bucket refilled once per
// second.
package live

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/executor"
	"github.com/quantfold/tickpipe/internal/feeder"
	"github.com/quantfold/tickpipe/internal/model"
	"github.com/quantfold/tickpipe/internal/signal"
	"github.com/quantfold/tickpipe/internal/stream"
)

const workerQueueSize = 1024

// MarkSetter is implemented by executors that size orders off a reference
// price.
type MarkSetter interface {
	SetMark(symbol string, px float64)
}

// Watermarker exposes the per-symbol resume point of the execution store.
type Watermarker interface {
	Watermark(symbol string) (int64, error)
}

// Runner owns the per-symbol workers. Each worker gets its own signal core so
// per-symbol state stays single-writer; the executor mediates its own shared
// state.
type Runner struct {
	cfg   *config.Config
	runID string
	exec  executor.Executor
	sink  signal.Sink

	qps chan struct{}
}

// New creates the live runner. sink may be nil.
func New(cfg *config.Config, runID string, exec executor.Executor, sink signal.Sink) *Runner {
	return &Runner{cfg: cfg, runID: runID, exec: exec, sink: sink}
}

// Run consumes the source until ctx ends. Symbols not in the allow list are
// dropped; an empty list accepts everything.
func (r *Runner) Run(ctx context.Context, source stream.Source, symbols []string) error {
	allowed := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		allowed[s] = true
	}

	qpsCap := int(r.cfg.Executor.GlobalQPS)
	if qpsCap <= 0 {
		qpsCap = 10
	}
	r.qps = make(chan struct{}, qpsCap)
	refill(r.qps, qpsCap)

	rows := make(chan *model.FeatureRow, workerQueueSize)
	workers := make(map[string]chan *model.FeatureRow)

	g, gctx := errgroup.WithContext(ctx)

	// token bucket refresh, once per second
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				refill(r.qps, qpsCap)
			}
		}
	})

	g.Go(func() error {
		defer close(rows)
		return source.Run(gctx, rows)
	})

	g.Go(func() error {
		defer func() {
			for _, ch := range workers {
				close(ch)
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return nil
			case row, ok := <-rows:
				if !ok {
					return nil
				}
				if len(allowed) > 0 && !allowed[row.Symbol] {
					continue
				}
				ch, ok := workers[row.Symbol]
				if !ok {
					ch = make(chan *model.FeatureRow, workerQueueSize)
					workers[row.Symbol] = ch
					sym := row.Symbol
					g.Go(func() error { return r.worker(gctx, sym, ch) })
				}
				select {
				case ch <- row:
				default:
					log.Warn().Str("symbol", row.Symbol).Msg("worker queue full, dropping row")
				}
			}
		}
	})

	return g.Wait()
}

// worker is the per-symbol consumer loop: feed the core, and submit confirmed
// signals under the concurrency and QPS budgets. Submissions run on their own
// goroutines so up to max_concurrency orders per symbol are in flight at
// once. Shutdown is observed between signals; in-flight submissions run to
// completion and rely on idempotency.
func (r *Runner) worker(ctx context.Context, symbol string, in <-chan *model.FeatureRow) error {
	core := signal.NewCore(r.cfg, r.runID)
	fd := feeder.New(core, r.sink)

	maxConc := int64(r.cfg.Executor.MaxConcurrency)
	if maxConc <= 0 {
		maxConc = 2
	}
	sem := semaphore.NewWeighted(maxConc)

	var watermark int64
	if wm, ok := r.exec.(Watermarker); ok {
		ts, err := wm.Watermark(symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("watermark lookup failed")
		} else if ts > 0 {
			watermark = ts
			log.Info().Str("symbol", symbol).Int64("watermark_ts_ms", ts).
				Msg("resuming after recorded executions")
		}
	}

	// drain in-flight submissions before the worker exits
	defer func() { _ = sem.Acquire(context.Background(), maxConc) }()

	for row := range in {
		if ctx.Err() != nil {
			return nil
		}
		if ms, ok := r.exec.(MarkSetter); ok && row.Mid > 0 {
			ms.SetMark(symbol, row.Mid)
		}
		sig, err := fd.Feed(row)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("signal sink write failed")
			continue
		}
		if !sig.Confirm || row.TSMs <= watermark {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		select {
		case <-r.qps:
		case <-ctx.Done():
			sem.Release(1)
			return nil
		}

		oc, err := r.exec.Prepare(sig, r.cfg.Backtest.NotionalPerTrade)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("order prepare failed")
			sem.Release(1)
			continue
		}
		oc.Consistency = row.Consistency
		oc.Warmup = row.Warmup
		oc.LagSec = row.LagSec

		go func() {
			defer sem.Release(1)
			res := r.exec.SubmitWithCtx(ctx, oc)
			if res.State == model.StateRejected {
				log.Warn().Str("symbol", symbol).Str("reason", res.RejectReason).
					Str("client_order_id", res.ClientOrderID).Msg("order rejected")
			}
		}()
	}
	return nil
}

func refill(ch chan struct{}, n int) {
	for i := 0; i < n; i++ {
		select {
		case ch <- struct{}{}:
		default:
			return
		}
	}
}

package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

// BacktestExecutor fills every accepted order immediately at the current mark
// shifted by half the configured slippage. It exercises the same contract as
// the network-backed variants so callers run identical code paths.
type BacktestExecutor struct {
	cfg         config.ExecutorConfig
	slippageBps float64
	feeBps      float64
	sink        EventSink
	idem        *IdempotencyTracker
	precheck    *Precheck
	throttler   *AdaptiveThrottler

	mu     sync.Mutex
	marks  map[string]float64
	fills  map[string][]model.Fill
	seq    int64
	closed bool

	book *positionBook
}

// NewBacktestExecutor creates the simulated executor. sink may be nil when the
// outbox is disabled.
func NewBacktestExecutor(cfg config.ExecutorConfig, bt config.BacktestConfig, sink EventSink) *BacktestExecutor {
	if sink == nil {
		sink = NopSink()
	}
	e := &BacktestExecutor{
		cfg:         cfg,
		slippageBps: bt.SlippageBps,
		feeBps:      bt.TakerFeeBps,
		sink:        sink,
		idem:        NewIdempotencyTracker(cfg.IdempotencyCap),
		marks:       make(map[string]float64),
		fills:       make(map[string][]model.Fill),
		book:        newPositionBook(),
	}
	if cfg.EnablePrecheck {
		e.throttler = NewAdaptiveThrottler(cfg.Throttler)
		e.precheck = NewPrecheck(cfg.Precheck, e.throttler)
	}
	return e
}

func (e *BacktestExecutor) Mode() string { return "backtest" }

// SetMark updates the reference price used for fills and sizing.
func (e *BacktestExecutor) SetMark(symbol string, px float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[symbol] = px
}

func (e *BacktestExecutor) mark(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marks[symbol]
}

func (e *BacktestExecutor) Prepare(sig *model.Signal, notional float64) (*model.OrderCtx, error) {
	return prepareOrder(sig, notional, e.mark(sig.Symbol), 0, 0, 0)
}

func (e *BacktestExecutor) Submit(ctx context.Context, ord *model.Order) Result {
	return e.submit(&model.OrderCtx{Order: *ord}, false)
}

func (e *BacktestExecutor) SubmitWithCtx(ctx context.Context, oc *model.OrderCtx) Result {
	return e.submit(oc, true)
}

func (e *BacktestExecutor) submit(oc *model.OrderCtx, runPrecheck bool) Result {
	if oc.ClientOrderID == "" {
		oc.ClientOrderID = DeriveClientOrderID(oc.SignalRowID, oc.TSMs, oc.Side, oc.Qty, oc.Price)
	}
	if e.idem.Seen(oc.ClientOrderID) {
		return Result{OK: true, State: model.StateAck, ClientOrderID: oc.ClientOrderID, Duplicate: true}
	}

	if runPrecheck && e.precheck != nil {
		if code := e.precheck.Check(oc); code != PrecheckOK {
			e.throttler.Observe(true, oc.TSMs)
			ev := baseEvent(oc, model.EventRejected, model.StateRejected)
			ev.Reason = string(code)
			emit(e.sink, ev)
			return Result{State: model.StateRejected, ClientOrderID: oc.ClientOrderID,
				RejectReason: string(code), PrecheckCode: code}
		}
		e.throttler.Observe(false, oc.TSMs)
	}

	px := e.mark(oc.Symbol)
	if px <= 0 {
		px = oc.Price
	}
	if px <= 0 {
		ev := baseEvent(oc, model.EventRejected, model.StateRejected)
		ev.Reason = "no_mark_price"
		emit(e.sink, ev)
		return Result{State: model.StateRejected, ClientOrderID: oc.ClientOrderID, RejectReason: "no_mark_price"}
	}

	half := e.slippageBps / 2
	fillPx := px * (1 + half/10_000)
	if oc.Side == model.SideSell {
		fillPx = px * (1 - half/10_000)
	}

	e.mu.Lock()
	e.seq++
	brokerID := fmt.Sprintf("bt-%d", e.seq)
	e.mu.Unlock()

	sub := baseEvent(oc, model.EventSubmit, model.StateNew)
	sub.PxIntent = px
	emit(e.sink, sub)

	ack := baseEvent(oc, model.EventAck, model.StateAck)
	ack.ExchangeOrderID = brokerID
	ack.AckTSMs = oc.TSMs
	emit(e.sink, ack)

	fill := model.Fill{
		TSMs:          oc.TSMs,
		Symbol:        oc.Symbol,
		ClientOrderID: oc.ClientOrderID,
		BrokerOrderID: brokerID,
		Price:         fillPx,
		Qty:           oc.Qty,
		Fee:           fillPx * oc.Qty * e.feeBps / 10_000,
		Liquidity:     model.LiquidityTaker,
		Side:          oc.Side,
	}
	filled := baseEvent(oc, model.EventFilled, model.StateFilled)
	filled.PxIntent = px
	filled.PxFill = fillPx
	filled.FillQty = fill.Qty
	filled.FillTSMs = fill.TSMs
	filled.Fee = fill.Fee
	filled.Liquidity = fill.Liquidity
	filled.SlippageBps = half
	filled.ExchangeOrderID = brokerID
	emit(e.sink, filled)

	e.book.apply(&fill)
	e.mu.Lock()
	e.fills[oc.Symbol] = append(e.fills[oc.Symbol], fill)
	e.mu.Unlock()

	return Result{OK: true, State: model.StateFilled, ClientOrderID: oc.ClientOrderID,
		BrokerOrderID: brokerID, Fill: &fill}
}

func (e *BacktestExecutor) Cancel(ctx context.Context, symbol, brokerOrderID string) Result {
	// fills are immediate, there is never an open order to cancel
	return Result{State: model.StateRejected, RejectReason: "no_open_order"}
}

func (e *BacktestExecutor) FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]model.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.Fill
	for _, f := range e.fills[symbol] {
		if f.TSMs >= sinceTsMs {
			out = append(out, f)
		}
	}
	return out, nil
}

func (e *BacktestExecutor) GetPosition(symbol string) (model.Position, bool) {
	return e.book.get(symbol)
}

func (e *BacktestExecutor) Flush() error { return e.sink.Flush() }

func (e *BacktestExecutor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.sink.Close()
}

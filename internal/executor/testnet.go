package executor

import (
	"context"
	"sync"

	"github.com/quantfold/tickpipe/internal/adapter"
	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

// TestnetExecutor routes orders through a venue adapter, normally one backed
// by a dry-run or simulated transport. It is also the secondary leg used by
// shadow execution.
type TestnetExecutor struct {
	cfg       config.ExecutorConfig
	venue     adapter.Adapter
	sink      EventSink
	idem      *IdempotencyTracker
	precheck  *Precheck
	throttler *AdaptiveThrottler
	book      *positionBook

	mu      sync.Mutex
	marks   map[string]float64
	applied map[string]struct{} // fills already folded into positions
	closed  bool
}

// NewTestnetExecutor creates the testnet variant around the given adapter.
func NewTestnetExecutor(cfg config.ExecutorConfig, venue adapter.Adapter, sink EventSink) *TestnetExecutor {
	if sink == nil {
		sink = NopSink()
	}
	e := &TestnetExecutor{
		cfg:     cfg,
		venue:   venue,
		sink:    sink,
		idem:    NewIdempotencyTracker(cfg.IdempotencyCap),
		book:    newPositionBook(),
		marks:   make(map[string]float64),
		applied: make(map[string]struct{}),
	}
	if cfg.EnablePrecheck {
		e.throttler = NewAdaptiveThrottler(cfg.Throttler)
		e.precheck = NewPrecheck(cfg.Precheck, e.throttler)
	}
	return e
}

func (e *TestnetExecutor) Mode() string { return "testnet" }

// SetMark updates the sizing reference price.
func (e *TestnetExecutor) SetMark(symbol string, px float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[symbol] = px
}

func (e *TestnetExecutor) Prepare(sig *model.Signal, notional float64) (*model.OrderCtx, error) {
	e.mu.Lock()
	px := e.marks[sig.Symbol]
	e.mu.Unlock()
	return prepareOrder(sig, notional, px, 0, 0, 0)
}

func (e *TestnetExecutor) Submit(ctx context.Context, ord *model.Order) Result {
	return e.submit(ctx, &model.OrderCtx{Order: *ord}, false)
}

func (e *TestnetExecutor) SubmitWithCtx(ctx context.Context, oc *model.OrderCtx) Result {
	return e.submit(ctx, oc, true)
}

func (e *TestnetExecutor) submit(ctx context.Context, oc *model.OrderCtx, runPrecheck bool) Result {
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

	sub := baseEvent(oc, model.EventSubmit, model.StateNew)
	sub.PxIntent = oc.Price
	emit(e.sink, sub)

	resp := e.venue.Submit(ctx, &oc.Order)
	if !resp.OK {
		reason := resp.Code.RejectReason()
		ev := baseEvent(oc, model.EventRejected, model.StateRejected)
		ev.Reason = reason
		emit(e.sink, ev)
		return Result{State: model.StateRejected, ClientOrderID: oc.ClientOrderID, RejectReason: reason}
	}

	ack := baseEvent(oc, model.EventAck, model.StateAck)
	ack.ExchangeOrderID = resp.BrokerOrderID
	ack.AckTSMs = oc.TSMs
	emit(e.sink, ack)

	res := Result{OK: true, State: model.StateAck, ClientOrderID: oc.ClientOrderID,
		BrokerOrderID: resp.BrokerOrderID}

	// simulated transports fill synchronously; pick the fill up right away
	if fills, err := e.FetchFills(ctx, oc.Symbol, oc.TSMs); err == nil {
		for i := range fills {
			if fills[i].ClientOrderID == oc.ClientOrderID {
				res.State = model.StateFilled
				res.Fill = &fills[i]
				filled := baseEvent(oc, model.EventFilled, model.StateFilled)
				filled.PxFill = fills[i].Price
				filled.FillQty = fills[i].Qty
				filled.FillTSMs = fills[i].TSMs
				filled.Fee = fills[i].Fee
				filled.Liquidity = fills[i].Liquidity
				filled.ExchangeOrderID = resp.BrokerOrderID
				emit(e.sink, filled)
				break
			}
		}
	}
	return res
}

func (e *TestnetExecutor) Cancel(ctx context.Context, symbol, brokerOrderID string) Result {
	resp := e.venue.Cancel(ctx, symbol, brokerOrderID)
	if !resp.OK {
		return Result{State: model.StateRejected, BrokerOrderID: brokerOrderID,
			RejectReason: resp.Code.RejectReason()}
	}
	return Result{OK: true, State: model.StateCanceled, BrokerOrderID: brokerOrderID}
}

// FetchFills pulls new fills from the venue and folds them into positions.
func (e *TestnetExecutor) FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]model.Fill, error) {
	fills, err := e.venue.FetchFills(ctx, symbol, sinceTsMs)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range fills {
		key := fills[i].ClientOrderID + "|" + fills[i].BrokerOrderID
		if _, ok := e.applied[key]; ok {
			continue
		}
		e.applied[key] = struct{}{}
		e.book.apply(&fills[i])
	}
	return fills, nil
}

func (e *TestnetExecutor) GetPosition(symbol string) (model.Position, bool) {
	return e.book.get(symbol)
}

func (e *TestnetExecutor) Flush() error { return e.sink.Flush() }

func (e *TestnetExecutor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.sink.Close()
}

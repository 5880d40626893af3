package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tickpipe/internal/adapter"
	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/execstore"
	"github.com/quantfold/tickpipe/internal/model"
)

// LiveExecutor is the production variant: precheck always on, a mandatory
// outbox log, a cap on parallel in-flight orders, and a SQLite execution
// store providing restart idempotency.
type LiveExecutor struct {
	cfg       config.ExecutorConfig
	runID     string
	venue     adapter.Adapter
	sink      EventSink
	store     *execstore.Store
	idem      *IdempotencyTracker
	precheck  *Precheck
	throttler *AdaptiveThrottler
	book      *positionBook

	inflight chan struct{}
	seq      atomic.Int64

	mu      sync.Mutex
	marks   map[string]float64
	applied map[string]struct{}
	closed  bool
}

// NewLiveExecutor creates the live variant. The outbox sink and the execution
// store are required here; refusing to run without them is the point.
func NewLiveExecutor(cfg config.ExecutorConfig, runID string, venue adapter.Adapter, sink EventSink, store *execstore.Store) (*LiveExecutor, error) {
	if sink == nil {
		return nil, fmt.Errorf("live executor requires an outbox sink")
	}
	if store == nil {
		return nil, fmt.Errorf("live executor requires an execution store")
	}
	maxParallel := cfg.MaxParallelOrders
	if maxParallel <= 0 {
		maxParallel = 4
	}
	e := &LiveExecutor{
		cfg:       cfg,
		runID:     runID,
		venue:     venue,
		sink:      sink,
		store:     store,
		idem:      NewIdempotencyTracker(cfg.IdempotencyCap),
		book:      newPositionBook(),
		inflight:  make(chan struct{}, maxParallel),
		marks:     make(map[string]float64),
		applied:   make(map[string]struct{}),
		throttler: NewAdaptiveThrottler(cfg.Throttler),
	}
	e.precheck = NewPrecheck(cfg.Precheck, e.throttler)
	return e, nil
}

func (e *LiveExecutor) Mode() string { return "live" }

// SetMark updates the sizing reference price.
func (e *LiveExecutor) SetMark(symbol string, px float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[symbol] = px
}

func (e *LiveExecutor) Prepare(sig *model.Signal, notional float64) (*model.OrderCtx, error) {
	e.mu.Lock()
	px := e.marks[sig.Symbol]
	e.mu.Unlock()
	return prepareOrder(sig, notional, px, 0, 0, 0)
}

// Watermark returns the resume point for a symbol from the execution store.
func (e *LiveExecutor) Watermark(symbol string) (int64, error) {
	return e.store.Watermark(symbol)
}

func (e *LiveExecutor) Submit(ctx context.Context, ord *model.Order) Result {
	return e.SubmitWithCtx(ctx, &model.OrderCtx{Order: *ord})
}

func (e *LiveExecutor) SubmitWithCtx(ctx context.Context, oc *model.OrderCtx) Result {
	if oc.ClientOrderID == "" {
		oc.ClientOrderID = fmt.Sprintf("%s-%d-%d", e.runID, oc.TSMs, e.seq.Add(1))
	}
	if e.idem.Seen(oc.ClientOrderID) {
		return Result{OK: true, State: model.StateAck, ClientOrderID: oc.ClientOrderID, Duplicate: true}
	}

	signalID := fmt.Sprintf("%d", oc.SignalRowID)
	if seen, err := e.store.Seen(oc.Symbol, signalID, oc.ClientOrderID); err != nil {
		log.Error().Err(err).Msg("execution store lookup failed")
	} else if seen {
		return Result{OK: true, State: model.StateAck, ClientOrderID: oc.ClientOrderID, Duplicate: true}
	}

	select {
	case e.inflight <- struct{}{}:
	default:
		ev := baseEvent(oc, model.EventRejected, model.StateRejected)
		ev.Reason = "max_parallel_orders"
		emit(e.sink, ev)
		return Result{State: model.StateRejected, ClientOrderID: oc.ClientOrderID,
			RejectReason: "max_parallel_orders"}
	}
	defer func() { <-e.inflight }()

	if code := e.precheck.Check(oc); code != PrecheckOK {
		e.throttler.Observe(true, oc.TSMs)
		ev := baseEvent(oc, model.EventRejected, model.StateRejected)
		ev.Reason = string(code)
		emit(e.sink, ev)
		return Result{State: model.StateRejected, ClientOrderID: oc.ClientOrderID,
			RejectReason: string(code), PrecheckCode: code}
	}
	e.throttler.Observe(false, oc.TSMs)

	meta, _ := json.Marshal(oc)
	if _, err := e.store.Record(&model.ExecutionRecord{
		Symbol:   oc.Symbol,
		SignalID: signalID,
		OrderID:  oc.ClientOrderID,
		TSMs:     oc.TSMs,
		Status:   string(model.StateNew),
		Gating:   1,
		Meta:     string(meta),
	}); err != nil {
		log.Error().Err(err).Msg("execution store record failed")
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
		e.updateStatus(oc.Symbol, signalID, oc.ClientOrderID, model.StateRejected)
		return Result{State: model.StateRejected, ClientOrderID: oc.ClientOrderID, RejectReason: reason}
	}

	ack := baseEvent(oc, model.EventAck, model.StateAck)
	ack.ExchangeOrderID = resp.BrokerOrderID
	ack.AckTSMs = oc.TSMs
	emit(e.sink, ack)
	e.updateStatus(oc.Symbol, signalID, oc.ClientOrderID, model.StateAck)

	return Result{OK: true, State: model.StateAck, ClientOrderID: oc.ClientOrderID,
		BrokerOrderID: resp.BrokerOrderID}
}

func (e *LiveExecutor) updateStatus(symbol, signalID, orderID string, st model.ExecutionState) {
	if err := e.store.UpdateStatus(symbol, signalID, orderID, string(st)); err != nil {
		log.Error().Err(err).Msg("execution store status update failed")
	}
}

func (e *LiveExecutor) Cancel(ctx context.Context, symbol, brokerOrderID string) Result {
	resp := e.venue.Cancel(ctx, symbol, brokerOrderID)
	if !resp.OK {
		return Result{State: model.StateRejected, BrokerOrderID: brokerOrderID,
			RejectReason: resp.Code.RejectReason()}
	}
	return Result{OK: true, State: model.StateCanceled, BrokerOrderID: brokerOrderID}
}

// FetchFills pulls new fills from the venue and folds them into positions.
func (e *LiveExecutor) FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]model.Fill, error) {
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

func (e *LiveExecutor) GetPosition(symbol string) (model.Position, bool) {
	return e.book.get(symbol)
}

func (e *LiveExecutor) Flush() error { return e.sink.Flush() }

func (e *LiveExecutor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	if err := e.sink.Close(); err != nil {
		return err
	}
	return e.store.Close()
}

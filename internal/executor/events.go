package executor

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tickpipe/internal/model"
)

// baseEvent builds the execution log row shared by every state transition.
func baseEvent(oc *model.OrderCtx, typ model.ExecEventType, st model.ExecutionState) *model.ExecEvent {
	return &model.ExecEvent{
		TSMs:          oc.TSMs,
		Symbol:        oc.Symbol,
		Event:         typ,
		Status:        st,
		SignalRowID:   oc.SignalRowID,
		ClientOrderID: oc.ClientOrderID,
		Side:          oc.Side,
		Qty:           oc.Qty,
		Scenario:      oc.Scenario,
		Regime:        oc.Regime,
		Warmup:        oc.Warmup,
		GuardReason:   oc.GuardReason,
		Consistency:   oc.Consistency,
	}
}

// emit appends to the sink; a sink failure must not lose the order outcome,
// so it is logged and swallowed.
func emit(sink EventSink, ev *model.ExecEvent) {
	if err := sink.Append(ev); err != nil {
		log.Error().Err(err).Str("symbol", ev.Symbol).Str("event", string(ev.Event)).
			Msg("execution log append failed")
	}
}

// prepareOrder sizes a confirmed signal into an order context at the given
// reference price.
func prepareOrder(sig *model.Signal, notional, price float64, tick, step, minNotional float64) (*model.OrderCtx, error) {
	if !sig.Confirm {
		return nil, fmt.Errorf("prepare: signal %s not confirmed", sig.SignalID)
	}
	if price <= 0 {
		return nil, fmt.Errorf("prepare: no reference price for %s", sig.Symbol)
	}
	var side model.Side
	switch {
	case sig.Type.IsBuy():
		side = model.SideBuy
	case sig.Type.IsSell():
		side = model.SideSell
	default:
		return nil, fmt.Errorf("prepare: signal type %s is not directional", sig.Type)
	}

	oc := &model.OrderCtx{
		Order: model.Order{
			Symbol:    sig.Symbol,
			Side:      side,
			Qty:       notional / price,
			OrderType: model.OrderMarket,
			TIF:       model.TIFIOC,
			TSMs:      sig.TSMs,
		},
		SignalRowID: sig.RowID,
		Regime:      sig.Regime,
		Scenario:    sig.Scenario,
		TickSize:    tick,
		StepSize:    step,
		MinNotional: minNotional,
	}
	if fd := sig.FeatureData; fd != nil {
		oc.SpreadBps = fd.SpreadBps
		oc.TradeRate = fd.TradeRate
	}
	oc.ClientOrderID = DeriveClientOrderID(oc.SignalRowID, oc.TSMs, side, oc.Qty, 0)
	return oc, nil
}

package executor

import (
	"context"

	"github.com/quantfold/tickpipe/internal/model"
)

// Executor is the shared contract of the backtest, testnet and live variants.
type Executor interface {
	// Prepare converts a confirmed signal into an order context sized to the
	// given notional.
	Prepare(sig *model.Signal, notional float64) (*model.OrderCtx, error)
	// Submit places a bare order with no upstream context.
	Submit(ctx context.Context, ord *model.Order) Result
	// SubmitWithCtx places an order carrying signal context; prechecks and
	// throttling apply here.
	SubmitWithCtx(ctx context.Context, oc *model.OrderCtx) Result
	Cancel(ctx context.Context, symbol, brokerOrderID string) Result
	FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]model.Fill, error)
	GetPosition(symbol string) (model.Position, bool)
	Flush() error
	Close() error
	Mode() string
}

// Result is the outcome of a submit or cancel.
type Result struct {
	OK            bool                 `json:"ok"`
	State         model.ExecutionState `json:"state"`
	ClientOrderID string               `json:"client_order_id"`
	BrokerOrderID string               `json:"broker_order_id,omitempty"`
	RejectReason  string               `json:"reject_reason,omitempty"`
	PrecheckCode  PrecheckCode         `json:"precheck_code,omitempty"`
	Duplicate     bool                 `json:"duplicate,omitempty"`
	Fill          *model.Fill          `json:"fill,omitempty"`
}

// EventSink receives one execution log event per state transition.
type EventSink interface {
	Append(ev *model.ExecEvent) error
	Flush() error
	Close() error
}

// nopSink discards events; used when the outbox is disabled.
type nopSink struct{}

func (nopSink) Append(*model.ExecEvent) error { return nil }
func (nopSink) Flush() error                  { return nil }
func (nopSink) Close() error                  { return nil }

// NopSink returns a sink that discards all events.
func NopSink() EventSink { return nopSink{} }

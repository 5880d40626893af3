package model

// ExecutionState is the per-order lifecycle state. Transitions are
// append-only: NEW -> ACK -> (PARTIAL)* -> FILLED | CANCELED | REJECTED.
type ExecutionState string

const (
	StateNew      ExecutionState = "NEW"
	StateAck      ExecutionState = "ACK"
	StatePartial  ExecutionState = "PARTIAL"
	StateFilled   ExecutionState = "FILLED"
	StateCanceled ExecutionState = "CANCELED"
	StateRejected ExecutionState = "REJECTED"
)

// Terminal reports whether the state can never be left.
func (s ExecutionState) Terminal() bool {
	return s == StateFilled || s == StateCanceled || s == StateRejected
}

// CanTransition reports whether moving from s to next is a legal
// state-machine edge. Terminal states are never rewritten.
func (s ExecutionState) CanTransition(next ExecutionState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StateNew:
		return next == StateAck || next == StateRejected
	case StateAck, StatePartial:
		return next == StatePartial || next == StateFilled || next == StateCanceled || next == StateRejected
	}
	return false
}

// ExecEventType names the execution log event per state transition.
type ExecEventType string

const (
	EventSubmit   ExecEventType = "submit"
	EventAck      ExecEventType = "ack"
	EventPartial  ExecEventType = "partial"
	EventFilled   ExecEventType = "filled"
	EventCanceled ExecEventType = "canceled"
	EventRejected ExecEventType = "rejected"
)

// ExecEvent is one NDJSON row of the executor_contract/v1 log.
type ExecEvent struct {
	TSMs            int64          `json:"ts_ms"`
	Symbol          string         `json:"symbol"`
	Event           ExecEventType  `json:"event"`
	Status          ExecutionState `json:"status"`
	SignalRowID     int64          `json:"signal_row_id,omitempty"`
	ClientOrderID   string         `json:"client_order_id"`
	Side            Side           `json:"side"`
	Qty             float64        `json:"qty"`
	PxIntent        float64        `json:"px_intent,omitempty"`
	PxSent          float64        `json:"px_sent,omitempty"`
	PxFill          float64        `json:"px_fill,omitempty"`
	FillQty         float64        `json:"fill_qty,omitempty"`
	FillTSMs        int64          `json:"fill_ts_ms,omitempty"`
	Fee             float64        `json:"fee,omitempty"`
	Liquidity       Liquidity      `json:"liquidity,omitempty"`
	SentTSMs        int64          `json:"sent_ts_ms,omitempty"`
	AckTSMs         int64          `json:"ack_ts_ms,omitempty"`
	EventTSMs       int64          `json:"event_ts_ms,omitempty"`
	ExchangeOrderID string         `json:"exchange_order_id,omitempty"`
	LatencyMs       int64          `json:"latency_ms,omitempty"`
	SlippageBps     float64        `json:"slippage_bps,omitempty"`
	RoundingDiff    float64        `json:"rounding_diff,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Scenario        Scenario       `json:"scenario,omitempty"`
	Regime          Regime         `json:"regime,omitempty"`
	Warmup          bool           `json:"warmup,omitempty"`
	GuardReason     string         `json:"guard_reason,omitempty"`
	Consistency     float64        `json:"consistency,omitempty"`
	Meta            *ExecEventMeta `json:"meta,omitempty"`
}

// ExecEventMeta identifies the writer that produced the event.
type ExecEventMeta struct {
	Writer string `json:"_writer"`
}

// Failed reports whether the event records a failure outcome. Failed events
// bypass log sampling and are always written.
func (e *ExecEvent) Failed() bool {
	return e.Event == EventRejected || e.Event == EventCanceled
}

package model

// Scenario is the 2x2 market scenario label: activity (A/Q, by spread) crossed
// with volatility (H/L, by |return_1s|).
type Scenario string

const (
	ScenarioActiveHigh Scenario = "A_H"
	ScenarioActiveLow  Scenario = "A_L"
	ScenarioQuietHigh  Scenario = "Q_H"
	ScenarioQuietLow   Scenario = "Q_L"
	ScenarioUnknown    Scenario = "unknown"
)

// Valid reports whether the label is one of the four known scenarios.
func (s Scenario) Valid() bool {
	switch s {
	case ScenarioActiveHigh, ScenarioActiveLow, ScenarioQuietHigh, ScenarioQuietLow:
		return true
	}
	return false
}

// Regime is the market mode the signal core operates under.
type Regime string

const (
	RegimeActive Regime = "active"
	RegimeQuiet  Regime = "quiet"
)

// Side of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// TIF is the order time-in-force.
type TIF string

const (
	TIFGTC TIF = "GTC"
	TIFIOC TIF = "IOC"
	TIFFOK TIF = "FOK"
)

// Liquidity classifies a fill as maker or taker.
type Liquidity string

const (
	LiquidityMaker   Liquidity = "maker"
	LiquidityTaker   Liquidity = "taker"
	LiquidityUnknown Liquidity = "unknown"
)

// FeatureRow is a single aligned second of market state for one symbol.
type FeatureRow struct {
	SecondTS       int64    `json:"second_ts" parquet:"second_ts"`
	TSMs           int64    `json:"ts_ms" parquet:"ts_ms"`
	Symbol         string   `json:"symbol" parquet:"symbol"`
	Mid            float64  `json:"mid" parquet:"mid"`
	BestBid        float64  `json:"best_bid" parquet:"best_bid"`
	BestAsk        float64  `json:"best_ask" parquet:"best_ask"`
	SpreadBps      float64  `json:"spread_bps" parquet:"spread_bps"`
	Return1s       float64  `json:"return_1s" parquet:"return_1s"`
	VolBps         float64  `json:"vol_bps" parquet:"vol_bps"`
	ZOFI           float64  `json:"z_ofi" parquet:"z_ofi"`
	ZCVD           float64  `json:"z_cvd" parquet:"z_cvd"`
	FusionScore    float64  `json:"fusion_score" parquet:"fusion_score"`
	Consistency    float64  `json:"consistency" parquet:"consistency"`
	Warmup         bool     `json:"warmup" parquet:"warmup"`
	LagSec         float64  `json:"lag_sec" parquet:"lag_sec"`
	LagMsPrice     int64    `json:"lag_ms_price" parquet:"lag_ms_price"`
	LagMsOrderbook int64    `json:"lag_ms_orderbook" parquet:"lag_ms_orderbook"`
	LagBadPrice    int      `json:"lag_bad_price" parquet:"lag_bad_price"`
	LagBadBook     int      `json:"lag_bad_orderbook" parquet:"lag_bad_orderbook"`
	IsGapSecond    int      `json:"is_gap_second" parquet:"is_gap_second"`
	Scenario       Scenario `json:"scenario_2x2" parquet:"scenario_2x2"`
	FeeTier        string   `json:"fee_tier,omitempty" parquet:"fee_tier,optional"`
	Session        string   `json:"session,omitempty" parquet:"session,optional"`
	TradeRate      float64  `json:"trade_rate,omitempty" parquet:"trade_rate,optional"`
	QuoteRate      float64  `json:"quote_rate,omitempty" parquet:"quote_rate,optional"`
}

// FeatureData is the attribution payload attached to every emitted signal so
// downstream cost and gate-reason accounting never re-reads the feature files.
type FeatureData struct {
	LagBadPrice  int      `json:"lag_bad_price"`
	LagBadBook   int      `json:"lag_bad_orderbook"`
	IsGapSecond  int      `json:"is_gap_second"`
	SpreadBps    float64  `json:"spread_bps"`
	VolBps       float64  `json:"vol_bps"`
	Return1s     float64  `json:"return_1s"`
	Scenario     Scenario `json:"scenario_2x2"`
	FeeTier      string   `json:"fee_tier,omitempty"`
	Session      string   `json:"session,omitempty"`
	TradeRate    float64  `json:"trade_rate,omitempty"`
	QuoteRate    float64  `json:"quote_rate,omitempty"`
}

// SignalType classifies an emitted decision.
type SignalType string

const (
	SignalBuy        SignalType = "buy"
	SignalSell       SignalType = "sell"
	SignalStrongBuy  SignalType = "strong_buy"
	SignalStrongSell SignalType = "strong_sell"
	SignalQuiet      SignalType = "quiet"
	SignalNeutral    SignalType = "neutral"
)

// IsBuy reports whether the signal points long.
func (t SignalType) IsBuy() bool { return t == SignalBuy || t == SignalStrongBuy }

// IsSell reports whether the signal points short.
func (t SignalType) IsSell() bool { return t == SignalSell || t == SignalStrongSell }

// Signal is the decision emitted by the signal core: at most one per
// (symbol, ts_ms). Gated rows are emitted too, with Confirm=false and the
// failing decision code.
type Signal struct {
	SignalID     string       `json:"signal_id"`
	Symbol       string       `json:"symbol"`
	TSMs         int64        `json:"ts_ms"`
	Score        float64      `json:"score"`
	Type         SignalType   `json:"signal_type"`
	Confirm      bool         `json:"confirm"`
	Gating       int          `json:"gating"`
	DecisionCode DecisionCode `json:"decision_code"`
	GateReason   string       `json:"gate_reason"`
	Regime       Regime       `json:"regime"`
	Scenario     Scenario     `json:"scenario_2x2"`
	ConfigHash   string       `json:"config_hash"`
	RunID        string       `json:"run_id"`
	RowID        int64        `json:"signal_row_id,omitempty"`
	FeatureData  *FeatureData `json:"_feature_data,omitempty"`
}

// Order is the minimal venue submission record. ClientOrderID is the
// idempotency key: equal inputs must always derive equal ids.
type Order struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           float64   `json:"qty"`
	OrderType     OrderType `json:"order_type"`
	Price         float64   `json:"price,omitempty"`
	TIF           TIF       `json:"tif"`
	TSMs          int64     `json:"ts_ms"`
}

// OrderCtx extends Order with upstream signal context and venue constraints.
type OrderCtx struct {
	Order

	SignalRowID         int64    `json:"signal_row_id"`
	Regime              Regime   `json:"regime"`
	Scenario            Scenario `json:"scenario"`
	Warmup              bool     `json:"warmup"`
	GuardReason         string   `json:"guard_reason,omitempty"`
	Consistency         float64  `json:"consistency"`
	WeakSignalThrottle  bool     `json:"weak_signal_throttle"`
	SpreadBps           float64  `json:"spread_bps"`
	LagSec              float64  `json:"lag_sec"`
	TradeRate           float64  `json:"trade_rate"`
	TickSize            float64  `json:"tick_size"`
	StepSize            float64  `json:"step_size"`
	MinNotional         float64  `json:"min_notional"`
	CostsBps            float64  `json:"costs_bps"`
}

// Fill is a single execution belonging to exactly one order.
type Fill struct {
	TSMs          int64     `json:"ts_ms"`
	Symbol        string    `json:"symbol"`
	ClientOrderID string    `json:"client_order_id"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	Price         float64   `json:"price"`
	Qty           float64   `json:"qty"`
	Fee           float64   `json:"fee"`
	Liquidity     Liquidity `json:"liquidity"`
	Side          Side      `json:"side"`
}

// Position is the per-symbol net position held by an executor or simulator.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"` // signed: >0 long, <0 short
	EntryPrice    float64 `json:"entry_price"`
	EntryFee      float64 `json:"entry_fee"`
	EntryNotional float64 `json:"entry_notional"`
	MakerProb     float64 `json:"maker_probability"`
	FeeTier       string  `json:"fee_tier,omitempty"`
	EntryTSMs     int64   `json:"entry_ts_ms"`
	Scenario      Scenario `json:"scenario_2x2,omitempty"`
	Session       string  `json:"session,omitempty"`
}

// TradeReason explains why a backtest trade row was written.
type TradeReason string

const (
	TradeEntry         TradeReason = "entry"
	TradeExit          TradeReason = "exit"
	TradeReverse       TradeReason = "reverse"
	TradeReverseSignal TradeReason = "reverse_signal"
	TradeStopLoss      TradeReason = "stop_loss"
	TradeTakeProfit    TradeReason = "take_profit"
	TradeTimeout       TradeReason = "timeout"
	TradeRollover      TradeReason = "rollover_close"
)

// IsExit reports whether the reason closes a position.
func (r TradeReason) IsExit() bool {
	switch r {
	case TradeExit, TradeReverseSignal, TradeStopLoss, TradeTakeProfit, TradeTimeout, TradeRollover:
		return true
	}
	return false
}

// Trade is one backtest trade log row. Exit rows carry PnL.
type Trade struct {
	TSMs        int64       `json:"ts_ms"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Px          float64     `json:"px"`
	Qty         float64     `json:"qty"`
	Fee         float64     `json:"fee"`
	SlippageBps float64     `json:"slippage_bps"`
	Reason      TradeReason `json:"reason"`
	PosAfter    float64     `json:"pos_after"`
	GrossPnL    float64     `json:"gross_pnl,omitempty"`
	NetPnL      float64     `json:"net_pnl,omitempty"`
	HoldSec     float64     `json:"hold_sec,omitempty"`
	Scenario    Scenario    `json:"scenario_2x2,omitempty"`
	Session     string      `json:"session,omitempty"`
	MakerProb   float64     `json:"maker_probability,omitempty"`
	Notional    float64     `json:"notional,omitempty"`
}

// DailyPnL is the per business-date, per-symbol PnL rollup.
type DailyPnL struct {
	Date     string  `json:"date"` // YYYY-MM-DD in the configured rollover timezone
	Symbol   string  `json:"symbol"`
	GrossPnL float64 `json:"gross_pnl"`
	Fee      float64 `json:"fee"`
	Slippage float64 `json:"slippage"`
	NetPnL   float64 `json:"net_pnl"`
	Turnover float64 `json:"turnover"`
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	RR       float64 `json:"rr"`
}

// ExecutionRecord is the live worker's idempotency row, keyed UNIQUE on
// (symbol, signal_id, order_id). It doubles as the resume watermark.
type ExecutionRecord struct {
	Symbol   string `db:"symbol" json:"symbol"`
	SignalID string `db:"signal_id" json:"signal_id"`
	OrderID  string `db:"order_id" json:"order_id"`
	TSMs     int64  `db:"ts_ms" json:"ts_ms"`
	Status   string `db:"status" json:"status"`
	Gating   int    `db:"gating" json:"gating"`
	Meta     string `db:"meta" json:"meta"` // opaque JSON blob
}

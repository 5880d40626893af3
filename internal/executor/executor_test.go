package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

// memSink collects events in memory for assertions.
type memSink struct {
	mu     sync.Mutex
	events []*model.ExecEvent
}

func (s *memSink) Append(ev *model.ExecEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) Flush() error { return nil }
func (s *memSink) Close() error { return nil }

func (s *memSink) byType(typ model.ExecEventType) []*model.ExecEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ExecEvent
	for _, ev := range s.events {
		if ev.Event == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func orderCtx(tsMs int64) *model.OrderCtx {
	return &model.OrderCtx{
		Order: model.Order{
			Symbol:    "BTCUSDT",
			Side:      model.SideBuy,
			Qty:       0.01,
			OrderType: model.OrderMarket,
			TIF:       model.TIFIOC,
			TSMs:      tsMs,
		},
		SignalRowID: 42,
		Regime:      model.RegimeActive,
		Scenario:    model.ScenarioActiveLow,
		Consistency: 0.8,
		SpreadBps:   5,
		LagSec:      0.5,
	}
}

func TestDeriveClientOrderID(t *testing.T) {
	a := DeriveClientOrderID(1, 1000, model.SideBuy, 0.01, 50_000)
	b := DeriveClientOrderID(1, 1000, model.SideBuy, 0.01, 50_000)
	c := DeriveClientOrderID(2, 1000, model.SideBuy, 0.01, 50_000)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestIdempotencyTrackerLRU(t *testing.T) {
	tr := NewIdempotencyTracker(2)
	assert.False(t, tr.Seen("a"))
	assert.False(t, tr.Seen("b"))
	assert.True(t, tr.Seen("a")) // refreshes "a", "b" is now oldest
	assert.False(t, tr.Seen("c"))
	assert.Equal(t, 2, tr.Len())
	assert.False(t, tr.Seen("b")) // evicted
}

func TestPrecheckCodes(t *testing.T) {
	cfg := config.PrecheckConfig{
		ConsistencyMin:         0.4,
		ConsistencyThrottleMin: 0.6,
		SpreadCapBps:           30,
		LagCapSec:              3,
		MinTradeRate:           5,
	}
	p := NewPrecheck(cfg, nil) // no throttler: soft checks disabled

	tests := []struct {
		name   string
		mutate func(*model.OrderCtx)
		want   PrecheckCode
	}{
		{"clean", func(oc *model.OrderCtx) {}, PrecheckOK},
		{"warmup", func(oc *model.OrderCtx) { oc.Warmup = true }, PrecheckWarmup},
		{"hard consistency floor", func(oc *model.OrderCtx) { oc.Consistency = 0.3 }, PrecheckLowConsistency},
		{"soft band without throttler", func(oc *model.OrderCtx) { oc.Consistency = 0.5 }, PrecheckOK},
		{"spread", func(oc *model.OrderCtx) { oc.SpreadBps = 40 }, PrecheckSpreadTooWide},
		{"lag", func(oc *model.OrderCtx) { oc.LagSec = 5 }, PrecheckLagExceedsCap},
		{"inactive market", func(oc *model.OrderCtx) { oc.TradeRate = 2 }, PrecheckMarketInactive},
		{"trade rate unreported", func(oc *model.OrderCtx) { oc.TradeRate = 0 }, PrecheckOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oc := orderCtx(1_700_000_000_000)
			tt.mutate(oc)
			assert.Equal(t, tt.want, p.Check(oc))
		})
	}
}

func drainTokens(th *AdaptiveThrottler, tsMs int64) {
	for th.Allow(model.Regime(""), tsMs) {
	}
}

func TestPrecheckThrottledCodes(t *testing.T) {
	cfg := config.PrecheckConfig{ConsistencyMin: 0.4, ConsistencyThrottleMin: 0.6}
	base := int64(1_700_000_000_000)

	t.Run("soft consistency band", func(t *testing.T) {
		th := NewAdaptiveThrottler(config.ThrottlerConfig{BaseRateLimit: 1, MinRateLimit: 0.5})
		drainTokens(th, base)
		oc := orderCtx(base)
		oc.Consistency = 0.5
		assert.Equal(t, PrecheckLowConsistencyThrottle, NewPrecheck(cfg, th).Check(oc))
	})

	t.Run("weak signal", func(t *testing.T) {
		th := NewAdaptiveThrottler(config.ThrottlerConfig{BaseRateLimit: 1, MinRateLimit: 0.5})
		drainTokens(th, base)
		oc := orderCtx(base)
		oc.WeakSignalThrottle = true
		assert.Equal(t, PrecheckWeakSignalThrottle, NewPrecheck(cfg, th).Check(oc))
	})

	t.Run("plain rate limit", func(t *testing.T) {
		th := NewAdaptiveThrottler(config.ThrottlerConfig{BaseRateLimit: 1, MinRateLimit: 0.5})
		drainTokens(th, base)
		assert.Equal(t, PrecheckRateLimit, NewPrecheck(cfg, th).Check(orderCtx(base)))
	})
}

func TestThrottlerAdaptsUp(t *testing.T) {
	th := NewAdaptiveThrottler(config.ThrottlerConfig{
		BaseRateLimit: 10, MinRateLimit: 1, MaxRateLimit: 20, WindowSeconds: 60,
	})
	base := int64(1_700_000_000_000)
	for i := 0; i < 10; i++ {
		th.Observe(false, base+int64(i)*100)
	}
	// deny rate zero lifts the limit by 1.1x per observation, capped
	assert.Equal(t, 20.0, th.Rate())
}

func TestThrottlerAdaptsDown(t *testing.T) {
	th := NewAdaptiveThrottler(config.ThrottlerConfig{
		BaseRateLimit: 10, MinRateLimit: 1, MaxRateLimit: 20, WindowSeconds: 60,
	})
	base := int64(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		th.Observe(true, base+int64(i)*100)
	}
	assert.InDelta(t, 10*0.8*0.8*0.8*0.8*0.8, th.Rate(), 1e-9)
}

func TestThrottlerRegimeScaling(t *testing.T) {
	base := int64(1_700_000_000_000)

	quiet := NewAdaptiveThrottler(config.ThrottlerConfig{BaseRateLimit: 2, MinRateLimit: 0.5})
	assert.True(t, quiet.Allow(model.RegimeQuiet, base))
	// quiet halves the effective rate, leaving a single-token burst
	assert.False(t, quiet.Allow(model.RegimeQuiet, base))
	// a second of elapsed time refills
	assert.True(t, quiet.Allow(model.RegimeQuiet, base+1000))

	active := NewAdaptiveThrottler(config.ThrottlerConfig{BaseRateLimit: 2, MinRateLimit: 0.5})
	assert.True(t, active.Allow(model.RegimeActive, base))
	assert.True(t, active.Allow(model.RegimeActive, base))
	assert.False(t, active.Allow(model.RegimeActive, base))
}

func TestPositionBookLifecycle(t *testing.T) {
	b := newPositionBook()

	fill := func(side model.Side, qty, px float64) *model.Fill {
		return &model.Fill{Symbol: "BTCUSDT", Side: side, Qty: qty, Price: px, TSMs: 1000}
	}

	// open, then add at a higher price: volume-weighted entry
	b.apply(fill(model.SideBuy, 1, 100))
	b.apply(fill(model.SideBuy, 1, 200))
	pos, ok := b.get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 2.0, pos.Qty)
	assert.InDelta(t, 150, pos.EntryPrice, 1e-9)

	// partial reduce keeps the entry
	b.apply(fill(model.SideSell, 1, 180))
	pos, ok = b.get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 1.0, pos.Qty)
	assert.InDelta(t, 150, pos.EntryPrice, 1e-9)

	// oversized opposite fill flips into a short at the fill price
	b.apply(fill(model.SideSell, 3, 170))
	pos, ok = b.get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, -2.0, pos.Qty)
	assert.InDelta(t, 170, pos.EntryPrice, 1e-9)

	// exact close removes the position
	b.apply(fill(model.SideBuy, 2, 160))
	_, ok = b.get("BTCUSDT")
	assert.False(t, ok)
}

func TestBacktestExecutorFillsWithSlippage(t *testing.T) {
	sink := &memSink{}
	e := NewBacktestExecutor(config.ExecutorConfig{},
		config.BacktestConfig{SlippageBps: 4, TakerFeeBps: 2}, sink)
	e.SetMark("BTCUSDT", 50_000)

	res := e.SubmitWithCtx(context.Background(), orderCtx(1_700_000_000_000))
	require.True(t, res.OK)
	assert.Equal(t, model.StateFilled, res.State)
	require.NotNil(t, res.Fill)
	// half the configured slippage against the buyer
	assert.InDelta(t, 50_000*(1+2.0/10_000), res.Fill.Price, 1e-6)
	assert.InDelta(t, res.Fill.Price*0.01*2/10_000, res.Fill.Fee, 1e-9)

	pos, ok := e.GetPosition("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 0.01, pos.Qty)

	// submit, ack and filled transitions land in the outbox
	assert.Equal(t, 3, sink.len())
	assert.Len(t, sink.byType(model.EventFilled), 1)
}

func TestBacktestExecutorSellSlippage(t *testing.T) {
	e := NewBacktestExecutor(config.ExecutorConfig{},
		config.BacktestConfig{SlippageBps: 4}, nil)
	e.SetMark("BTCUSDT", 50_000)

	oc := orderCtx(1_700_000_000_000)
	oc.Side = model.SideSell
	res := e.SubmitWithCtx(context.Background(), oc)
	require.True(t, res.OK)
	assert.InDelta(t, 50_000*(1-2.0/10_000), res.Fill.Price, 1e-6)
}

func TestBacktestExecutorDuplicateShortCircuits(t *testing.T) {
	sink := &memSink{}
	e := NewBacktestExecutor(config.ExecutorConfig{},
		config.BacktestConfig{SlippageBps: 4, TakerFeeBps: 2}, sink)
	e.SetMark("BTCUSDT", 50_000)

	first := e.SubmitWithCtx(context.Background(), orderCtx(1_700_000_000_000))
	require.True(t, first.OK)
	require.False(t, first.Duplicate)

	// identical order identity resolves to the same client order id
	second := e.SubmitWithCtx(context.Background(), orderCtx(1_700_000_000_000))
	require.True(t, second.OK)
	assert.True(t, second.Duplicate)
	assert.Equal(t, model.StateAck, second.State)
	assert.Equal(t, first.ClientOrderID, second.ClientOrderID)

	// no second broker order, no extra events
	fills, err := e.FetchFills(context.Background(), "BTCUSDT", 0)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
	assert.Equal(t, 3, sink.len())
}

func TestBacktestExecutorPrecheckReject(t *testing.T) {
	sink := &memSink{}
	cfg := config.ExecutorConfig{EnablePrecheck: true}
	cfg.Precheck.ConsistencyMin = 0.4
	e := NewBacktestExecutor(cfg, config.BacktestConfig{}, sink)
	e.SetMark("BTCUSDT", 50_000)

	oc := orderCtx(1_700_000_000_000)
	oc.Consistency = 0.2
	res := e.SubmitWithCtx(context.Background(), oc)
	assert.False(t, res.OK)
	assert.Equal(t, model.StateRejected, res.State)
	assert.Equal(t, PrecheckLowConsistency, res.PrecheckCode)

	rejected := sink.byType(model.EventRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, string(PrecheckLowConsistency), rejected[0].Reason)
}

func TestBacktestExecutorNoMarkPrice(t *testing.T) {
	e := NewBacktestExecutor(config.ExecutorConfig{}, config.BacktestConfig{}, nil)
	res := e.SubmitWithCtx(context.Background(), orderCtx(1_700_000_000_000))
	assert.False(t, res.OK)
	assert.Equal(t, "no_mark_price", res.RejectReason)
}

func TestBacktestExecutorCancel(t *testing.T) {
	e := NewBacktestExecutor(config.ExecutorConfig{}, config.BacktestConfig{}, nil)
	res := e.Cancel(context.Background(), "BTCUSDT", "bt-1")
	assert.False(t, res.OK)
	assert.Equal(t, "no_open_order", res.RejectReason)
}

func TestPrepareOrder(t *testing.T) {
	sig := &model.Signal{
		Symbol:  "BTCUSDT",
		TSMs:    1_700_000_000_000,
		RowID:   7,
		Type:    model.SignalBuy,
		Confirm: true,
		Regime:  model.RegimeActive,
	}

	e := NewBacktestExecutor(config.ExecutorConfig{}, config.BacktestConfig{}, nil)
	e.SetMark("BTCUSDT", 50_000)

	oc, err := e.Prepare(sig, 500)
	require.NoError(t, err)
	assert.Equal(t, model.SideBuy, oc.Side)
	assert.InDelta(t, 0.01, oc.Qty, 1e-9)
	assert.Equal(t, model.OrderMarket, oc.OrderType)
	assert.NotEmpty(t, oc.ClientOrderID)

	sig.Confirm = false
	_, err = e.Prepare(sig, 500)
	assert.Error(t, err)

	sig.Confirm = true
	sig.Symbol = "ETHUSDT" // no mark
	_, err = e.Prepare(sig, 500)
	assert.Error(t, err)
}

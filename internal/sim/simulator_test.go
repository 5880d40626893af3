package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

type exitSpy struct {
	calls []int64
}

func (e *exitSpy) RecordExit(symbol string, tsMs int64) { e.calls = append(e.calls, tsMs) }

func simConfig() config.BacktestConfig {
	return config.BacktestConfig{
		TakerFeeBps:      1,
		SlippageBps:      2,
		NotionalPerTrade: 1000,
		TakeProfitBps:    50,
		StopLossBps:      100,
		MinHoldTimeSec:   10,
		MaxHoldTimeSec:   600,
	}
}

func newSim(t *testing.T, cfg config.BacktestConfig, exit ExitRecorder) *TradeSimulator {
	t.Helper()
	s, err := NewTradeSimulator(cfg, exit)
	require.NoError(t, err)
	return s
}

func simRow(symbol string, tsMs int64, mid float64) *model.FeatureRow {
	return &model.FeatureRow{
		Symbol:    symbol,
		TSMs:      tsMs,
		SecondTS:  tsMs / 1000,
		Mid:       mid,
		SpreadBps: 4,
		Scenario:  model.ScenarioActiveLow,
	}
}

func buySignal(tsMs int64) *model.Signal {
	return &model.Signal{
		SignalID: "sig-buy",
		Symbol:   "BTCUSDT",
		TSMs:     tsMs,
		Type:     model.SignalBuy,
		Confirm:  true,
		Gating:   1,
	}
}

func sellSignal(tsMs int64) *model.Signal {
	sig := buySignal(tsMs)
	sig.SignalID = "sig-sell"
	sig.Type = model.SignalSell
	return sig
}

func TestEntryThenTakeProfit(t *testing.T) {
	spy := &exitSpy{}
	s := newSim(t, simConfig(), spy)
	base := int64(1_700_000_000_000)

	s.Observe(simRow("BTCUSDT", base, 100), buySignal(base))
	require.Equal(t, 1, s.OpenPositions())

	// in profit but inside the min-hold window: no exit yet
	s.Observe(simRow("BTCUSDT", base+5_000, 101), nil)
	require.Equal(t, 1, s.OpenPositions())

	s.Observe(simRow("BTCUSDT", base+15_000, 101), nil)
	require.Equal(t, 0, s.OpenPositions())

	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.TradeEntry, trades[0].Reason)
	assert.Equal(t, model.SideBuy, trades[0].Side)
	assert.InDelta(t, 100*(1+2.0/10_000), trades[0].Px, 1e-9)

	exit := trades[1]
	assert.Equal(t, model.TradeTakeProfit, exit.Reason)
	assert.Equal(t, model.SideSell, exit.Side)
	assert.Greater(t, exit.NetPnL, 0.0)
	assert.InDelta(t, 15, exit.HoldSec, 1e-9)
	assert.Equal(t, 0.0, exit.PosAfter)

	// exit armed the post-exit cooldown upstream
	require.Len(t, spy.calls, 1)
	assert.Equal(t, base+15_000, spy.calls[0])

	daily := s.Daily()
	require.Len(t, daily, 1)
	assert.Equal(t, 1, daily[0].Trades)
	assert.Equal(t, 1, daily[0].Wins)
	assert.InDelta(t, exit.NetPnL, daily[0].NetPnL, 1e-9)
}

func TestStopLossIgnoresMinHold(t *testing.T) {
	cfg := simConfig()
	cfg.MinHoldTimeSec = 60
	cfg.StopLossBps = 50
	s := newSim(t, cfg, nil)
	base := int64(1_700_000_000_000)

	s.Observe(simRow("BTCUSDT", base, 100), buySignal(base))
	s.Observe(simRow("BTCUSDT", base+30_000, 99), nil)

	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.TradeStopLoss, trades[1].Reason)
	assert.InDelta(t, 30, trades[1].HoldSec, 1e-9)
	assert.Less(t, trades[1].NetPnL, 0.0)
}

func TestMaxHoldTimeout(t *testing.T) {
	cfg := simConfig()
	cfg.MaxHoldTimeSec = 30
	s := newSim(t, cfg, nil)
	base := int64(1_700_000_000_000)

	s.Observe(simRow("BTCUSDT", base, 100), buySignal(base))
	s.Observe(simRow("BTCUSDT", base+30_000, 100), nil)

	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.TradeTimeout, trades[1].Reason)
}

func TestReverseSignalReenters(t *testing.T) {
	cfg := simConfig()
	cfg.TakeProfitBps = 0
	cfg.ReverseOnSignal = true
	s := newSim(t, cfg, nil)
	base := int64(1_700_000_000_000)

	s.Observe(simRow("BTCUSDT", base, 100), buySignal(base))
	s.Observe(simRow("BTCUSDT", base+20_000, 100.2), sellSignal(base+20_000))

	trades := s.Trades()
	require.Len(t, trades, 3)
	assert.Equal(t, model.TradeReverseSignal, trades[1].Reason)
	assert.Equal(t, model.TradeEntry, trades[2].Reason)
	assert.Equal(t, model.SideSell, trades[2].Side)
	assert.Less(t, trades[2].PosAfter, 0.0)
	assert.Equal(t, 1, s.OpenPositions())
}

func TestDeadbandBlocksReverse(t *testing.T) {
	cfg := simConfig()
	cfg.TakeProfitBps = 0
	cfg.ReverseOnSignal = true
	cfg.DeadbandBps = 60
	s := newSim(t, cfg, nil)
	base := int64(1_700_000_000_000)

	s.Observe(simRow("BTCUSDT", base, 100), buySignal(base))
	// ~18 bps of PnL sits inside the deadband, the opposite signal is ignored
	s.Observe(simRow("BTCUSDT", base+20_000, 100.2), sellSignal(base+20_000))

	assert.Len(t, s.Trades(), 1)
	assert.Equal(t, 1, s.OpenPositions())
}

func TestForceTimeoutExit(t *testing.T) {
	cfg := simConfig()
	cfg.TakeProfitBps = 0
	cfg.ForceTimeoutExit = true
	s := newSim(t, cfg, nil)
	base := int64(1_700_000_000_000)

	s.Observe(simRow("BTCUSDT", base, 100), buySignal(base))
	s.Observe(simRow("BTCUSDT", base+15_000, 100.0), nil)

	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.TradeTimeout, trades[1].Reason)
}

func TestCloseBooksRolloverAtLastMarketTS(t *testing.T) {
	s := newSim(t, simConfig(), nil)
	base := int64(1_700_000_000_000)

	s.Observe(simRow("BTCUSDT", base, 100), buySignal(base))
	s.Observe(simRow("BTCUSDT", base+5_000, 100.1), nil)
	s.Close()

	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.TradeRollover, trades[1].Reason)
	// never wall-clock now, always the last observed market timestamp
	assert.Equal(t, base+5_000, trades[1].TSMs)
	assert.Equal(t, 0, s.OpenPositions())
}

func TestCloseUnderMinHoldBooksRollover(t *testing.T) {
	cfg := simConfig()
	cfg.ForceTimeoutExit = true
	cfg.TakeProfitBps = 0
	cfg.MinHoldTimeSec = 3
	s := newSim(t, cfg, nil)
	base := int64(1_700_000_000_000)

	s.Observe(simRow("BTCUSDT", base, 100), buySignal(base))
	s.Observe(simRow("BTCUSDT", base+2_000, 100), nil) // under min hold, stays open
	s.Close()

	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.TradeRollover, trades[1].Reason)
}

func TestGateReasonCounting(t *testing.T) {
	s := newSim(t, simConfig(), nil)
	base := int64(1_700_000_000_000)

	gated := &model.Signal{
		Symbol:     "BTCUSDT",
		TSMs:       base,
		Confirm:    false,
		GateReason: "weak_score,consistency_low",
	}
	s.Observe(simRow("BTCUSDT", base, 100), gated)
	s.Observe(simRow("BTCUSDT", base+1000, 100), gated)

	reasons := s.GateReasons()
	assert.Equal(t, 2, reasons["weak_signal"])
	assert.Equal(t, 2, reasons["low_consistency"])
}

func TestNoEntryWithoutConfirm(t *testing.T) {
	s := newSim(t, simConfig(), nil)
	base := int64(1_700_000_000_000)

	sig := buySignal(base)
	sig.Confirm = false
	s.Observe(simRow("BTCUSDT", base, 100), sig)
	s.Observe(simRow("BTCUSDT", base+1000, 100), nil)

	assert.Empty(t, s.Trades())
	assert.Equal(t, 0, s.OpenPositions())
}

func TestTurnoverSplit(t *testing.T) {
	cfg := simConfig()
	cfg.FeeModel = "maker_taker"
	cfg.FeeMakerTaker.ScenarioProbs = map[string]float64{"A_L": 0.8}
	cfg.FeeMakerTaker.MakerFeeRatio = 0.5
	s := newSim(t, cfg, nil)
	base := int64(1_700_000_000_000)

	s.Observe(simRow("BTCUSDT", base, 100), buySignal(base))
	maker, taker := s.Turnover()
	assert.Greater(t, maker, 0.0)
	assert.Greater(t, taker, 0.0)
	assert.InDelta(t, 0.8, maker/(maker+taker), 1e-9)
}

package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

func strongRow(symbol string, tsMs int64) *model.FeatureRow {
	return &model.FeatureRow{
		Symbol:      symbol,
		TSMs:        tsMs,
		SecondTS:    tsMs / 1000,
		Mid:         50_000,
		ZOFI:        2.0,
		ZCVD:        1.5,
		Consistency: 0.8,
		SpreadBps:   5.0,
		LagSec:      0.5,
		Scenario:    model.ScenarioActiveLow,
	}
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	return NewCore(config.Default(), "test-run")
}

func TestEvaluateConfirmedBuy(t *testing.T) {
	core := newTestCore(t)
	sig := core.Evaluate(strongRow("BTCUSDT", 1_700_000_000_000))

	require.True(t, sig.Confirm)
	assert.Equal(t, model.DecisionOK, sig.DecisionCode)
	assert.Equal(t, model.SignalBuy, sig.Type)
	assert.Equal(t, 1, sig.Gating)
	assert.Equal(t, model.RegimeActive, sig.Regime)
	// w_ofi*2.0 + w_cvd*1.5 with default 0.6/0.4 weights
	assert.InDelta(t, 1.8, sig.Score, 1e-9)
	assert.NotEmpty(t, sig.SignalID)
	assert.NotEmpty(t, sig.ConfigHash)
}

func TestEvaluateStrongBuy(t *testing.T) {
	core := newTestCore(t)
	row := strongRow("BTCUSDT", 1_700_000_000_000)
	row.ZOFI = 4.0
	row.ZCVD = 4.0

	sig := core.Evaluate(row)
	require.True(t, sig.Confirm)
	assert.Equal(t, model.SignalStrongBuy, sig.Type)
}

func TestEvaluateWarmupGated(t *testing.T) {
	core := newTestCore(t)
	row := strongRow("BTCUSDT", 1_700_000_000_000)
	row.Warmup = true

	sig := core.Evaluate(row)
	require.False(t, sig.Confirm)
	assert.Equal(t, model.DecisionFailWarmup, sig.DecisionCode)
	assert.Equal(t, model.ReasonComponentWarmup, sig.GateReason)
	assert.Equal(t, 0, sig.Gating)
}

func TestEvaluateGatingReasons(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.FeatureRow)
		reason string
	}{
		{"low consistency", func(r *model.FeatureRow) { r.Consistency = 0.3 }, model.ReasonLowConsistency},
		{"wide spread", func(r *model.FeatureRow) { r.SpreadBps = 40 }, model.ReasonSpreadExceeded},
		{"stale data", func(r *model.FeatureRow) { r.LagSec = 5 }, model.ReasonLagExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := newTestCore(t)
			row := strongRow("BTCUSDT", 1_700_000_000_000)
			tt.mutate(row)
			sig := core.Evaluate(row)
			require.False(t, sig.Confirm)
			assert.Equal(t, model.DecisionFailGating, sig.DecisionCode)
			assert.Contains(t, sig.GateReason, tt.reason)
		})
	}
}

func TestEvaluateWeakSignal(t *testing.T) {
	core := newTestCore(t)
	row := strongRow("BTCUSDT", 1_700_000_000_000)
	row.ZOFI = 0.5
	row.ZCVD = 0.5

	sig := core.Evaluate(row)
	require.False(t, sig.Confirm)
	assert.Equal(t, model.DecisionFailThreshold, sig.DecisionCode)
	assert.Equal(t, model.ReasonWeakSignal, sig.GateReason)
}

func TestEvaluateQuietRegimeBlocked(t *testing.T) {
	core := newTestCore(t)
	row := strongRow("BTCUSDT", 1_700_000_000_000)
	row.Scenario = model.ScenarioQuietLow
	row.ZOFI = 5.0
	row.ZCVD = 5.0

	sig := core.Evaluate(row)
	require.False(t, sig.Confirm)
	assert.Equal(t, model.DecisionFailRegime, sig.DecisionCode)
	assert.Equal(t, model.SignalQuiet, sig.Type)
	assert.Equal(t, model.RegimeQuiet, sig.Regime)
}

func TestEvaluateQuietAllowed(t *testing.T) {
	cfg := config.Default()
	cfg.Core.AllowQuiet = true
	core := NewCore(cfg, "test-run")

	row := strongRow("BTCUSDT", 1_700_000_000_000)
	row.Scenario = model.ScenarioQuietLow
	row.ZOFI = 5.0
	row.ZCVD = 5.0

	sig := core.Evaluate(row)
	require.True(t, sig.Confirm)
	assert.Equal(t, model.RegimeQuiet, sig.Regime)
}

func TestEvaluateCooldownBetweenConfirms(t *testing.T) {
	core := newTestCore(t)
	base := int64(1_700_000_000_000)

	first := core.Evaluate(strongRow("BTCUSDT", base))
	require.True(t, first.Confirm)

	second := core.Evaluate(strongRow("BTCUSDT", base+1000))
	require.False(t, second.Confirm)
	assert.Equal(t, model.DecisionFailCooldown, second.DecisionCode)

	third := core.Evaluate(strongRow("BTCUSDT", base+6000))
	require.True(t, third.Confirm)
}

func TestEvaluateCooldownAfterExit(t *testing.T) {
	core := newTestCore(t)
	base := int64(1_700_000_000_000)

	first := core.Evaluate(strongRow("BTCUSDT", base))
	require.True(t, first.Confirm)

	core.RecordExit("BTCUSDT", base+10_000)

	// past the confirm cooldown but inside the 30s post-exit window
	blocked := core.Evaluate(strongRow("BTCUSDT", base+20_000))
	require.False(t, blocked.Confirm)
	assert.Equal(t, model.DecisionFailCooldown, blocked.DecisionCode)
	assert.Equal(t, model.ReasonCooldownAfterExit, blocked.GateReason)

	after := core.Evaluate(strongRow("BTCUSDT", base+41_000))
	require.True(t, after.Confirm)
}

func TestEvaluateAntiflip(t *testing.T) {
	core := newTestCore(t)
	base := int64(1_700_000_000_000)

	buy := core.Evaluate(strongRow("BTCUSDT", base))
	require.True(t, buy.Confirm)

	// first opposite candidate: streak too short to flip
	sell := strongRow("BTCUSDT", base+10_000)
	sell.ZOFI = -3.0
	sell.ZCVD = -3.0
	flip := core.Evaluate(sell)
	require.False(t, flip.Confirm)
	assert.Equal(t, model.DecisionFailAntiflip, flip.DecisionCode)

	// second consecutive opposite candidate clears the streak requirement
	sell2 := strongRow("BTCUSDT", base+11_000)
	sell2.ZOFI = -3.0
	sell2.ZCVD = -3.0
	flip2 := core.Evaluate(sell2)
	require.True(t, flip2.Confirm)
	assert.Equal(t, model.SignalStrongSell, flip2.Type)
}

func TestEvaluateDivergenceBlockedByDefault(t *testing.T) {
	core := newTestCore(t)
	row := strongRow("BTCUSDT", 1_700_000_000_000)
	row.ZOFI = 3.0
	row.ZCVD = -2.0

	sig := core.Evaluate(row)
	require.False(t, sig.Confirm)
	assert.Equal(t, model.DecisionFailGating, sig.DecisionCode)
	assert.Equal(t, model.ReasonDegradedOFIOnly, sig.GateReason)
}

func TestEvaluateDivergenceAltPath(t *testing.T) {
	cfg := config.Default()
	cfg.Core.Gating.EnableDivergenceAlt = true
	core := NewCore(cfg, "test-run")

	row := strongRow("BTCUSDT", 1_700_000_000_000)
	row.ZOFI = 3.0
	row.ZCVD = -2.0

	sig := core.Evaluate(row)
	require.True(t, sig.Confirm)
	// dominant-component score: w_ofi * z_ofi
	assert.InDelta(t, 1.8, sig.Score, 1e-9)
	assert.Equal(t, model.ReasonDegradedOFIOnly, sig.GateReason)
}

func TestEvaluateDeterministicReplay(t *testing.T) {
	rows := []*model.FeatureRow{
		strongRow("BTCUSDT", 1_700_000_000_000),
		strongRow("BTCUSDT", 1_700_000_001_000),
		strongRow("BTCUSDT", 1_700_000_010_000),
		strongRow("ETHUSDT", 1_700_000_000_000),
	}

	run := func() []*model.Signal {
		core := NewCore(config.Default(), "replay")
		out := make([]*model.Signal, 0, len(rows))
		for _, r := range rows {
			rc := *r
			out = append(out, core.Evaluate(&rc))
		}
		return out
	}

	a, b := run(), run()
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].SignalID, b[i].SignalID, "row %d", i)
		assert.Equal(t, a[i].Confirm, b[i].Confirm, "row %d", i)
		assert.Equal(t, a[i].DecisionCode, b[i].DecisionCode, "row %d", i)
	}
}

func TestEvaluateUnknownScenario(t *testing.T) {
	core := newTestCore(t)
	row := strongRow("BTCUSDT", 1_700_000_000_000)
	row.Scenario = ""

	sig := core.Evaluate(row)
	assert.Equal(t, model.ScenarioUnknown, sig.Scenario)
	assert.Equal(t, model.RegimeQuiet, sig.Regime)
}

func TestIDCacheEviction(t *testing.T) {
	c := newIDCache(2)
	assert.False(t, c.seen("a"))
	assert.False(t, c.seen("b"))
	assert.True(t, c.seen("a"))
	assert.False(t, c.seen("c")) // evicts "a"
	assert.False(t, c.seen("a"))
}

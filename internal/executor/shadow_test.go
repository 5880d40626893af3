package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

func newShadowPair(t *testing.T) (*ShadowExecutorWrapper, *BacktestExecutor, *BacktestExecutor) {
	t.Helper()
	primary := NewBacktestExecutor(config.ExecutorConfig{}, config.BacktestConfig{SlippageBps: 4}, nil)
	shadow := NewBacktestExecutor(config.ExecutorConfig{}, config.BacktestConfig{SlippageBps: 4}, nil)
	return NewShadowExecutorWrapper(primary, shadow, 0.01), primary, shadow
}

func TestShadowFullAgreement(t *testing.T) {
	w, primary, shadow := newShadowPair(t)
	primary.SetMark("BTCUSDT", 50_000)
	shadow.SetMark("BTCUSDT", 50_000)

	res := w.SubmitWithCtx(context.Background(), orderCtx(1_700_000_000_000))
	require.True(t, res.OK)
	assert.Equal(t, 1.0, w.ParityRatio())
}

func TestShadowPriceWithinTickStillAgrees(t *testing.T) {
	w, primary, shadow := newShadowPair(t)
	primary.SetMark("BTCUSDT", 50_000)
	// one tick apart after slippage: still counted as price parity
	shadow.SetMark("BTCUSDT", 50_000.005)

	res := w.SubmitWithCtx(context.Background(), orderCtx(1_700_000_000_000))
	require.True(t, res.OK)
	assert.Equal(t, 1.0, w.ParityRatio())
}

func TestShadowDisagreementAlertsOnce(t *testing.T) {
	w, primary, _ := newShadowPair(t)
	primary.SetMark("BTCUSDT", 50_000)
	// shadow has no mark price and rejects everything

	alerts := 0
	w.alertFn = func(float64) { alerts++ }

	base := int64(1_700_000_000_000)
	first := w.SubmitWithCtx(context.Background(), orderCtx(base))
	require.True(t, first.OK)
	second := w.SubmitWithCtx(context.Background(), orderCtx(base+1000))
	require.True(t, second.OK)

	assert.Equal(t, 0.0, w.ParityRatio())
	// the breach episode raises a single alert, not one per order
	assert.Equal(t, 1, alerts)
}

func TestShadowCompareScores(t *testing.T) {
	w, _, _ := newShadowPair(t)
	fill := func(px float64) *model.Fill { return &model.Fill{Price: px} }

	tests := []struct {
		name    string
		primary Result
		shadow  Result
		want    float64
	}{
		{
			"identical rejects",
			Result{RejectReason: "low_consistency"},
			Result{RejectReason: "low_consistency"},
			1.0,
		},
		{
			"status and reason only",
			Result{OK: true, Fill: fill(50_000)},
			Result{OK: true, Fill: fill(50_100)},
			0.75,
		},
		{
			"total disagreement",
			Result{OK: true, Fill: fill(50_000)},
			Result{RejectReason: "no_mark_price"},
			0.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmp := w.Compare(tt.primary, tt.shadow)
			assert.InDelta(t, tt.want, cmp.Parity, 1e-9)
		})
	}
}

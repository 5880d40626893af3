package feeder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
	"github.com/quantfold/tickpipe/internal/signal"
)

type sinkSpy struct {
	signals []*model.Signal
	err     error
}

func (s *sinkSpy) Write(sig *model.Signal) error {
	if s.err != nil {
		return s.err
	}
	s.signals = append(s.signals, sig)
	return nil
}

func (s *sinkSpy) Flush() error { return nil }
func (s *sinkSpy) Close() error { return nil }

func featureRow(tsMs int64) *model.FeatureRow {
	return &model.FeatureRow{
		Symbol:      "BTCUSDT",
		TSMs:        tsMs,
		SecondTS:    tsMs / 1000,
		Mid:         50_000,
		ZOFI:        2.0,
		ZCVD:        1.5,
		Consistency: 0.8,
		SpreadBps:   5.0,
		LagSec:      0.5,
		Return1s:    12.0,
		VolBps:      12.0,
		Scenario:    model.ScenarioActiveLow,
		Session:     "eu",
	}
}

func TestFeedAttachesFeatureData(t *testing.T) {
	sink := &sinkSpy{}
	f := New(signal.NewCore(config.Default(), "test-run"), sink)

	sig, err := f.Feed(featureRow(1_700_000_000_000))
	require.NoError(t, err)
	require.True(t, sig.Confirm)

	fd := sig.FeatureData
	require.NotNil(t, fd)
	assert.Equal(t, 5.0, fd.SpreadBps)
	assert.Equal(t, 12.0, fd.Return1s)
	assert.Equal(t, "eu", fd.Session)
	assert.Equal(t, sig.Scenario, fd.Scenario)

	require.Len(t, sink.signals, 1)
	assert.Same(t, sig, sink.signals[0])
}

func TestFeedInjectsActivityRates(t *testing.T) {
	f := New(signal.NewCore(config.Default(), "test-run"), nil)
	base := int64(1_700_000_000_000)

	// six trades one second apart, a 5s observed span
	for i := int64(0); i < 6; i++ {
		f.ObserveTrade("BTCUSDT", base+i*1000)
	}
	// three quote updates over 2s
	for i := int64(0); i < 3; i++ {
		f.ObserveQuote("BTCUSDT", base+i*1000)
	}

	row := featureRow(base + 5000)
	sig, err := f.Feed(row)
	require.NoError(t, err)

	// 6 trades in 5s scale to 72 per minute
	assert.InDelta(t, 72, row.TradeRate, 1e-9)
	// 3 quotes over the 5s span
	assert.InDelta(t, 0.6, row.QuoteRate, 1e-9)
	assert.Equal(t, row.TradeRate, sig.FeatureData.TradeRate)
}

func TestFeedKeepsExplicitRates(t *testing.T) {
	f := New(signal.NewCore(config.Default(), "test-run"), nil)
	f.ObserveTrade("BTCUSDT", 1_700_000_000_000)

	row := featureRow(1_700_000_000_000)
	row.TradeRate = 99
	row.QuoteRate = 7
	_, err := f.Feed(row)
	require.NoError(t, err)

	assert.Equal(t, 99.0, row.TradeRate)
	assert.Equal(t, 7.0, row.QuoteRate)
}

func TestFeedGatedRowStillEmits(t *testing.T) {
	sink := &sinkSpy{}
	f := New(signal.NewCore(config.Default(), "test-run"), sink)

	row := featureRow(1_700_000_000_000)
	row.Warmup = true
	sig, err := f.Feed(row)
	require.NoError(t, err)
	assert.False(t, sig.Confirm)
	// gated decisions are persisted too
	assert.Len(t, sink.signals, 1)
}

func TestFeedPropagatesSinkError(t *testing.T) {
	sink := &sinkSpy{err: errors.New("disk full")}
	f := New(signal.NewCore(config.Default(), "test-run"), sink)

	_, err := f.Feed(featureRow(1_700_000_000_000))
	assert.Error(t, err)
}

func TestRateWindowTrimsOldEvents(t *testing.T) {
	w := newRateWindows(60_000)
	base := int64(1_700_000_000_000)

	w.observe("BTCUSDT", base)
	w.observe("BTCUSDT", base+30_000)
	// 90s later the first event left the window
	w.observe("BTCUSDT", base+90_000)

	n, _ := w.count("BTCUSDT", base+90_000)
	assert.Equal(t, 2, n)
}

package feeder

import (
	"github.com/quantfold/tickpipe/internal/model"
	"github.com/quantfold/tickpipe/internal/signal"
)

// Feeder drives the signal core over an aligned feature stream. It injects
// per-symbol activity rates from two sliding windows of recent timestamps and
// attaches the attribution payload each emitted signal carries downstream.
type Feeder struct {
	core *signal.Core
	sink signal.Sink

	trades *rateWindows // trade timestamps, rate reported per minute
	quotes *rateWindows // update timestamps, rate reported per second
}

// New creates a feeder in front of core; sink may be nil when the caller
// handles persistence itself.
func New(core *signal.Core, sink signal.Sink) *Feeder {
	return &Feeder{
		core:   core,
		sink:   sink,
		trades: newRateWindows(60_000),
		quotes: newRateWindows(60_000),
	}
}

// ObserveTrade records a raw trade event for the activity window.
func (f *Feeder) ObserveTrade(symbol string, tsMs int64) {
	f.trades.observe(symbol, tsMs)
}

// ObserveQuote records a raw quote/book update for the activity window.
func (f *Feeder) ObserveQuote(symbol string, tsMs int64) {
	f.quotes.observe(symbol, tsMs)
}

// Feed evaluates one feature row and hands the decision to the sink. The
// returned signal is always non-nil: gated rows come back with confirm=false.
func (f *Feeder) Feed(row *model.FeatureRow) (*model.Signal, error) {
	if row.TradeRate == 0 {
		row.TradeRate = f.trades.ratePerMinute(row.Symbol, row.TSMs)
	}
	if row.QuoteRate == 0 {
		row.QuoteRate = f.quotes.ratePerSecond(row.Symbol, row.TSMs)
	}

	sig := f.core.Evaluate(row)
	sig.FeatureData = &model.FeatureData{
		LagBadPrice: row.LagBadPrice,
		LagBadBook:  row.LagBadBook,
		IsGapSecond: row.IsGapSecond,
		SpreadBps:   row.SpreadBps,
		VolBps:      row.VolBps,
		Return1s:    row.Return1s,
		Scenario:    sig.Scenario,
		FeeTier:     row.FeeTier,
		Session:     row.Session,
		TradeRate:   row.TradeRate,
		QuoteRate:   row.QuoteRate,
	}
	if f.sink != nil {
		if err := f.sink.Write(sig); err != nil {
			return nil, err
		}
	}
	return sig, nil
}

// rateWindows keeps per-symbol sliding windows of event timestamps, trimmed
// to windowMs behind the newest observation.
type rateWindows struct {
	windowMs int64
	events   map[string][]int64
}

func newRateWindows(windowMs int64) *rateWindows {
	return &rateWindows{windowMs: windowMs, events: make(map[string][]int64)}
}

func (w *rateWindows) observe(symbol string, tsMs int64) {
	evs := append(w.events[symbol], tsMs)
	cutoff := tsMs - w.windowMs
	trim := 0
	for trim < len(evs) && evs[trim] < cutoff {
		trim++
	}
	w.events[symbol] = evs[trim:]
}

func (w *rateWindows) count(symbol string, nowMs int64) (n int, spanMs int64) {
	evs := w.events[symbol]
	cutoff := nowMs - w.windowMs
	for _, ts := range evs {
		if ts >= cutoff && ts <= nowMs {
			n++
		}
	}
	spanMs = w.windowMs
	if len(evs) > 0 && nowMs-evs[0] < spanMs {
		spanMs = nowMs - evs[0]
	}
	if spanMs <= 0 {
		spanMs = 1000
	}
	return n, spanMs
}

func (w *rateWindows) ratePerMinute(symbol string, nowMs int64) float64 {
	n, span := w.count(symbol, nowMs)
	return float64(n) / (float64(span) / 60_000.0)
}

func (w *rateWindows) ratePerSecond(symbol string, nowMs int64) float64 {
	n, span := w.count(symbol, nowMs)
	return float64(n) / (float64(span) / 1000.0)
}

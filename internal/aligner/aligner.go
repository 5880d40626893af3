package aligner

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

// Stats counts alignment outcomes.
type Stats struct {
	Emitted      int `json:"emitted"`
	FallbackUsed int `json:"fallback_used"`
	MissingData  int `json:"missing_data"`
	GapSeconds   int `json:"gap_seconds"`
	RejectedRows int `json:"rejected_rows"`
}

// Aligner consumes per-event price and order-book streams (time-ordered per
// symbol) and emits one FeatureRow per second per symbol. A second is
// finalised once the first event beyond it arrives, or on Flush.
type Aligner struct {
	cfg   config.AlignerConfig
	emit  func(*model.FeatureRow) error
	state map[string]*symState
	stats Stats
}

type midPoint struct {
	tsMs int64
	mid  float64
}

type symState struct {
	lastPrice *model.PriceRow
	lastBook  *model.BookRow
	// prevMid is the previous second's mid, the reference for return_1s.
	// History is trimmed to two seconds: prev and current.
	prevMid   midPoint
	nextSec   int64 // next second to finalise; 0 until first event
	gapFilled bool
}

// New creates an aligner that hands finished rows to emit.
func New(cfg config.AlignerConfig, emit func(*model.FeatureRow) error) *Aligner {
	return &Aligner{cfg: cfg, emit: emit, state: make(map[string]*symState)}
}

// Stats returns the counters accumulated so far.
func (a *Aligner) Stats() Stats { return a.stats }

// OnPrice feeds one price event.
func (a *Aligner) OnPrice(p *model.PriceRow) error {
	st := a.symbol(p.Symbol)
	if err := a.advance(p.Symbol, st, p.TSMs); err != nil {
		return err
	}
	if st.lastPrice == nil || p.TSMs >= st.lastPrice.TSMs {
		st.lastPrice = p
	}
	return nil
}

// OnBook feeds one order-book event.
func (a *Aligner) OnBook(b *model.BookRow) error {
	st := a.symbol(b.Symbol)
	if err := a.advance(b.Symbol, st, b.TSMs); err != nil {
		return err
	}
	if st.lastBook == nil || b.TSMs >= st.lastBook.TSMs {
		st.lastBook = b
	}
	return nil
}

// Flush finalises every symbol through lastTsMs.
func (a *Aligner) Flush(lastTsMs int64) error {
	for sym, st := range a.state {
		if err := a.advance(sym, st, lastTsMs+1000); err != nil {
			return err
		}
	}
	log.Debug().Int("emitted", a.stats.Emitted).Int("missing", a.stats.MissingData).
		Int("fallback", a.stats.FallbackUsed).Msg("aligner flush")
	return nil
}

func (a *Aligner) symbol(sym string) *symState {
	st, ok := a.state[sym]
	if !ok {
		st = &symState{}
		a.state[sym] = st
	}
	return st
}

// advance finalises all seconds strictly before the second of tsMs.
func (a *Aligner) advance(sym string, st *symState, tsMs int64) error {
	evSec := tsMs / 1000
	if st.nextSec == 0 {
		st.nextSec = evSec
		return nil
	}
	for sec := st.nextSec; sec < evSec; sec++ {
		if err := a.finalise(sym, st, sec); err != nil {
			return err
		}
	}
	if evSec > st.nextSec {
		st.nextSec = evSec
	}
	return nil
}

func (a *Aligner) finalise(sym string, st *symState, sec int64) error {
	secMs := sec * 1000
	maxLag := a.cfg.MaxLagMs
	if maxLag <= 0 {
		maxLag = a.cfg.LagThresholdMs
	}

	price := st.lastPrice
	book := st.lastBook
	if price == nil || book == nil {
		a.stats.MissingData++
		return nil
	}
	lagPrice := secMs - price.TSMs
	if lagPrice < 0 {
		lagPrice = 0
	}
	lagBook := secMs - book.TSMs
	if lagBook < 0 {
		lagBook = 0
	}
	if lagPrice > maxLag || lagBook > maxLag {
		a.stats.MissingData++
		return nil
	}
	if lagPrice >= 1000 || lagBook >= 1000 {
		a.stats.FallbackUsed++
	}

	mid := price.EffectiveMid()
	bid := book.EffectiveBid()
	ask := book.EffectiveAsk()
	if mid <= 0 || bid <= 0 || ask <= 0 {
		a.stats.RejectedRows++
		return nil
	}

	spreadBps := book.SpreadBps
	if spreadBps == 0 {
		spreadBps = (ask - bid) / mid * 10_000
	}

	// Gap fill: when more than one second passed since the last valid mid,
	// carry the previous mid forward to the prior second so return_1s stays
	// continuous across the hole.
	gap := 0
	if st.prevMid.tsMs != 0 && secMs-st.prevMid.tsMs > 1000 {
		a.stats.GapSeconds += int((secMs-st.prevMid.tsMs)/1000) - 1
		st.prevMid = midPoint{tsMs: secMs - 1000, mid: st.prevMid.mid}
		gap = 1
	}

	return1s := 0.0
	if st.prevMid.mid > 0 {
		return1s = (mid - st.prevMid.mid) / st.prevMid.mid * 10_000
	}
	st.prevMid = midPoint{tsMs: secMs, mid: mid}

	// Consistency precedence: the price row wins when both carry a value.
	consistency := price.Consistency
	if consistency == 0 {
		consistency = book.Consistency
	}

	lagThreshold := a.cfg.LagThresholdMs
	if lagThreshold <= 0 {
		lagThreshold = 5000
	}

	row := &model.FeatureRow{
		SecondTS:       sec,
		TSMs:           secMs,
		Symbol:         sym,
		Mid:            mid,
		BestBid:        bid,
		BestAsk:        ask,
		SpreadBps:      spreadBps,
		Return1s:       return1s,
		VolBps:         math.Abs(return1s),
		Consistency:    consistency,
		LagSec:         float64(maxInt64(lagPrice, lagBook)) / 1000.0,
		LagMsPrice:     lagPrice,
		LagMsOrderbook: lagBook,
		IsGapSecond:    gap,
		FeeTier:        price.FeeTier,
		Session:        price.Session,
	}
	if lagPrice > lagThreshold {
		row.LagBadPrice = 1
	}
	if lagBook > lagThreshold {
		row.LagBadBook = 1
	}
	row.Scenario = a.scenario(spreadBps, return1s)

	a.stats.Emitted++
	return a.emit(row)
}

// scenario derives the 2x2 label. The two axes are independent: activity uses
// spread only, volatility uses return magnitude only.
func (a *Aligner) scenario(spreadBps, return1s float64) model.Scenario {
	isActive := spreadBps > a.cfg.SpreadThreshold
	isHighVol := math.Abs(return1s) >= a.cfg.VolatilityThreshold
	switch {
	case isActive && isHighVol:
		return model.ScenarioActiveHigh
	case isActive:
		return model.ScenarioActiveLow
	case isHighVol:
		return model.ScenarioQuietHigh
	default:
		return model.ScenarioQuietLow
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

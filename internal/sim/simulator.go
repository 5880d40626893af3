package sim

import (
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

// ExitRecorder arms the post-exit cooldown upstream. Kept as a one-direction
// callback so the simulator and the signal core stay independently testable.
type ExitRecorder interface {
	RecordExit(symbol string, tsMs int64)
}

type dailyAux struct {
	winSum  float64
	lossSum float64
}

// TradeSimulator converts confirmed signals into entries and exits under the
// configured cost model, producing trade rows, daily PnL, and gate-reason
// counts.
type TradeSimulator struct {
	cfg  config.BacktestConfig
	slip SlippageModel
	fees FeeModel
	roll *Rollover
	exit ExitRecorder

	positions map[string]*model.Position
	trades    []model.Trade
	daily     map[string]*model.DailyPnL
	dailyAux  map[string]*dailyAux

	lastTSMs map[string]int64
	lastMid  map[string]float64

	gateReasons    map[string]int
	invalidFeeTier int
	makerTurnover  float64
	takerTurnover  float64
}

// NewTradeSimulator builds the simulator; exit may be nil when no cooldown
// feedback is wanted.
func NewTradeSimulator(cfg config.BacktestConfig, exit ExitRecorder) (*TradeSimulator, error) {
	s := &TradeSimulator{
		cfg:         cfg,
		exit:        exit,
		positions:   make(map[string]*model.Position),
		daily:       make(map[string]*model.DailyPnL),
		dailyAux:    make(map[string]*dailyAux),
		lastTSMs:    make(map[string]int64),
		lastMid:     make(map[string]float64),
		gateReasons: make(map[string]int),
	}
	var err error
	if s.slip, err = NewSlippageModel(cfg); err != nil {
		return nil, err
	}
	if s.fees, err = NewFeeModel(cfg, &s.invalidFeeTier); err != nil {
		return nil, err
	}
	if s.roll, err = NewRollover(cfg.RolloverTimezone, cfg.RolloverHour); err != nil {
		return nil, err
	}
	return s, nil
}

// Observe advances the simulator by one aligned second. sig may be nil when
// the row produced no decision. Price-driven exits (stop-loss, take-profit,
// timeout) are evaluated on every row; the reverse path only on a confirmed
// opposite signal.
func (s *TradeSimulator) Observe(row *model.FeatureRow, sig *model.Signal) {
	if row.Mid > 0 {
		s.lastMid[row.Symbol] = row.Mid
	}
	if row.TSMs > s.lastTSMs[row.Symbol] {
		s.lastTSMs[row.Symbol] = row.TSMs
	}

	if sig != nil && !sig.Confirm && sig.GateReason != "" {
		s.countGateReasons(sig.GateReason)
	}

	mid := s.lastMid[row.Symbol]
	if mid <= 0 {
		return
	}

	if pos, ok := s.positions[row.Symbol]; ok {
		if reason := s.exitReason(pos, row, sig, mid); reason != "" {
			s.closePosition(pos, row.TSMs, mid, reason, featureData(sig, row))
			// reverse re-enters on the same row
			if reason == model.TradeReverseSignal && s.cfg.ReverseOnSignal && sig != nil {
				s.enter(sig, row, mid)
			}
			return
		}
	}

	if sig == nil || !sig.Confirm {
		return
	}
	if _, open := s.positions[row.Symbol]; open {
		return
	}
	if sig.Type.IsBuy() || sig.Type.IsSell() {
		s.enter(sig, row, mid)
	}
}

// exitReason applies the ordered exit rules, empty when the position holds.
func (s *TradeSimulator) exitReason(pos *model.Position, row *model.FeatureRow, sig *model.Signal, mid float64) model.TradeReason {
	holdSec := float64(row.TSMs-pos.EntryTSMs) / 1000.0
	pnlBps := (mid - pos.EntryPrice) / pos.EntryPrice * 10_000
	if pos.Qty < 0 {
		pnlBps = -pnlBps
	}

	if s.cfg.MaxHoldTimeSec > 0 && holdSec >= float64(s.cfg.MaxHoldTimeSec) {
		return model.TradeTimeout
	}
	// stop-loss ignores min-hold; safety first
	if s.cfg.StopLossBps > 0 && pnlBps <= -s.cfg.StopLossBps {
		return model.TradeStopLoss
	}
	if holdSec < float64(s.cfg.MinHoldTimeSec) {
		return ""
	}
	inDeadband := s.cfg.DeadbandBps > 0 && math.Abs(pnlBps) < s.cfg.DeadbandBps
	if !inDeadband {
		if s.cfg.TakeProfitBps > 0 && pnlBps >= s.cfg.TakeProfitBps {
			return model.TradeTakeProfit
		}
		if sig != nil && sig.Confirm && s.opposite(pos, sig) {
			return model.TradeReverseSignal
		}
	}
	if s.cfg.ForceTimeoutExit {
		return model.TradeTimeout
	}
	return ""
}

func (s *TradeSimulator) opposite(pos *model.Position, sig *model.Signal) bool {
	if pos.Qty > 0 {
		return sig.Type.IsSell()
	}
	return sig.Type.IsBuy()
}

func (s *TradeSimulator) enter(sig *model.Signal, row *model.FeatureRow, mid float64) {
	side := model.SideBuy
	if sig.Type.IsSell() {
		side = model.SideSell
	}
	fd := featureData(sig, row)
	slipBps := s.slip.Bps(fd)

	execPx := mid * (1 + slipBps/10_000)
	if side == model.SideSell {
		execPx = mid * (1 - slipBps/10_000)
	}
	qty := s.cfg.NotionalPerTrade / execPx
	notional := execPx * qty
	fee, makerProb := s.fees.Fee(notional, fd, side)

	signedQty := qty
	if side == model.SideSell {
		signedQty = -qty
	}
	s.positions[row.Symbol] = &model.Position{
		Symbol:        row.Symbol,
		Qty:           signedQty,
		EntryPrice:    execPx,
		EntryFee:      fee,
		EntryNotional: notional,
		MakerProb:     makerProb,
		FeeTier:       fd.FeeTier,
		EntryTSMs:     row.TSMs,
		Scenario:      fd.Scenario,
		Session:       fd.Session,
	}
	s.creditTurnover(notional, makerProb)
	s.trades = append(s.trades, model.Trade{
		TSMs:        row.TSMs,
		Symbol:      row.Symbol,
		Side:        side,
		Px:          execPx,
		Qty:         qty,
		Fee:         fee,
		SlippageBps: slipBps,
		Reason:      model.TradeEntry,
		PosAfter:    signedQty,
		Scenario:    fd.Scenario,
		Session:     fd.Session,
		MakerProb:   makerProb,
		Notional:    notional,
	})
}

func (s *TradeSimulator) closePosition(pos *model.Position, tsMs int64, mid float64, reason model.TradeReason, fd *model.FeatureData) {
	exitSide := model.SideSell
	if pos.Qty < 0 {
		exitSide = model.SideBuy
	}
	if fd == nil {
		fd = &model.FeatureData{Scenario: pos.Scenario, Session: pos.Session, FeeTier: pos.FeeTier}
	}
	slipBps := s.slip.Bps(fd)

	execPx := mid * (1 - slipBps/10_000)
	if exitSide == model.SideBuy {
		execPx = mid * (1 + slipBps/10_000)
	}
	qty := math.Abs(pos.Qty)
	notional := execPx * qty
	exitFee, makerProb := s.fees.Fee(notional, fd, exitSide)

	// exec prices already embed slippage, so gross is price-move only
	gross := (execPx - pos.EntryPrice) * qty
	if pos.Qty < 0 {
		gross = (pos.EntryPrice - execPx) * qty
	}
	net := gross - pos.EntryFee - exitFee
	holdSec := float64(tsMs-pos.EntryTSMs) / 1000.0
	slipCost := (pos.EntryNotional + notional) * slipBps / 10_000

	s.creditTurnover(notional, makerProb)
	s.trades = append(s.trades, model.Trade{
		TSMs:        tsMs,
		Symbol:      pos.Symbol,
		Side:        exitSide,
		Px:          execPx,
		Qty:         qty,
		Fee:         exitFee,
		SlippageBps: slipBps,
		Reason:      reason,
		PosAfter:    0,
		GrossPnL:    gross,
		NetPnL:      net,
		HoldSec:     holdSec,
		Scenario:    pos.Scenario,
		Session:     pos.Session,
		MakerProb:   makerProb,
		Notional:    notional,
	})
	s.rollup(pos, tsMs, gross, pos.EntryFee+exitFee, slipCost, net, pos.EntryNotional+notional)
	delete(s.positions, pos.Symbol)

	if s.exit != nil {
		s.exit.RecordExit(pos.Symbol, tsMs)
	}
}

func (s *TradeSimulator) rollup(pos *model.Position, tsMs int64, gross, fee, slip, net, turnover float64) {
	date := s.roll.BusinessDate(tsMs)
	key := date + "|" + pos.Symbol
	d, ok := s.daily[key]
	if !ok {
		d = &model.DailyPnL{Date: date, Symbol: pos.Symbol}
		s.daily[key] = d
		s.dailyAux[key] = &dailyAux{}
	}
	aux := s.dailyAux[key]
	d.GrossPnL += gross
	d.Fee += fee
	d.Slippage += slip
	d.NetPnL += net
	d.Turnover += turnover
	d.Trades++
	if net > 0 {
		d.Wins++
		aux.winSum += net
	} else {
		d.Losses++
		aux.lossSum += -net
	}
	if d.Trades > 0 {
		d.WinRate = float64(d.Wins) / float64(d.Trades)
	}
	if d.Wins > 0 && d.Losses > 0 && aux.lossSum > 0 {
		avgWin := aux.winSum / float64(d.Wins)
		avgLoss := aux.lossSum / float64(d.Losses)
		d.RR = avgWin / avgLoss
	}
}

func (s *TradeSimulator) creditTurnover(notional, makerProb float64) {
	s.makerTurnover += notional * makerProb
	s.takerTurnover += notional * (1 - makerProb)
}

func (s *TradeSimulator) countGateReasons(reasons string) {
	for _, r := range strings.Split(reasons, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		s.gateReasons[model.CanonicalGateReason(r)]++
	}
}

// Close technically closes remaining positions at the last observed market
// timestamp for each symbol, never at wall-clock now.
func (s *TradeSimulator) Close() {
	syms := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	for _, sym := range syms {
		pos := s.positions[sym]
		tsMs := s.lastTSMs[sym]
		mid := s.lastMid[sym]
		if mid <= 0 || tsMs == 0 {
			log.Warn().Str("symbol", sym).Msg("no market data to close position, dropping")
			delete(s.positions, sym)
			continue
		}
		reason := model.TradeRollover
		holdSec := float64(tsMs-pos.EntryTSMs) / 1000.0
		if s.cfg.ForceTimeoutExit && holdSec >= float64(s.cfg.MinHoldTimeSec) {
			reason = model.TradeTimeout
		}
		s.closePosition(pos, tsMs, mid, reason, nil)
	}
}

// Trades returns all trade rows in emission order.
func (s *TradeSimulator) Trades() []model.Trade { return s.trades }

// Daily returns the per business-date rollups sorted by date then symbol.
func (s *TradeSimulator) Daily() []model.DailyPnL {
	out := make([]model.DailyPnL, 0, len(s.daily))
	for _, d := range s.daily {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// GateReasons returns canonical gate-reason counts.
func (s *TradeSimulator) GateReasons() map[string]int { return s.gateReasons }

// InvalidFeeTierCount reports tiered-model fallbacks.
func (s *TradeSimulator) InvalidFeeTierCount() int { return s.invalidFeeTier }

// Turnover returns the maker/taker turnover split.
func (s *TradeSimulator) Turnover() (maker, taker float64) {
	return s.makerTurnover, s.takerTurnover
}

// OpenPositions reports how many positions remain open.
func (s *TradeSimulator) OpenPositions() int { return len(s.positions) }

func featureData(sig *model.Signal, row *model.FeatureRow) *model.FeatureData {
	if sig != nil && sig.FeatureData != nil {
		return sig.FeatureData
	}
	return &model.FeatureData{
		LagBadPrice: row.LagBadPrice,
		LagBadBook:  row.LagBadBook,
		IsGapSecond: row.IsGapSecond,
		SpreadBps:   row.SpreadBps,
		VolBps:      row.VolBps,
		Return1s:    row.Return1s,
		Scenario:    row.Scenario,
		FeeTier:     row.FeeTier,
		Session:     row.Session,
		TradeRate:   row.TradeRate,
		QuoteRate:   row.QuoteRate,
	}
}

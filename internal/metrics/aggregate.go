package metrics

import (
	"math"
	"sort"

	"github.com/quantfold/tickpipe/internal/model"
)

const annualizationDays = 252

// Totals are the headline sums across every exit trade.
type Totals struct {
	NetPnL   float64 `json:"net_pnl"`
	GrossPnL float64 `json:"gross_pnl"`
	Fees     float64 `json:"fees"`
	Slippage float64 `json:"slippage"`
	Turnover float64 `json:"turnover"`
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
}

// HoldTime aggregates hold seconds for one direction.
type HoldTime struct {
	Count  int     `json:"count"`
	AvgSec float64 `json:"avg_sec"`
	MaxSec float64 `json:"max_sec"`
}

// ScenarioStats is the per (scenario_2x2, session) breakdown bucket.
type ScenarioStats struct {
	Trades     int     `json:"trades"`
	NetPnL     float64 `json:"net_pnl"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	WinRate    float64 `json:"win_rate"`
	AvgPnL     float64 `json:"avg_pnl"`
	AvgHoldSec float64 `json:"avg_hold_sec"`
}

// SymbolStats is the equal-weight-friendly per-symbol subtotal.
type SymbolStats struct {
	Trades   int     `json:"trades"`
	NetPnL   float64 `json:"net_pnl"`
	Turnover float64 `json:"turnover"`
	WinRate  float64 `json:"win_rate"`
}

// Summary is the scored metrics object written as metrics.json and consumed
// by the parameter optimiser.
type Summary struct {
	RunID      string `json:"run_id"`
	ConfigHash string `json:"config_hash"`

	Totals            Totals  `json:"totals"`
	WinRateDaily      float64 `json:"win_rate_daily"`
	WinRateTrades     float64 `json:"win_rate_trades"`
	CostBpsOnTurnover float64 `json:"cost_bps_on_turnover"`
	Sharpe            float64 `json:"sharpe"`
	Sortino           float64 `json:"sortino"`
	AnnualizedReturn  float64 `json:"annualized_return"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	MAR               float64 `json:"mar"`
	TradesPerHour     float64 `json:"trades_per_hour"`
	TakerRatio        float64 `json:"taker_ratio"`

	HoldLong  HoldTime `json:"hold_time_long"`
	HoldShort HoldTime `json:"hold_time_short"`

	Scenario map[string]ScenarioStats `json:"scenario"`
	BySymbol map[string]SymbolStats   `json:"by_symbol"`

	GateReasons         map[string]int `json:"gate_reasons,omitempty"`
	InvalidFeeTierCount int            `json:"invalid_fee_tier_count,omitempty"`
}

// Options carry the run identity and normalisation inputs.
type Options struct {
	RunID            string
	ConfigHash       string
	InitialEquity    float64
	NotionalPerTrade float64
	MakerTurnover    float64
	TakerTurnover    float64
	GateReasons      map[string]int
	InvalidFeeTier   int
}

// Aggregate folds trades and daily PnL into a summary. Empty inputs still
// produce a zero-valued object so dashboards can tell "no data" from
// "missing run".
func Aggregate(trades []model.Trade, daily []model.DailyPnL, opts Options) *Summary {
	sum := &Summary{
		RunID:               opts.RunID,
		ConfigHash:          opts.ConfigHash,
		Scenario:            make(map[string]ScenarioStats),
		BySymbol:            make(map[string]SymbolStats),
		GateReasons:         opts.GateReasons,
		InvalidFeeTierCount: opts.InvalidFeeTier,
	}

	var firstTS, lastTS int64
	var holdLongSum, holdShortSum float64
	for _, t := range trades {
		if firstTS == 0 || t.TSMs < firstTS {
			firstTS = t.TSMs
		}
		if t.TSMs > lastTS {
			lastTS = t.TSMs
		}
		sum.Totals.Fees += t.Fee
		sum.Totals.Turnover += t.Notional
		sum.Totals.Slippage += t.Notional * t.SlippageBps / 10_000
		if !t.Reason.IsExit() {
			continue
		}
		sum.Totals.Trades++
		sum.Totals.GrossPnL += t.GrossPnL
		sum.Totals.NetPnL += t.NetPnL
		win := t.NetPnL > 0
		if win {
			sum.Totals.Wins++
		} else {
			sum.Totals.Losses++
		}

		// exit side sell closes a long
		if t.Side == model.SideSell {
			sum.HoldLong.Count++
			holdLongSum += t.HoldSec
			if t.HoldSec > sum.HoldLong.MaxSec {
				sum.HoldLong.MaxSec = t.HoldSec
			}
		} else {
			sum.HoldShort.Count++
			holdShortSum += t.HoldSec
			if t.HoldSec > sum.HoldShort.MaxSec {
				sum.HoldShort.MaxSec = t.HoldSec
			}
		}

		key := string(t.Scenario) + "|" + t.Session
		sc := sum.Scenario[key]
		sc.Trades++
		sc.NetPnL += t.NetPnL
		if win {
			sc.Wins++
		} else {
			sc.Losses++
		}
		sum.Scenario[key] = sc

		sym := sum.BySymbol[t.Symbol]
		sym.Trades++
		sym.NetPnL += t.NetPnL
		sym.Turnover += t.Notional
		if win {
			sym.WinRate++ // wins for now, normalised below
		}
		sum.BySymbol[t.Symbol] = sym
	}

	if sum.HoldLong.Count > 0 {
		sum.HoldLong.AvgSec = holdLongSum / float64(sum.HoldLong.Count)
	}
	if sum.HoldShort.Count > 0 {
		sum.HoldShort.AvgSec = holdShortSum / float64(sum.HoldShort.Count)
	}
	if sum.Totals.Trades > 0 {
		sum.WinRateTrades = float64(sum.Totals.Wins) / float64(sum.Totals.Trades)
	}
	for key, sc := range sum.Scenario {
		if sc.Trades > 0 {
			sc.WinRate = float64(sc.Wins) / float64(sc.Trades)
			sc.AvgPnL = sc.NetPnL / float64(sc.Trades)
			sc.AvgHoldSec = scenarioAvgHold(trades, key)
		}
		sum.Scenario[key] = sc
	}
	for name, sym := range sum.BySymbol {
		if sym.Trades > 0 {
			sym.WinRate /= float64(sym.Trades)
		}
		sum.BySymbol[name] = sym
	}

	if turn := sum.Totals.Turnover; turn > 0 {
		sum.CostBpsOnTurnover = (sum.Totals.Fees + sum.Totals.Slippage) / turn * 10_000
	}
	if total := opts.MakerTurnover + opts.TakerTurnover; total > 0 {
		sum.TakerRatio = opts.TakerTurnover / total
	}
	if hours := float64(lastTS-firstTS) / 3_600_000; hours > 0 {
		sum.TradesPerHour = float64(sum.Totals.Trades) / hours
	}

	sum.daily(daily, opts)
	return sum
}

func scenarioAvgHold(trades []model.Trade, key string) float64 {
	var total float64
	var n int
	for _, t := range trades {
		if t.Reason.IsExit() && string(t.Scenario)+"|"+t.Session == key {
			total += t.HoldSec
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// daily computes the day-based measures: daily win rate, Sharpe, Sortino,
// max drawdown, MAR.
func (s *Summary) daily(daily []model.DailyPnL, opts Options) {
	if len(daily) == 0 {
		return
	}

	denom := opts.InitialEquity
	if denom <= 0 {
		denom = opts.NotionalPerTrade
	}
	if denom <= 0 {
		denom = 1
	}

	// collapse symbols into one net figure per date
	byDate := make(map[string]float64)
	for _, d := range daily {
		byDate[d.Date] += d.NetPnL
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	winDays := 0
	returns := make([]float64, 0, len(dates))
	cum, peak, maxDD := 0.0, 0.0, 0.0
	for _, d := range dates {
		pnl := byDate[d]
		if pnl > 0 {
			winDays++
		}
		returns = append(returns, pnl/denom)
		cum += pnl
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	s.WinRateDaily = float64(winDays) / float64(len(dates))
	s.MaxDrawdown = maxDD

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	s.AnnualizedReturn = mean * annualizationDays

	variance, downVar := 0.0, 0.0
	downN := 0
	for _, r := range returns {
		d := r - mean
		variance += d * d
		if r < 0 {
			downVar += r * r
			downN++
		}
	}
	if len(returns) > 1 {
		variance /= float64(len(returns) - 1)
	}
	if std := math.Sqrt(variance); std > 0 {
		s.Sharpe = mean / std * math.Sqrt(annualizationDays)
	}
	if downN > 0 {
		if downStd := math.Sqrt(downVar / float64(downN)); downStd > 0 {
			s.Sortino = mean / downStd * math.Sqrt(annualizationDays)
		}
	}
	if s.MaxDrawdown > 0 {
		s.MAR = s.AnnualizedReturn * denom / s.MaxDrawdown
	}
}

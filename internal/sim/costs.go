package sim

import (
	"fmt"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

// SlippageModel prices the execution shift in bps for one side of a trade.
type SlippageModel interface {
	Bps(fd *model.FeatureData) float64
}

type staticSlippage struct{ bps float64 }

func (m staticSlippage) Bps(*model.FeatureData) float64 { return m.bps }

// linearSlippage scales with observed spread and short-horizon volatility,
// never dropping below the static base.
type linearSlippage struct{ base float64 }

func (m linearSlippage) Bps(fd *model.FeatureData) float64 {
	if fd == nil {
		return m.base
	}
	est := 0.5*fd.SpreadBps + 0.3*fd.VolBps
	if est < m.base {
		return m.base
	}
	return est
}

// piecewiseSlippage applies a per-scenario multiplier to a spread-derived base.
type piecewiseSlippage struct {
	base float64
	mult map[string]float64
}

func (m piecewiseSlippage) Bps(fd *model.FeatureData) float64 {
	base := m.base
	mult := 1.0
	if fd != nil {
		if half := 0.5 * fd.SpreadBps; half > base {
			base = half
		}
		if v, ok := m.mult[string(fd.Scenario)]; ok {
			mult = v
		}
	}
	return mult * base
}

// NewSlippageModel selects the slippage strategy by config key.
func NewSlippageModel(cfg config.BacktestConfig) (SlippageModel, error) {
	switch cfg.SlippageModel {
	case "", "static":
		return staticSlippage{bps: cfg.SlippageBps}, nil
	case "linear":
		return linearSlippage{base: cfg.SlippageBps}, nil
	case "piecewise":
		base := cfg.SlippagePiecewise.BaseBps
		if base <= 0 {
			base = cfg.SlippageBps
		}
		return piecewiseSlippage{base: base, mult: cfg.SlippagePiecewise.ScenarioMult}, nil
	default:
		return nil, fmt.Errorf("unknown slippage model %q", cfg.SlippageModel)
	}
}

// FeeModel prices the fee on one executed notional and reports the maker
// probability used, for the turnover split.
type FeeModel interface {
	Fee(notional float64, fd *model.FeatureData, side model.Side) (fee, makerProb float64)
}

type takerStaticFee struct{ bps float64 }

func (m takerStaticFee) Fee(notional float64, _ *model.FeatureData, _ model.Side) (float64, float64) {
	return notional * m.bps / 10_000, 0
}

// tieredFee maps fee_tier labels to bps; an unknown tier falls back to the
// taker rate and bumps the invalid counter.
type tieredFee struct {
	fallback float64
	mapping  map[string]float64
	invalid  *int
}

func (m tieredFee) Fee(notional float64, fd *model.FeatureData, _ model.Side) (float64, float64) {
	bps := m.fallback
	if fd == nil || fd.FeeTier == "" {
		if m.invalid != nil {
			*m.invalid++
		}
	} else if v, ok := m.mapping[fd.FeeTier]; ok {
		bps = v
	} else {
		if m.invalid != nil {
			*m.invalid++
		}
	}
	return notional * bps / 10_000, 0
}

// makerTakerFee blends maker and taker rates by a scenario-driven maker
// probability, scaled by spread and side bias.
type makerTakerFee struct {
	cfg      config.FeeMakerTaker
	takerBps float64
}

func (m makerTakerFee) Fee(notional float64, fd *model.FeatureData, side model.Side) (float64, float64) {
	p := 0.5
	if fd != nil {
		if v, ok := m.cfg.ScenarioProbs[string(fd.Scenario)]; ok {
			p = v
		}
		if m.cfg.SpreadThresholdWide > 0 && fd.SpreadBps >= m.cfg.SpreadThresholdWide {
			p -= m.cfg.SpreadSlope
		} else if m.cfg.SpreadThresholdNarrow > 0 && fd.SpreadBps <= m.cfg.SpreadThresholdNarrow {
			p += m.cfg.SpreadSlope
		}
	}
	if side == model.SideSell {
		p += m.cfg.SideBias
	} else {
		p -= m.cfg.SideBias
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	makerBps := m.takerBps * m.cfg.MakerFeeRatio
	expBps := p*makerBps + (1-p)*m.takerBps
	return notional * expBps / 10_000, p
}

// NewFeeModel selects the fee strategy by config key. invalidTier receives
// unknown-tier counts under the tiered model.
func NewFeeModel(cfg config.BacktestConfig, invalidTier *int) (FeeModel, error) {
	switch cfg.FeeModel {
	case "", "taker_static":
		return takerStaticFee{bps: cfg.TakerFeeBps}, nil
	case "tiered":
		return tieredFee{fallback: cfg.TakerFeeBps, mapping: cfg.FeeTiered.TierMapping, invalid: invalidTier}, nil
	case "maker_taker":
		return makerTakerFee{cfg: cfg.FeeMakerTaker, takerBps: cfg.TakerFeeBps}, nil
	default:
		return nil, fmt.Errorf("unknown fee model %q", cfg.FeeModel)
	}
}

package executor

import (
	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

// PrecheckCode names a data-quality rejection raised before any network call.
// Business gating stays upstream in the signal core; these only guard data
// quality and venue constraints.
type PrecheckCode string

const (
	PrecheckOK                     PrecheckCode = ""
	PrecheckWarmup                 PrecheckCode = "warmup"
	PrecheckLowConsistency         PrecheckCode = "low_consistency"
	PrecheckLowConsistencyThrottle PrecheckCode = "low_consistency_throttle"
	PrecheckWeakSignalThrottle     PrecheckCode = "weak_signal_throttle"
	PrecheckSpreadTooWide          PrecheckCode = "spread_too_wide"
	PrecheckLagExceedsCap          PrecheckCode = "lag_exceeds_cap"
	PrecheckMarketInactive         PrecheckCode = "market_inactive"
	PrecheckRateLimit              PrecheckCode = "rate_limit"
)

// Precheck runs the data-quality guards against an order context. Consistency
// has two thresholds: below ConsistencyMin is a hard reject, between
// ConsistencyMin and ConsistencyThrottleMin the throttler decides.
type Precheck struct {
	cfg       config.PrecheckConfig
	throttler *AdaptiveThrottler
}

// NewPrecheck builds the guard; throttler may be nil to disable soft checks.
func NewPrecheck(cfg config.PrecheckConfig, throttler *AdaptiveThrottler) *Precheck {
	return &Precheck{cfg: cfg, throttler: throttler}
}

// Check returns the first failing code, or PrecheckOK.
func (p *Precheck) Check(oc *model.OrderCtx) PrecheckCode {
	if oc.Warmup {
		return PrecheckWarmup
	}
	if p.cfg.ConsistencyMin > 0 && oc.Consistency < p.cfg.ConsistencyMin {
		return PrecheckLowConsistency
	}
	throttled := func() bool {
		return p.throttler != nil && !p.throttler.Allow(oc.Regime, oc.TSMs)
	}
	if p.cfg.ConsistencyThrottleMin > 0 && oc.Consistency < p.cfg.ConsistencyThrottleMin && throttled() {
		return PrecheckLowConsistencyThrottle
	}
	if oc.WeakSignalThrottle && throttled() {
		return PrecheckWeakSignalThrottle
	}
	if p.cfg.SpreadCapBps > 0 && oc.SpreadBps > p.cfg.SpreadCapBps {
		return PrecheckSpreadTooWide
	}
	if p.cfg.LagCapSec > 0 && oc.LagSec > p.cfg.LagCapSec {
		return PrecheckLagExceedsCap
	}
	if p.cfg.MinTradeRate > 0 && oc.TradeRate > 0 && oc.TradeRate < p.cfg.MinTradeRate {
		return PrecheckMarketInactive
	}
	if throttled() {
		return PrecheckRateLimit
	}
	return PrecheckOK
}

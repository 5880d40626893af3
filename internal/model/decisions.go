package model

// DecisionCode is the single classified outcome of one signal-core evaluation.
// The evaluation order is fixed so the first failing step wins and the code is
// unique per row.
type DecisionCode string

const (
	DecisionOK            DecisionCode = "OK"
	DecisionFailGating    DecisionCode = "FAIL_GATING"
	DecisionFailThreshold DecisionCode = "FAIL_THRESHOLD"
	DecisionFailRegime    DecisionCode = "FAIL_REGIME"
	DecisionFailCooldown  DecisionCode = "FAIL_COOLDOWN"
	DecisionFailDedup     DecisionCode = "FAIL_DEDUP"
	DecisionFailWarmup    DecisionCode = "FAIL_WARMUP"
	DecisionFailAntiflip  DecisionCode = "FAIL_ANTIFLIP"
)

// Canonical gate-reason vocabulary. These short codes are comma-joined into
// Signal.GateReason and fed into the metrics breakdowns; fusion-layer reasons
// are mapped into this set before accounting.
const (
	ReasonWeakSignal       = "weak_signal"
	ReasonLowConsistency   = "low_consistency"
	ReasonLagExceeded      = "lag_sec_exceeded"
	ReasonSpreadExceeded   = "spread_bps_exceeded"
	ReasonComponentWarmup  = "component_warmup"
	ReasonDegradedOFIOnly  = "degraded_ofi_only"
	ReasonDegradedCVDOnly  = "degraded_cvd_only"
	ReasonReverseCooldown  = "reverse_cooldown"
	ReasonCooldownAfterExit = "cooldown_after_exit"
	ReasonLagBadPrice      = "lag_bad_price"
	ReasonLagBadOrderbook  = "lag_bad_orderbook"
	ReasonIsGapSecond      = "is_gap_second"
	ReasonUnknown          = "unknown"
)

var canonicalGateReasons = map[string]struct{}{
	ReasonWeakSignal:        {},
	ReasonLowConsistency:    {},
	ReasonLagExceeded:       {},
	ReasonSpreadExceeded:    {},
	ReasonComponentWarmup:   {},
	ReasonDegradedOFIOnly:   {},
	ReasonDegradedCVDOnly:   {},
	ReasonReverseCooldown:   {},
	ReasonCooldownAfterExit: {},
	ReasonLagBadPrice:       {},
	ReasonLagBadOrderbook:   {},
	ReasonIsGapSecond:       {},
	ReasonUnknown:           {},
}

// fusionReasonMap translates fusion-layer reason strings emitted upstream into
// the canonical vocabulary.
var fusionReasonMap = map[string]string{
	"weak":            ReasonWeakSignal,
	"weak_score":      ReasonWeakSignal,
	"consistency":     ReasonLowConsistency,
	"consistency_low": ReasonLowConsistency,
	"lag":             ReasonLagExceeded,
	"stale":           ReasonLagExceeded,
	"spread":          ReasonSpreadExceeded,
	"spread_wide":     ReasonSpreadExceeded,
	"warmup":          ReasonComponentWarmup,
	"ofi_only":        ReasonDegradedOFIOnly,
	"cvd_only":        ReasonDegradedCVDOnly,
	"flip":            ReasonReverseCooldown,
	"post_exit":       ReasonCooldownAfterExit,
	"gap":             ReasonIsGapSecond,
}

// CanonicalGateReason maps an arbitrary gate-reason tag into the canonical
// vocabulary, falling back to "unknown".
func CanonicalGateReason(reason string) string {
	if _, ok := canonicalGateReasons[reason]; ok {
		return reason
	}
	if mapped, ok := fusionReasonMap[reason]; ok {
		return mapped
	}
	return ReasonUnknown
}

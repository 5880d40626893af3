package signal

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

// Core is the per-symbol, per-second decision state machine. Evaluation steps
// are strictly ordered so the first failing step wins and every row maps to
// exactly one decision code. Core never blocks and never returns an error for
// a bad row: gated rows are decisions, not failures.
type Core struct {
	params     config.EffectiveParams
	runID      string
	configHash string

	syms   map[string]*symState
	dedup  *idCache
	rowSeq int64
}

type symState struct {
	lastConfirmTSMs int64
	lastConfirmDir  int // +1 long, -1 short, 0 flat
	lastExitTSMs    int64
	streakDir       int
	streakLen       int
}

// NewCore resolves the effective parameters, logs the snapshot, and stamps
// the derived config hash on every signal of this run.
func NewCore(cfg *config.Config, runID string) *Core {
	params := cfg.Effective()
	hash := params.Hash()
	log.Info().
		Str("run_id", runID).
		Str("config_hash", hash).
		Float64("w_ofi", params.WOFI).
		Float64("w_cvd", params.WCVD).
		Float64("entry_trend", params.EntryTrend).
		Float64("entry_revert", params.EntryRevert).
		Float64("entry_quiet", params.EntryQuiet).
		Float64("regime_z_t", params.RegimeZT).
		Float64("regime_z_r", params.RegimeZR).
		Int64("cooldown_ms", params.CooldownMs).
		Int64("cooldown_after_exit_sec", params.CooldownAfterExitSec).
		Bool("allow_quiet", params.AllowQuiet).
		Msg("signal core effective parameters")
	return &Core{
		params:     params,
		runID:      runID,
		configHash: hash,
		syms:       make(map[string]*symState),
		dedup:      newIDCache(65536),
	}
}

// RunID returns the process-wide run identifier stamped on emissions.
func (c *Core) RunID() string { return c.runID }

// ConfigHash returns the effective-parameter fingerprint for this run.
func (c *Core) ConfigHash() string { return c.configHash }

// RecordExit arms the post-exit cooldown for a symbol. Called back by the
// executor or trade simulator whenever a position closes.
func (c *Core) RecordExit(symbol string, tsMs int64) {
	st := c.symbol(symbol)
	st.lastExitTSMs = tsMs
	st.lastConfirmDir = 0
}

// Evaluate converts one feature row into exactly one decision.
func (c *Core) Evaluate(row *model.FeatureRow) *model.Signal {
	st := c.symbol(row.Symbol)
	c.rowSeq++

	scenario := row.Scenario
	if !scenario.Valid() {
		scenario = model.ScenarioUnknown
	}
	regime := regimeOf(scenario)

	sig := &model.Signal{
		Symbol:     row.Symbol,
		TSMs:       row.TSMs,
		Type:       model.SignalNeutral,
		Regime:     regime,
		Scenario:   scenario,
		ConfigHash: c.configHash,
		RunID:      c.runID,
		RowID:      c.rowSeq,
	}

	ov := c.override(scenario)
	weakThreshold := c.params.WeakSignalThreshold + ov.WeakSignalThresholdOffset
	consistencyMin := c.params.ConsistencyMin + ov.ConsistencyMinOffset
	minConsecutive := c.params.MinConsecutiveSameDir + ov.MinConsecutiveOffset
	if minConsecutive < 1 {
		minConsecutive = 1
	}

	// 1. Warmup.
	if row.Warmup {
		return c.gated(sig, model.DecisionFailWarmup, model.ReasonComponentWarmup)
	}

	// 2. Data-quality gating.
	var gateReasons []string
	if row.Consistency < consistencyMin {
		gateReasons = append(gateReasons, model.ReasonLowConsistency)
	}
	if row.SpreadBps > c.params.SpreadCapBps {
		gateReasons = append(gateReasons, model.ReasonSpreadExceeded)
	}
	if row.LagSec > c.params.LagCapSec {
		gateReasons = append(gateReasons, model.ReasonLagExceeded)
	}
	if len(gateReasons) > 0 {
		return c.gated(sig, model.DecisionFailGating, gateReasons...)
	}

	divType := "none"
	score := c.params.WOFI*row.ZOFI + c.params.WCVD*row.ZCVD
	if diverged(row, c.params) {
		if math.Abs(row.ZOFI) >= math.Abs(row.ZCVD) {
			divType = "ofi_only"
			score = c.params.WOFI * row.ZOFI
			sig.GateReason = model.ReasonDegradedOFIOnly
		} else {
			divType = "cvd_only"
			score = c.params.WCVD * row.ZCVD
			sig.GateReason = model.ReasonDegradedCVDOnly
		}
		if !c.params.EnableDivergenceAlt {
			return c.gated(sig, model.DecisionFailGating, sig.GateReason)
		}
	}
	sig.Score = score
	dir := 1
	if score < 0 {
		dir = -1
	}

	// 3. Entry threshold for the scenario/regime.
	entry := c.entryThreshold(regime, scenario)
	if math.Abs(score) < weakThreshold || math.Abs(score) < entry {
		return c.gated(sig, model.DecisionFailThreshold, model.ReasonWeakSignal)
	}

	// 4. Regime gate.
	regimeZ := c.params.RegimeZT
	if regime == model.RegimeQuiet {
		regimeZ = c.params.RegimeZR
	}
	if math.Abs(score) < regimeZ {
		return c.gated(sig, model.DecisionFailRegime, model.ReasonWeakSignal)
	}
	if regime == model.RegimeQuiet && !c.params.AllowQuiet {
		sig.Type = model.SignalQuiet
		return c.gated(sig, model.DecisionFailRegime, model.ReasonWeakSignal)
	}

	// 5. Anti-flip: a reverse of the held direction needs a streak of
	// same-direction candidates and a rearm margin over the entry threshold.
	if dir == st.streakDir {
		st.streakLen++
	} else {
		st.streakDir = dir
		st.streakLen = 1
	}
	if st.lastConfirmDir != 0 && dir == -st.lastConfirmDir {
		if st.streakLen < minConsecutive || math.Abs(score) < entry+c.params.FlipRearmMargin {
			return c.gated(sig, model.DecisionFailAntiflip, model.ReasonReverseCooldown)
		}
	}

	// 6. Cooldowns: since last confirm, then since last exit.
	if st.lastConfirmTSMs > 0 && row.TSMs-st.lastConfirmTSMs < c.effectiveCooldown(regime) {
		return c.gated(sig, model.DecisionFailCooldown, model.ReasonReverseCooldown)
	}
	if st.lastExitTSMs > 0 && row.TSMs-st.lastExitTSMs < c.params.CooldownAfterExitSec*1000 {
		return c.gated(sig, model.DecisionFailCooldown, model.ReasonCooldownAfterExit)
	}

	// 7. Dedup on the stable signal identity.
	sig.SignalID = signalID(row.Symbol, row.TSMs, score, regime, divType)
	if c.dedup.seen(sig.SignalID) {
		return c.gated(sig, model.DecisionFailDedup, model.ReasonUnknown)
	}

	// 8. Emit.
	sig.Confirm = true
	sig.Gating = 1
	sig.DecisionCode = model.DecisionOK
	strong := math.Abs(score) >= entry*c.params.StrongMultiplier
	switch {
	case dir > 0 && strong:
		sig.Type = model.SignalStrongBuy
	case dir > 0:
		sig.Type = model.SignalBuy
	case strong:
		sig.Type = model.SignalStrongSell
	default:
		sig.Type = model.SignalSell
	}
	st.lastConfirmTSMs = row.TSMs
	st.lastConfirmDir = dir
	return sig
}

func (c *Core) gated(sig *model.Signal, code model.DecisionCode, reasons ...string) *model.Signal {
	sig.Confirm = false
	sig.Gating = 0
	sig.DecisionCode = code
	if len(reasons) > 0 {
		sig.GateReason = strings.Join(reasons, ",")
	}
	if sig.SignalID == "" {
		sig.SignalID = signalID(sig.Symbol, sig.TSMs, sig.Score, sig.Regime, "none")
	}
	return sig
}

func (c *Core) symbol(sym string) *symState {
	st, ok := c.syms[sym]
	if !ok {
		st = &symState{}
		c.syms[sym] = st
	}
	return st
}

func (c *Core) override(scenario model.Scenario) config.ScenarioOverride {
	if ov, ok := c.params.ScenarioOverrides[string(scenario)]; ok {
		return ov
	}
	return config.ScenarioOverride{}
}

// entryThreshold maps regime and scenario onto the configured entry levels:
// active regimes trade trend entries; quiet regimes trade reversals when
// volatility is elevated and the plain quiet threshold otherwise.
func (c *Core) entryThreshold(regime model.Regime, scenario model.Scenario) float64 {
	if regime == model.RegimeActive {
		return c.params.EntryTrend
	}
	if scenario == model.ScenarioQuietHigh {
		return c.params.EntryRevert
	}
	return c.params.EntryQuiet
}

func (c *Core) effectiveCooldown(regime model.Regime) int64 {
	cd := c.params.CooldownMs
	if regime == model.RegimeQuiet && c.params.AdaptiveCooldownK > 0 {
		cd = int64(float64(cd) * c.params.AdaptiveCooldownK)
	}
	return cd
}

func regimeOf(scenario model.Scenario) model.Regime {
	if scenario == model.ScenarioActiveHigh || scenario == model.ScenarioActiveLow {
		return model.RegimeActive
	}
	return model.RegimeQuiet
}

func diverged(row *model.FeatureRow, p config.EffectiveParams) bool {
	if row.ZOFI == 0 || row.ZCVD == 0 {
		return false
	}
	if (row.ZOFI > 0) == (row.ZCVD > 0) {
		return false
	}
	return math.Abs(row.ZOFI) >= p.GatingOFIZ && math.Abs(row.ZCVD) >= p.GatingCVDZ
}

// signalID is the stable emission identity: equal inputs always hash equal.
// The score is quantised to 1e-3 before hashing.
func signalID(symbol string, tsMs int64, score float64, regime model.Regime, divType string) string {
	q := int64(math.Round(score * 1000))
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%d|%s|%s", symbol, tsMs, q, regime, divType)))
	return hex.EncodeToString(sum[:])[:16]
}

// idCache is a bounded FIFO set of emitted signal ids.
type idCache struct {
	cap   int
	set   map[string]struct{}
	order []string
}

func newIDCache(cap int) *idCache {
	return &idCache{cap: cap, set: make(map[string]struct{}, cap)}
}

// seen marks id and reports whether it was already present.
func (c *idCache) seen(id string) bool {
	if _, ok := c.set[id]; ok {
		return true
	}
	c.set[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > c.cap {
		evicted := c.order[0]
		c.order = c.order[1:]
		delete(c.set, evicted)
	}
	return false
}

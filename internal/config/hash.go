package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// EffectiveParams is the resolved snapshot of every knob that changes signal
// semantics. It is logged once at core construction and hashed into the
// config_hash stamped on every emitted signal of a run.
type EffectiveParams struct {
	WOFI                  float64                     `json:"w_ofi"`
	WCVD                  float64                     `json:"w_cvd"`
	EntryTrend            float64                     `json:"entry_trend"`
	EntryRevert           float64                     `json:"entry_revert"`
	EntryQuiet            float64                     `json:"entry_quiet"`
	RegimeZT              float64                     `json:"regime_z_t"`
	RegimeZR              float64                     `json:"regime_z_r"`
	AllowQuiet            bool                        `json:"allow_quiet"`
	GatingOFIZ            float64                     `json:"gating_ofi_z"`
	GatingCVDZ            float64                     `json:"gating_cvd_z"`
	EnableDivergenceAlt   bool                        `json:"enable_divergence_alt"`
	ConsistencyMin        float64                     `json:"consistency_min"`
	SpreadCapBps          float64                     `json:"spread_cap_bps"`
	LagCapSec             float64                     `json:"lag_cap_sec"`
	WeakSignalThreshold   float64                     `json:"weak_signal_threshold"`
	StrongMultiplier      float64                     `json:"strong_multiplier"`
	CooldownMs            int64                       `json:"cooldown_ms"`
	CooldownAfterExitSec  int64                       `json:"cooldown_after_exit_sec"`
	DedupeMs              int64                       `json:"dedupe_ms"`
	MinConsecutiveSameDir int                         `json:"min_consecutive_same_dir"`
	FlipRearmMargin       float64                     `json:"flip_rearm_margin"`
	AdaptiveCooldownK     float64                     `json:"adaptive_cooldown_k"`
	ScenarioOverrides     map[string]ScenarioOverride `json:"scenario_overrides,omitempty"`
}

// Effective resolves the snapshot from the loaded configuration.
func (c *Config) Effective() EffectiveParams {
	consistencyMin := c.Signal.ConsistencyMin
	if consistencyMin == 0 {
		consistencyMin = c.Core.Gating.ConsistencyMin
	}
	minConsecutive := c.Signal.MinConsecutiveSameDir
	if minConsecutive == 0 {
		minConsecutive = c.Components.Fusion.MinConsecutive
	}
	return EffectiveParams{
		WOFI:                  c.Components.Fusion.WOFI,
		WCVD:                  c.Components.Fusion.WCVD,
		EntryTrend:            c.Core.Threshold.Entry.Trend,
		EntryRevert:           c.Core.Threshold.Entry.Revert,
		EntryQuiet:            c.Core.Threshold.Entry.Quiet,
		RegimeZT:              c.Core.Regime.ZT,
		RegimeZR:              c.Core.Regime.ZR,
		AllowQuiet:            c.Core.AllowQuiet,
		GatingOFIZ:            c.Core.Gating.OFIZ,
		GatingCVDZ:            c.Core.Gating.CVDZ,
		EnableDivergenceAlt:   c.Core.Gating.EnableDivergenceAlt,
		ConsistencyMin:        consistencyMin,
		SpreadCapBps:          c.Core.Gating.SpreadCapBps,
		LagCapSec:             c.Core.Gating.LagCapSec,
		WeakSignalThreshold:   c.Signal.WeakSignalThreshold,
		StrongMultiplier:      c.Signal.StrongMultiplier,
		CooldownMs:            c.Core.CooldownMs,
		CooldownAfterExitSec:  c.Strategy.CooldownAfterExitSec,
		DedupeMs:              c.Signal.DedupeMs,
		MinConsecutiveSameDir: minConsecutive,
		FlipRearmMargin:       c.Components.Fusion.FlipRearmMargin,
		AdaptiveCooldownK:     c.Components.Fusion.AdaptiveCooldownK,
		ScenarioOverrides:     c.Signal.ScenarioOverrides,
	}
}

// Hash produces the stable fingerprint of the snapshot. Map keys are sorted
// through an intermediate ordered encoding so equal params always hash equal.
func (p EffectiveParams) Hash() string {
	// json.Marshal on a struct is field-order stable; only the override map
	// needs explicit ordering.
	type orderedOverride struct {
		Scenario string           `json:"scenario"`
		Override ScenarioOverride `json:"override"`
	}
	shadow := struct {
		EffectiveParams
		ScenarioOverrides []orderedOverride `json:"scenario_overrides,omitempty"`
	}{EffectiveParams: p}
	shadow.EffectiveParams.ScenarioOverrides = nil

	keys := make([]string, 0, len(p.ScenarioOverrides))
	for k := range p.ScenarioOverrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		shadow.ScenarioOverrides = append(shadow.ScenarioOverrides, orderedOverride{Scenario: k, Override: p.ScenarioOverrides[k]})
	}

	data, err := json.Marshal(shadow)
	if err != nil {
		// Marshal of a plain value struct cannot fail at runtime; keep the
		// fingerprint deterministic anyway.
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full recognised configuration surface.
type Config struct {
	Reader    ReaderConfig    `yaml:"reader"`
	Aligner   AlignerConfig   `yaml:"aligner"`
	Core      CoreConfig      `yaml:"core"`
	Components ComponentsConfig `yaml:"components"`
	Signal    SignalConfig    `yaml:"signal"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Execution ExecutionConfig `yaml:"execution"`
	Adapter   AdapterConfig   `yaml:"adapter"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Backtest  BacktestConfig  `yaml:"backtest"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ReaderConfig controls partitioned source discovery and dedup.
type ReaderConfig struct {
	DedupKeepHours int      `yaml:"dedup_keep_hours"`
	IncludePreview bool     `yaml:"include_preview"`
	SourcePriority []string `yaml:"source_priority"`
}

// AlignerConfig controls per-second alignment thresholds.
type AlignerConfig struct {
	LagThresholdMs      int64   `yaml:"lag_threshold_ms"`
	MaxLagMs            int64   `yaml:"max_lag_ms"`
	SpreadThreshold     float64 `yaml:"spread_threshold"`
	VolatilityThreshold float64 `yaml:"volatility_threshold"`
}

// GatingConfig holds the data-quality gate thresholds of the signal core.
type GatingConfig struct {
	OFIZ                float64 `yaml:"ofi_z"`
	CVDZ                float64 `yaml:"cvd_z"`
	EnableDivergenceAlt bool    `yaml:"enable_divergence_alt"`
	ConsistencyMin      float64 `yaml:"consistency_min"`
	SpreadCapBps        float64 `yaml:"spread_cap_bps"`
	LagCapSec           float64 `yaml:"lag_cap_sec"`
}

// EntryThresholds holds scenario/regime specific entry thresholds.
type EntryThresholds struct {
	Trend  float64 `yaml:"trend"`
	Revert float64 `yaml:"revert"`
	Quiet  float64 `yaml:"quiet"`
}

// RegimeConfig holds the regime gate z thresholds.
type RegimeConfig struct {
	ZT float64 `yaml:"z_t"` // active / trend
	ZR float64 `yaml:"z_r"` // reversal / quiet
}

// CoreConfig is the signal core surface.
type CoreConfig struct {
	ExpiryMs   int64        `yaml:"expiry_ms"`
	CooldownMs int64        `yaml:"cooldown_ms"`
	AllowQuiet bool         `yaml:"allow_quiet"`
	Gating     GatingConfig `yaml:"gating"`
	Threshold  struct {
		Entry EntryThresholds `yaml:"entry"`
	} `yaml:"threshold"`
	Regime RegimeConfig `yaml:"regime"`
}

// FusionConfig holds the score fusion weights and flip discipline.
type FusionConfig struct {
	WOFI              float64 `yaml:"w_ofi"`
	WCVD              float64 `yaml:"w_cvd"`
	AdaptiveCooldownK float64 `yaml:"adaptive_cooldown_k"`
	FlipRearmMargin   float64 `yaml:"flip_rearm_margin"`
	MinConsecutive    int     `yaml:"min_consecutive"`
}

// ComponentsConfig groups component-level knobs.
type ComponentsConfig struct {
	Fusion FusionConfig `yaml:"fusion"`
}

// ScenarioOverride adds per-scenario offsets applied before the corresponding
// evaluation step. Missing scenarios use the global baseline.
type ScenarioOverride struct {
	WeakSignalThresholdOffset float64 `yaml:"weak_signal_threshold_offset"`
	ConsistencyMinOffset      float64 `yaml:"consistency_min_offset"`
	MinConsecutiveOffset      int     `yaml:"min_consecutive_offset"`
}

// SignalConfig is the emission-side surface of the signal core.
type SignalConfig struct {
	WeakSignalThreshold   float64                     `yaml:"weak_signal_threshold"`
	ConsistencyMin        float64                     `yaml:"consistency_min"`
	DedupeMs              int64                       `yaml:"dedupe_ms"`
	MinConsecutiveSameDir int                         `yaml:"min_consecutive_same_dir"`
	StrongMultiplier      float64                     `yaml:"strong_multiplier"`
	ScenarioOverrides     map[string]ScenarioOverride `yaml:"scenario_overrides"`
}

// StrategyConfig holds cross-component strategy knobs.
type StrategyConfig struct {
	CooldownAfterExitSec int64 `yaml:"cooldown_after_exit_sec"`
}

// ExecutionConfig holds execution-side timing knobs.
type ExecutionConfig struct {
	CooldownMs int64 `yaml:"cooldown_ms"`
}

// RateLimitClass is a token-bucket setting for one operation class.
type RateLimitClass struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// AdapterConfig selects and tunes the venue adapter.
type AdapterConfig struct {
	Impl      string `yaml:"impl"` // backtest | testnet | live
	RateLimit struct {
		Place  RateLimitClass `yaml:"place"`
		Cancel RateLimitClass `yaml:"cancel"`
	} `yaml:"rate_limit"`
	MaxRetries    int     `yaml:"max_retries"`
	RetryBaseMs   int64   `yaml:"retry_base_ms"`
	MaxWaitMs     int64   `yaml:"max_wait_ms"`
	TickSize      float64 `yaml:"tick_size"`
	StepSize      float64 `yaml:"step_size"`
	MinNotional   float64 `yaml:"min_notional"`
	DryRun        bool    `yaml:"dry_run"`
	VenueURL      string  `yaml:"venue_url"`
}

// PrecheckConfig holds executor data-quality guard thresholds. Business gating
// stays with the signal core; these only guard data quality and venue limits.
type PrecheckConfig struct {
	ConsistencyMin         float64 `yaml:"consistency_min"`
	ConsistencyThrottleMin float64 `yaml:"consistency_throttle_min"`
	SpreadCapBps           float64 `yaml:"spread_cap_bps"`
	LagCapSec              float64 `yaml:"lag_cap_sec"`
	MinTradeRate           float64 `yaml:"min_trade_rate"`
}

// ThrottlerConfig shapes the adaptive acceptance rate.
type ThrottlerConfig struct {
	BaseRateLimit float64 `yaml:"base_rate_limit"`
	MinRateLimit  float64 `yaml:"min_rate_limit"`
	MaxRateLimit  float64 `yaml:"max_rate_limit"`
	WindowSeconds int     `yaml:"window_seconds"`
}

// ExecutorConfig selects the executor variant and its guards.
type ExecutorConfig struct {
	Mode              string          `yaml:"mode"` // backtest | testnet | live
	Sink              string          `yaml:"sink"` // jsonl | sqlite | dual
	UseOutbox         bool            `yaml:"use_outbox"`
	EnablePrecheck    bool            `yaml:"enable_precheck"`
	Precheck          PrecheckConfig  `yaml:"precheck"`
	Throttler         ThrottlerConfig `yaml:"throttler"`
	MaxParallelOrders int             `yaml:"max_parallel_orders"`
	MaxConcurrency    int             `yaml:"max_concurrency"`
	GlobalQPS         float64         `yaml:"global_qps"`
	OutboxDir         string          `yaml:"outbox_dir"`
	FsyncEveryN       int             `yaml:"fsync_every_n"`
	SampleRate        float64         `yaml:"sample_rate"`
	IdempotencyCap    int             `yaml:"idempotency_cap"`
	StorePath         string          `yaml:"store_path"`
}

// SlippagePiecewise holds per-scenario slippage multipliers for the piecewise
// model.
type SlippagePiecewise struct {
	ScenarioMult map[string]float64 `yaml:"scenario_mult"`
	BaseBps      float64            `yaml:"base_bps"`
}

// FeeMakerTaker tunes the maker/taker probability fee model.
type FeeMakerTaker struct {
	ScenarioProbs       map[string]float64 `yaml:"scenario_probs"`
	SpreadSlope         float64            `yaml:"spread_slope"`
	SpreadThresholdWide float64            `yaml:"spread_threshold_wide"`
	SpreadThresholdNarrow float64          `yaml:"spread_threshold_narrow"`
	SideBias            float64            `yaml:"side_bias"`
	MakerFeeRatio       float64            `yaml:"maker_fee_ratio"`
}

// BacktestConfig is the trade simulator surface.
type BacktestConfig struct {
	TakerFeeBps      float64 `yaml:"taker_fee_bps"`
	SlippageBps      float64 `yaml:"slippage_bps"`
	NotionalPerTrade float64 `yaml:"notional_per_trade"`
	InitialEquity    float64 `yaml:"initial_equity"`
	ReverseOnSignal  bool    `yaml:"reverse_on_signal"`
	TakeProfitBps    float64 `yaml:"take_profit_bps"`
	StopLossBps      float64 `yaml:"stop_loss_bps"`
	MinHoldTimeSec   int64   `yaml:"min_hold_time_sec"`
	MaxHoldTimeSec   int64   `yaml:"max_hold_time_sec"`
	ForceTimeoutExit bool    `yaml:"force_timeout_exit"`
	DeadbandBps      float64 `yaml:"deadband_bps"`
	SlippageModel    string  `yaml:"slippage_model"` // static | linear | piecewise
	FeeModel         string  `yaml:"fee_model"`      // taker_static | tiered | maker_taker
	SlippagePiecewise SlippagePiecewise `yaml:"slippage_piecewise"`
	FeeTiered        struct {
		TierMapping map[string]float64 `yaml:"tier_mapping"`
	} `yaml:"fee_tiered"`
	FeeMakerTaker    FeeMakerTaker `yaml:"fee_maker_taker"`
	RolloverTimezone string        `yaml:"rollover_timezone"`
	RolloverHour     int           `yaml:"rollover_hour"`
}

// MetricsConfig controls the optional Pushgateway export.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// Default returns the full default configuration.
func Default() *Config {
	cfg := &Config{
		Reader: ReaderConfig{
			DedupKeepHours: 2,
			IncludePreview: false,
			SourcePriority: []string{"ready", "preview"},
		},
		Aligner: AlignerConfig{
			LagThresholdMs:      5000,
			MaxLagMs:            5000,
			SpreadThreshold:     2.0,
			VolatilityThreshold: 5.0,
		},
		Strategy:  StrategyConfig{CooldownAfterExitSec: 30},
		Execution: ExecutionConfig{CooldownMs: 1000},
		Metrics:   MetricsConfig{Job: "tickpipe"},
	}

	cfg.Core = CoreConfig{
		ExpiryMs:   60_000,
		CooldownMs: 5000,
		AllowQuiet: false,
		Gating: GatingConfig{
			OFIZ:                1.5,
			CVDZ:                1.5,
			EnableDivergenceAlt: false,
			ConsistencyMin:      0.6,
			SpreadCapBps:        25.0,
			LagCapSec:           3.0,
		},
		Regime: RegimeConfig{ZT: 1.2, ZR: 1.8},
	}
	cfg.Core.Threshold.Entry = EntryThresholds{Trend: 1.5, Revert: 2.0, Quiet: 2.5}

	cfg.Components.Fusion = FusionConfig{
		WOFI:              0.6,
		WCVD:              0.4,
		AdaptiveCooldownK: 1.0,
		FlipRearmMargin:   0.2,
		MinConsecutive:    2,
	}

	cfg.Signal = SignalConfig{
		WeakSignalThreshold:   1.0,
		ConsistencyMin:        0.6,
		DedupeMs:              1000,
		MinConsecutiveSameDir: 2,
		StrongMultiplier:      1.5,
	}

	cfg.Adapter = AdapterConfig{
		Impl:        "backtest",
		MaxRetries:  3,
		RetryBaseMs: 100,
		MaxWaitMs:   2000,
		TickSize:    0.01,
		StepSize:    0.0001,
		MinNotional: 10.0,
	}
	cfg.Adapter.RateLimit.Place = RateLimitClass{RPS: 5, Burst: 10}
	cfg.Adapter.RateLimit.Cancel = RateLimitClass{RPS: 10, Burst: 20}

	cfg.Executor = ExecutorConfig{
		Mode:           "backtest",
		Sink:           "jsonl",
		UseOutbox:      true,
		EnablePrecheck: true,
		Precheck: PrecheckConfig{
			ConsistencyMin:         0.5,
			ConsistencyThrottleMin: 0.65,
			SpreadCapBps:           30.0,
			LagCapSec:              3.0,
			MinTradeRate:           1.0,
		},
		Throttler: ThrottlerConfig{
			BaseRateLimit: 5.0,
			MinRateLimit:  0.5,
			MaxRateLimit:  20.0,
			WindowSeconds: 60,
		},
		MaxParallelOrders: 4,
		MaxConcurrency:    2,
		GlobalQPS:         10,
		OutboxDir:         "out/execlog",
		FsyncEveryN:       100,
		SampleRate:        0.01,
		IdempotencyCap:    4096,
		StorePath:         "out/executions.db",
	}

	cfg.Backtest = BacktestConfig{
		TakerFeeBps:      4.0,
		SlippageBps:      2.0,
		NotionalPerTrade: 10_000,
		InitialEquity:    0,
		ReverseOnSignal:  true,
		TakeProfitBps:    20.0,
		StopLossBps:      10.0,
		MinHoldTimeSec:   10,
		MaxHoldTimeSec:   600,
		ForceTimeoutExit: false,
		DeadbandBps:      1.0,
		SlippageModel:    "static",
		FeeModel:         "taker_static",
		RolloverTimezone: "UTC",
		RolloverHour:     0,
	}
	cfg.Backtest.SlippagePiecewise = SlippagePiecewise{
		BaseBps: 1.0,
		ScenarioMult: map[string]float64{
			"A_H": 1.5, "A_L": 1.0, "Q_H": 2.0, "Q_L": 1.2,
		},
	}
	cfg.Backtest.FeeTiered.TierMapping = map[string]float64{
		"TM": 2.0, "MM": 0.0, "TT": 4.0, "MT": 3.0,
	}
	cfg.Backtest.FeeMakerTaker = FeeMakerTaker{
		ScenarioProbs: map[string]float64{
			"A_L": 0.8, "Q_H": 0.2, "A_H": 0.4, "Q_L": 0.6,
		},
		SpreadSlope:           0.05,
		SpreadThresholdWide:   10.0,
		SpreadThresholdNarrow: 2.0,
		SideBias:              0.0,
		MakerFeeRatio:         0.25,
	}

	return cfg
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. A missing path yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies the recognised environment overrides on top of the loaded
// values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ROLLOVER_TZ"); v != "" {
		c.Backtest.RolloverTimezone = v
	}
	if v := os.Getenv("ROLLOVER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Backtest.RolloverHour = n
		}
	}
	if v := os.Getenv("READER_DEDUP_KEEP_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reader.DedupKeepHours = n
		}
	}
	if v := os.Getenv("ALIGNER_LAG_THRESHOLD_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Aligner.LagThresholdMs = n
		}
	}
	if v := os.Getenv("ALIGNER_SPREAD_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Aligner.SpreadThreshold = f
		}
	}
	if v := os.Getenv("ALIGNER_VOLATILITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Aligner.VolatilityThreshold = f
		}
	}
	if v := os.Getenv("SLIPPAGE_MODEL"); v != "" {
		c.Backtest.SlippageModel = v
	}
	if v := os.Getenv("FEE_MODEL"); v != "" {
		c.Backtest.FeeModel = v
	}
}

// Validate rejects configurations that cannot be run. Weight inconsistency is
// repaired, not rejected: w_cvd is forced to 1 - w_ofi.
func (c *Config) Validate() error {
	switch c.Executor.Mode {
	case "backtest", "testnet", "live":
	default:
		return fmt.Errorf("invalid executor.mode %q", c.Executor.Mode)
	}
	switch c.Executor.Sink {
	case "jsonl", "sqlite", "dual":
	default:
		return fmt.Errorf("invalid executor.sink %q", c.Executor.Sink)
	}
	switch c.Backtest.SlippageModel {
	case "static", "linear", "piecewise":
	default:
		return fmt.Errorf("invalid backtest.slippage_model %q", c.Backtest.SlippageModel)
	}
	switch c.Backtest.FeeModel {
	case "taker_static", "tiered", "maker_taker":
	default:
		return fmt.Errorf("invalid backtest.fee_model %q", c.Backtest.FeeModel)
	}
	if sum := c.Components.Fusion.WOFI + c.Components.Fusion.WCVD; sum < 0.999 || sum > 1.001 {
		c.Components.Fusion.WCVD = 1.0 - c.Components.Fusion.WOFI
	}
	if c.Components.Fusion.WOFI < 0 || c.Components.Fusion.WOFI > 1 {
		return fmt.Errorf("fusion.w_ofi %.3f outside [0,1]", c.Components.Fusion.WOFI)
	}
	return nil
}

// RunID resolves the process run identifier: RUN_ID env wins, otherwise the
// caller-supplied fallback.
func RunID(fallback string) string {
	if v := os.Getenv("RUN_ID"); v != "" {
		return v
	}
	return fallback
}

// Instance resolves the per-process instance label: "<hostname>_<INSTANCE>".
func Instance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	inst := os.Getenv("INSTANCE")
	if inst == "" {
		inst = "0"
	}
	return strings.ReplaceAll(host, ".", "-") + "_" + inst
}

package executor

import (
	"sync"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

// AdaptiveThrottler shapes the executor's acceptance rate from a rolling
// request window. A deny-rate above 50% multiplies the limit by 0.8 (floored
// at min), below 10% by 1.1 (capped at max). Market regime scales the
// effective rate: quiet halves it, active raises it by 1.2x.
type AdaptiveThrottler struct {
	cfg config.ThrottlerConfig

	mu        sync.Mutex
	rate      float64 // adapted requests-per-second limit
	window    []outcome
	tokens    float64
	lastTSMs  int64
}

type outcome struct {
	tsMs   int64
	denied bool
}

// NewAdaptiveThrottler creates the throttler from config.
func NewAdaptiveThrottler(cfg config.ThrottlerConfig) *AdaptiveThrottler {
	if cfg.BaseRateLimit <= 0 {
		cfg.BaseRateLimit = 5
	}
	if cfg.MinRateLimit <= 0 {
		cfg.MinRateLimit = 0.5
	}
	if cfg.MaxRateLimit <= 0 {
		cfg.MaxRateLimit = cfg.BaseRateLimit * 4
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 60
	}
	return &AdaptiveThrottler{
		cfg:    cfg,
		rate:   cfg.BaseRateLimit,
		tokens: cfg.BaseRateLimit,
	}
}

// Allow consumes one token at tsMs, refilling from elapsed time against the
// regime-scaled rate. Token-bucket, burst of one second of capacity.
func (t *AdaptiveThrottler) Allow(regime model.Regime, tsMs int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	eff := t.rate
	switch regime {
	case model.RegimeQuiet:
		eff *= 0.5
	case model.RegimeActive:
		eff *= 1.2
	}
	if eff < t.cfg.MinRateLimit {
		eff = t.cfg.MinRateLimit
	}

	if t.lastTSMs > 0 && tsMs > t.lastTSMs {
		t.tokens += float64(tsMs-t.lastTSMs) / 1000.0 * eff
	}
	if t.tokens > eff {
		t.tokens = eff
	}
	t.lastTSMs = tsMs

	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}

// Observe records a request outcome and re-adapts the limit from the rolling
// deny rate.
func (t *AdaptiveThrottler) Observe(denied bool, tsMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.window = append(t.window, outcome{tsMs: tsMs, denied: denied})
	cutoff := tsMs - int64(t.cfg.WindowSeconds)*1000
	i := 0
	for i < len(t.window) && t.window[i].tsMs < cutoff {
		i++
	}
	t.window = t.window[i:]

	if len(t.window) == 0 {
		return
	}
	denies := 0
	for _, o := range t.window {
		if o.denied {
			denies++
		}
	}
	denyRate := float64(denies) / float64(len(t.window))
	switch {
	case denyRate > 0.5:
		t.rate *= 0.8
		if t.rate < t.cfg.MinRateLimit {
			t.rate = t.cfg.MinRateLimit
		}
	case denyRate < 0.1:
		t.rate *= 1.1
		if t.rate > t.cfg.MaxRateLimit {
			t.rate = t.cfg.MaxRateLimit
		}
	}
}

// Rate returns the current adapted limit, for inspection.
func (t *AdaptiveThrottler) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate
}

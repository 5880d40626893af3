package opt

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/metrics"
)

// Candidate is one sampled parameter point. Fusion weights always satisfy
// w_ofi + w_cvd = 1; WCVD is repaired from WOFI whenever the two disagree.
type Candidate struct {
	WOFI                float64 `json:"w_ofi"`
	WCVD                float64 `json:"w_cvd"`
	EntryTrend          float64 `json:"entry_trend"`
	EntryRevert         float64 `json:"entry_revert"`
	EntryQuiet          float64 `json:"entry_quiet"`
	WeakSignalThreshold float64 `json:"weak_signal_threshold"`
	CooldownMs          int64   `json:"cooldown_ms"`
}

// Repair enforces the weight constraint.
func (c *Candidate) Repair() {
	c.WCVD = 1 - c.WOFI
}

// Apply writes the candidate into a config copy. Zero-valued dimensions
// leave the base config untouched, the repaired weight pair included.
func (c Candidate) Apply(cfg *config.Config) {
	if c.WOFI > 0 {
		cfg.Components.Fusion.WOFI = c.WOFI
		cfg.Components.Fusion.WCVD = c.WCVD
	}
	if c.EntryTrend > 0 {
		cfg.Core.Threshold.Entry.Trend = c.EntryTrend
	}
	if c.EntryRevert > 0 {
		cfg.Core.Threshold.Entry.Revert = c.EntryRevert
	}
	if c.EntryQuiet > 0 {
		cfg.Core.Threshold.Entry.Quiet = c.EntryQuiet
	}
	if c.WeakSignalThreshold > 0 {
		cfg.Signal.WeakSignalThreshold = c.WeakSignalThreshold
	}
	if c.CooldownMs > 0 {
		cfg.Core.CooldownMs = c.CooldownMs
	}
}

// Space is the searchable grid. Empty dimensions keep the base config value.
type Space struct {
	WOFI                []float64 `yaml:"w_ofi"`
	EntryTrend          []float64 `yaml:"entry_trend"`
	EntryRevert         []float64 `yaml:"entry_revert"`
	EntryQuiet          []float64 `yaml:"entry_quiet"`
	WeakSignalThreshold []float64 `yaml:"weak_signal_threshold"`
	CooldownMs          []int64   `yaml:"cooldown_ms"`

	MaxRandom int   `yaml:"max_random"` // >0 samples instead of full grid
	Seed      int64 `yaml:"seed"`
}

func orOne(fs []float64) []float64 {
	if len(fs) == 0 {
		return []float64{0}
	}
	return fs
}

// Candidates enumerates the full grid, or a seeded random sample when
// MaxRandom is set.
func (s *Space) Candidates() []Candidate {
	wofi := orOne(s.WOFI)
	trend := orOne(s.EntryTrend)
	revert := orOne(s.EntryRevert)
	quiet := orOne(s.EntryQuiet)
	weak := orOne(s.WeakSignalThreshold)
	cool := s.CooldownMs
	if len(cool) == 0 {
		cool = []int64{0}
	}

	var grid []Candidate
	for _, w := range wofi {
		for _, t := range trend {
			for _, r := range revert {
				for _, q := range quiet {
					for _, ws := range weak {
						for _, cd := range cool {
							c := Candidate{WOFI: w, EntryTrend: t, EntryRevert: r,
								EntryQuiet: q, WeakSignalThreshold: ws, CooldownMs: cd}
							c.Repair()
							grid = append(grid, c)
						}
					}
				}
			}
		}
	}

	if s.MaxRandom <= 0 || s.MaxRandom >= len(grid) {
		return grid
	}
	rng := rand.New(rand.NewSource(s.Seed))
	rng.Shuffle(len(grid), func(i, j int) { grid[i], grid[j] = grid[j], grid[i] })
	return grid[:s.MaxRandom]
}

// Penalties describe the soft constraints subtracted from the raw score.
// Excess over a threshold costs linearly first, then quadratically.
type Penalties struct {
	MaxTradesPerHour float64 `yaml:"max_trades_per_hour"`
	MaxCostBps       float64 `yaml:"max_cost_bps"`
	MaxTakerRatio    float64 `yaml:"max_taker_ratio"`
	LinearWeight     float64 `yaml:"linear_weight"`
	QuadWeight       float64 `yaml:"quad_weight"`
}

// DefaultPenalties returns the standard constraint set.
func DefaultPenalties() Penalties {
	return Penalties{
		MaxTradesPerHour: 60,
		MaxCostBps:       8,
		MaxTakerRatio:    0.9,
		LinearWeight:     0.5,
		QuadWeight:       0.25,
	}
}

func (p Penalties) penalty(value, threshold float64) float64 {
	if threshold <= 0 || value <= threshold {
		return 0
	}
	excess := value - threshold
	return p.LinearWeight*excess + p.QuadWeight*excess*excess
}

// Score turns a run summary into the optimiser objective.
func Score(sum *metrics.Summary, p Penalties) float64 {
	score := sum.Sharpe
	score -= p.penalty(sum.TradesPerHour, p.MaxTradesPerHour)
	score -= p.penalty(sum.CostBpsOnTurnover, p.MaxCostBps)
	score -= p.penalty(sum.TakerRatio, p.MaxTakerRatio)
	return score
}

// Runner evaluates one candidate end to end and returns its run summary.
type Runner func(ctx context.Context, c Candidate) (*metrics.Summary, error)

// Trial is one scored evaluation.
type Trial struct {
	Candidate Candidate        `json:"candidate"`
	Score     float64          `json:"score"`
	Summary   *metrics.Summary `json:"summary,omitempty"`
}

// Result is the optimiser output, trials sorted best first.
type Result struct {
	Best      Candidate `json:"best"`
	BestScore float64   `json:"best_score"`
	Evaluated int       `json:"evaluated"`
	Trials    []Trial   `json:"trials"`
}

// Optimize evaluates every candidate with up to parallel concurrent runs.
func Optimize(ctx context.Context, space *Space, pen Penalties, parallel int, run Runner) (*Result, error) {
	cands := space.Candidates()
	if len(cands) == 0 {
		return nil, fmt.Errorf("optimizer: empty search space")
	}
	if parallel <= 0 {
		parallel = 1
	}

	var mu sync.Mutex
	trials := make([]Trial, 0, len(cands))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, cand := range cands {
		cand := cand
		g.Go(func() error {
			sum, err := run(gctx, cand)
			if err != nil {
				return fmt.Errorf("candidate %+v: %w", cand, err)
			}
			score := Score(sum, pen)
			log.Info().Float64("w_ofi", cand.WOFI).Float64("score", score).
				Float64("sharpe", sum.Sharpe).Msg("optimizer trial done")
			mu.Lock()
			trials = append(trials, Trial{Candidate: cand, Score: score, Summary: sum})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(trials, func(i, j int) bool { return trials[i].Score > trials[j].Score })
	return &Result{
		Best:      trials[0].Candidate,
		BestScore: trials[0].Score,
		Evaluated: len(trials),
		Trials:    trials,
	}, nil
}

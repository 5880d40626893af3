package opt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/metrics"
)

func TestCandidateRepair(t *testing.T) {
	c := Candidate{WOFI: 0.7, WCVD: 0.7}
	c.Repair()
	assert.InDelta(t, 0.3, c.WCVD, 1e-9)
}

func TestCandidateApplyKeepsBaseForZeroFields(t *testing.T) {
	cfg := config.Default()
	baseTrend := cfg.Core.Threshold.Entry.Trend
	baseCooldown := cfg.Core.CooldownMs

	c := Candidate{WOFI: 0.7, WCVD: 0.3, WeakSignalThreshold: 1.4}
	c.Apply(cfg)

	assert.Equal(t, 0.7, cfg.Components.Fusion.WOFI)
	assert.Equal(t, 1.4, cfg.Signal.WeakSignalThreshold)
	// zero-valued dimensions leave the base config untouched
	assert.Equal(t, baseTrend, cfg.Core.Threshold.Entry.Trend)
	assert.Equal(t, baseCooldown, cfg.Core.CooldownMs)
}

func TestCandidateApplyKeepsBaseWeightsWhenUnsampled(t *testing.T) {
	cfg := config.Default()
	baseWOFI := cfg.Components.Fusion.WOFI
	baseWCVD := cfg.Components.Fusion.WCVD
	require.Positive(t, baseWOFI)

	// a space with no w_ofi dimension yields candidates with WOFI 0 and a
	// repaired WCVD of 1; neither may reach the config
	s := &Space{EntryTrend: []float64{1.5}}
	cands := s.Candidates()
	require.Len(t, cands, 1)
	cands[0].Apply(cfg)

	assert.Equal(t, baseWOFI, cfg.Components.Fusion.WOFI)
	assert.Equal(t, baseWCVD, cfg.Components.Fusion.WCVD)
	assert.Equal(t, 1.5, cfg.Core.Threshold.Entry.Trend)
}

func TestCandidatesFullGrid(t *testing.T) {
	s := &Space{
		WOFI:       []float64{0.5, 0.6},
		EntryTrend: []float64{1.2, 1.5, 1.8},
		CooldownMs: []int64{5000},
	}
	cands := s.Candidates()
	require.Len(t, cands, 6)
	for _, c := range cands {
		assert.InDelta(t, 1.0, c.WOFI+c.WCVD, 1e-9)
	}
}

func TestCandidatesSeededSample(t *testing.T) {
	s := &Space{
		WOFI:       []float64{0.4, 0.5, 0.6, 0.7},
		EntryTrend: []float64{1.2, 1.5, 1.8},
		Seed:       42,
		MaxRandom:  5,
	}
	first := s.Candidates()
	second := s.Candidates()
	require.Len(t, first, 5)
	assert.Equal(t, first, second)
}

func TestPenaltyStages(t *testing.T) {
	p := DefaultPenalties()

	// under threshold: free
	assert.Equal(t, 0.0, p.penalty(50, 60))
	// 10 over: linear plus quadratic
	assert.InDelta(t, 0.5*10+0.25*100, p.penalty(70, 60), 1e-9)
	// disabled threshold never penalises
	assert.Equal(t, 0.0, p.penalty(1000, 0))
}

func TestScoreSubtractsPenalties(t *testing.T) {
	p := DefaultPenalties()
	sum := &metrics.Summary{Sharpe: 2.0, TradesPerHour: 61, CostBpsOnTurnover: 9, TakerRatio: 0.95}

	want := 2.0
	want -= 0.5*1 + 0.25*1
	want -= 0.5*1 + 0.25*1
	want -= 0.5*0.05 + 0.25*0.05*0.05
	assert.InDelta(t, want, Score(sum, p), 1e-9)

	clean := &metrics.Summary{Sharpe: 1.5, TradesPerHour: 10, CostBpsOnTurnover: 3, TakerRatio: 0.5}
	assert.InDelta(t, 1.5, Score(clean, p), 1e-9)
}

func TestOptimizePicksBestCandidate(t *testing.T) {
	s := &Space{WOFI: []float64{0.4, 0.6, 0.8}}

	// sharper the higher the OFI weight, no penalties triggered
	run := func(ctx context.Context, c Candidate) (*metrics.Summary, error) {
		return &metrics.Summary{Sharpe: c.WOFI * 2}, nil
	}
	res, err := Optimize(context.Background(), s, DefaultPenalties(), 2, run)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Evaluated)
	assert.Equal(t, 0.8, res.Best.WOFI)
	assert.InDelta(t, 1.6, res.BestScore, 1e-9)
	// trials sorted best first
	assert.Equal(t, res.BestScore, res.Trials[0].Score)
	assert.GreaterOrEqual(t, res.Trials[0].Score, res.Trials[2].Score)
}

func TestOptimizePropagatesRunnerError(t *testing.T) {
	s := &Space{WOFI: []float64{0.5, 0.6}}
	boom := errors.New("backtest failed")
	run := func(ctx context.Context, c Candidate) (*metrics.Summary, error) {
		return nil, boom
	}
	_, err := Optimize(context.Background(), s, DefaultPenalties(), 1, run)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestOptimizeEmptySpaceYieldsBaseCandidate(t *testing.T) {
	res, err := Optimize(context.Background(), &Space{}, DefaultPenalties(), 1,
		func(ctx context.Context, c Candidate) (*metrics.Summary, error) {
			return &metrics.Summary{}, nil
		})
	// a space with no dimensions still yields the single base candidate
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evaluated)
}

package decision

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/decidez/internal/core"
)

func seeded() WeightedOption {
	return WithRand(rand.New(rand.NewPCG(42, 1024)))
}

func TestWeightedConvergence(t *testing.T) {
	w := NewWeighted([]Candidate[ctx, string]{
		{Spec: constant(true), Weight: 3, Result: "A"},
		{Spec: constant(true), Weight: 1, Result: "B"},
	}, seeded())

	counts := map[string]int{}
	for range 10000 {
		result, ok := w.Decide(core.NewContext())
		require.True(t, ok)
		counts[result]++
	}

	ratio := float64(counts["A"]) / float64(counts["B"])
	assert.GreaterOrEqual(t, ratio, 2.5)
	assert.LessOrEqual(t, ratio, 3.5)
}

func TestWeightedZeroWeightNeverSelected(t *testing.T) {
	w := NewWeighted([]Candidate[ctx, string]{
		{Spec: constant(true), Weight: 0, Result: "never"},
		{Spec: constant(true), Weight: 1, Result: "always"},
		{Spec: constant(true), Weight: 0, Result: "never-either"},
	}, seeded())

	for range 10000 {
		result, ok := w.Decide(core.NewContext())
		require.True(t, ok)
		require.Equal(t, "always", result)
	}
}

func TestWeightedOnlySatisfiedCandidatesParticipate(t *testing.T) {
	w := NewWeighted([]Candidate[ctx, string]{
		{Spec: core.FlagEnabled("eu"), Weight: 100, Result: "eu"},
		{Spec: constant(true), Weight: 1, Result: "global"},
	}, seeded())

	for range 1000 {
		result, ok := w.Decide(core.NewContext())
		require.True(t, ok)
		require.Equal(t, "global", result)
	}

	probabilities := w.Probabilities(core.NewContext(core.WithFlags(map[string]bool{"eu": true})))
	assert.InDelta(t, 100.0/101.0, probabilities[0], 1e-9)
	assert.InDelta(t, 1.0/101.0, probabilities[1], 1e-9)
}

func TestWeightedNoSatisfiedCandidates(t *testing.T) {
	w := NewWeighted([]Candidate[ctx, int]{
		{Spec: constant(false), Weight: 1, Result: 1},
	})
	_, ok := w.Decide(core.NewContext())
	assert.False(t, ok)

	zeroes := NewWeighted([]Candidate[ctx, int]{
		{Spec: constant(true), Weight: 0, Result: 1},
	})
	_, ok = zeroes.Decide(core.NewContext())
	assert.False(t, ok)
	assert.Equal(t, []float64{0}, zeroes.Probabilities(core.NewContext()))
}

func TestWeightedDrawBoundaries(t *testing.T) {
	candidates := []Candidate[ctx, string]{
		{Spec: constant(true), Weight: 1, Result: "first"},
		{Spec: constant(true), Weight: 1, Result: "second"},
	}

	low := NewWeighted(candidates, WithDraw(func() float64 { return 0 }))
	result, _ := low.Decide(core.NewContext())
	assert.Equal(t, "first", result)

	mid := NewWeighted(candidates, WithDraw(func() float64 { return 0.5 }))
	result, _ = mid.Decide(core.NewContext())
	assert.Equal(t, "second", result)

	high := NewWeighted(candidates, WithDraw(func() float64 { return math.Nextafter(1, 0) }))
	result, _ = high.Decide(core.NewContext())
	assert.Equal(t, "second", result)
}

func TestWeightedConstructionRejectsInvalidWeights(t *testing.T) {
	assert.Panics(t, func() { NewWeighted[ctx, int](nil) })
	for _, weight := range []float64{-1, math.NaN(), math.Inf(1)} {
		assert.Panics(t, func() {
			NewWeighted([]Candidate[ctx, int]{{Spec: constant(true), Weight: weight}})
		}, "weight %v", weight)
	}
	assert.Panics(t, func() {
		NewWeighted([]Candidate[ctx, int]{{Weight: 1}})
	})
}

package decision

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/matt-riley/decidez/internal/core"
)

// Candidate is a weighted option. Weight must be a finite, non-negative real;
// a zero weight is never selected.
type Candidate[C, R any] struct {
	Spec   core.Specification[C]
	Weight float64
	Result R
}

// Weighted picks one satisfied candidate with probability proportional to its
// weight among the satisfied candidates of that call.
type Weighted[C, R any] struct {
	candidates []Candidate[C, R]
	draw       func() float64
}

// WeightedOption configures a [Weighted].
type WeightedOption func(*weightedConfig)

type weightedConfig struct {
	draw func() float64
}

// WithRand draws from r instead of the global generator. Draws are serialized
// because *rand.Rand is not safe for concurrent use.
func WithRand(r *rand.Rand) WeightedOption {
	var mu sync.Mutex
	return func(c *weightedConfig) {
		c.draw = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return r.Float64()
		}
	}
}

// WithDraw supplies a source of uniform values in [0, 1).
func WithDraw(draw func() float64) WeightedOption {
	return func(c *weightedConfig) { c.draw = draw }
}

// NewWeighted builds a weighted decision. It panics on an empty candidate list,
// a nil spec, or a negative, NaN or infinite weight.
func NewWeighted[C, R any](candidates []Candidate[C, R], opts ...WeightedOption) Weighted[C, R] {
	if len(candidates) == 0 {
		panic("decision: weighted requires at least one candidate")
	}
	for _, candidate := range candidates {
		if candidate.Spec == nil {
			panic("decision: weighted candidate has nil spec")
		}
		if candidate.Weight < 0 || math.IsNaN(candidate.Weight) || math.IsInf(candidate.Weight, 0) {
			panic("decision: weighted candidate weight must be finite and non-negative")
		}
	}

	cfg := weightedConfig{draw: rand.Float64}
	for _, opt := range opts {
		opt(&cfg)
	}

	return Weighted[C, R]{
		candidates: append([]Candidate[C, R](nil), candidates...),
		draw:       cfg.draw,
	}
}

// Decide filters to satisfied candidates, then draws. It reports no match when
// nothing is satisfied or every satisfied weight is zero.
func (w Weighted[C, R]) Decide(context C) (R, bool) {
	var zero R

	satisfied := make([]int, 0, len(w.candidates))
	total := 0.0
	for i, candidate := range w.candidates {
		if candidate.Spec.IsSatisfiedBy(context) {
			satisfied = append(satisfied, i)
			total += candidate.Weight
		}
	}
	if len(satisfied) == 0 || total <= 0 {
		return zero, false
	}

	target := w.draw() * total
	cumulative := 0.0
	last := -1
	for _, i := range satisfied {
		weight := w.candidates[i].Weight
		if weight == 0 {
			continue
		}
		cumulative += weight
		last = i
		if cumulative > target {
			return w.candidates[i].Result, true
		}
	}

	// Rounding can leave target at or above the final cumulative sum.
	return w.candidates[last].Result, true
}

// Probabilities returns each candidate's selection probability for context,
// indexed like the candidate list.
func (w Weighted[C, R]) Probabilities(context C) []float64 {
	probabilities := make([]float64, len(w.candidates))
	total := 0.0
	for i, candidate := range w.candidates {
		if candidate.Spec.IsSatisfiedBy(context) {
			probabilities[i] = candidate.Weight
			total += candidate.Weight
		}
	}
	if total <= 0 {
		clear(probabilities)
		return probabilities
	}
	for i := range probabilities {
		probabilities[i] /= total
	}
	return probabilities
}

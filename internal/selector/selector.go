// Package selector chooses which specification to evaluate from zero-argument
// runtime predicates checked before the context is consulted. Only the chosen
// branch is evaluated.
package selector

import (
	"github.com/matt-riley/decidez/internal/core"
	"github.com/matt-riley/decidez/internal/decision"
)

// Predicate reads ambient runtime state. It must be cheap and side-effect free.
type Predicate func() bool

// Branch pairs a predicate with the specification it selects.
type Branch[C any] struct {
	When Predicate
	Spec core.Specification[C]
}

// Conditional is a [core.Specification] that delegates to the first branch
// whose predicate holds, or to the fallback.
type Conditional[C any] struct {
	branches []Branch[C]
	fallback core.Specification[C]
}

// New builds a conditional specification. It panics on a nil fallback, a nil
// predicate or a nil branch spec.
func New[C any](fallback core.Specification[C], branches ...Branch[C]) Conditional[C] {
	if fallback == nil {
		panic("selector: nil fallback specification")
	}
	for _, b := range branches {
		if b.When == nil || b.Spec == nil {
			panic("selector: branch requires a predicate and a specification")
		}
	}
	return Conditional[C]{
		branches: append([]Branch[C](nil), branches...),
		fallback: fallback,
	}
}

// Select evaluates predicates in order and returns the chosen specification.
func (s Conditional[C]) Select() core.Specification[C] {
	for _, b := range s.branches {
		if b.When() {
			return b.Spec
		}
	}
	return s.fallback
}

// IsSatisfiedBy evaluates only the selected specification.
func (s Conditional[C]) IsSatisfiedBy(context C) bool {
	return s.Select().IsSatisfiedBy(context)
}

// DecisionBranch pairs a predicate with the decision it selects.
type DecisionBranch[C, R any] struct {
	When Predicate
	Spec decision.Spec[C, R]
}

// ConditionalDecision is the [decision.Spec] form of [Conditional].
type ConditionalDecision[C, R any] struct {
	branches []DecisionBranch[C, R]
	fallback decision.Spec[C, R]
}

// NewDecision builds a conditional decision with the same rules as [New].
func NewDecision[C, R any](fallback decision.Spec[C, R], branches ...DecisionBranch[C, R]) ConditionalDecision[C, R] {
	if fallback == nil {
		panic("selector: nil fallback decision")
	}
	for _, b := range branches {
		if b.When == nil || b.Spec == nil {
			panic("selector: branch requires a predicate and a decision")
		}
	}
	return ConditionalDecision[C, R]{
		branches: append([]DecisionBranch[C, R](nil), branches...),
		fallback: fallback,
	}
}

// Select evaluates predicates in order and returns the chosen decision.
func (s ConditionalDecision[C, R]) Select() decision.Spec[C, R] {
	for _, b := range s.branches {
		if b.When() {
			return b.Spec
		}
	}
	return s.fallback
}

// Decide runs only the selected decision.
func (s ConditionalDecision[C, R]) Decide(context C) (R, bool) {
	return s.Select().Decide(context)
}

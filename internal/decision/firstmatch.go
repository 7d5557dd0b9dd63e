package decision

import "github.com/matt-riley/decidez/internal/core"

// FallbackIndex is reported by [FirstMatch.Explain] when the fallback answered.
const FallbackIndex = -1

// Rule pairs a specification with the result chosen when it is satisfied.
type Rule[C, R any] struct {
	Spec   core.Specification[C]
	Result R
}

// When builds a [Rule].
func When[C, R any](spec core.Specification[C], result R) Rule[C, R] {
	return Rule[C, R]{Spec: spec, Result: result}
}

// FirstMatch returns the result of the first satisfied rule in declaration
// order. Earlier rules always win.
type FirstMatch[C, R any] struct {
	rules       []Rule[C, R]
	fallback    R
	hasFallback bool
}

// NewFirstMatch builds a priority list without a fallback. It panics when rules
// is empty or contains a nil spec.
func NewFirstMatch[C, R any](rules ...Rule[C, R]) FirstMatch[C, R] {
	return newFirstMatch(rules, *new(R), false)
}

// NewFirstMatchWithFallback builds a priority list that answers fallback when no
// rule is satisfied. An empty rule list is allowed.
func NewFirstMatchWithFallback[C, R any](fallback R, rules ...Rule[C, R]) FirstMatch[C, R] {
	return newFirstMatch(rules, fallback, true)
}

func newFirstMatch[C, R any](rules []Rule[C, R], fallback R, hasFallback bool) FirstMatch[C, R] {
	if len(rules) == 0 && !hasFallback {
		panic("decision: first-match requires at least one rule or a fallback")
	}
	for _, rule := range rules {
		if rule.Spec == nil {
			panic("decision: first-match rule has nil spec")
		}
	}
	return FirstMatch[C, R]{
		rules:       append([]Rule[C, R](nil), rules...),
		fallback:    fallback,
		hasFallback: hasFallback,
	}
}

// Decide returns the first satisfied rule's result, then the fallback.
func (f FirstMatch[C, R]) Decide(context C) (R, bool) {
	result, _, ok := f.Explain(context)
	return result, ok
}

// Explain is Decide that also reports which rule matched, or [FallbackIndex].
func (f FirstMatch[C, R]) Explain(context C) (R, int, bool) {
	for i, rule := range f.rules {
		if rule.Spec.IsSatisfiedBy(context) {
			return rule.Result, i, true
		}
	}
	if f.hasFallback {
		return f.fallback, FallbackIndex, true
	}
	var zero R
	return zero, 0, false
}

// Len returns the number of rules, excluding the fallback.
func (f FirstMatch[C, R]) Len() int { return len(f.rules) }

// FirstMatchBuilder accumulates rules incrementally. Building is equivalent to
// passing the same rules to [NewFirstMatch] in the same order.
type FirstMatchBuilder[C, R any] struct {
	rules       []Rule[C, R]
	fallback    R
	hasFallback bool
}

// NewFirstMatchBuilder returns an empty builder.
func NewFirstMatchBuilder[C, R any]() *FirstMatchBuilder[C, R] {
	return &FirstMatchBuilder[C, R]{}
}

// When appends a rule.
func (b *FirstMatchBuilder[C, R]) When(spec core.Specification[C], result R) *FirstMatchBuilder[C, R] {
	b.rules = append(b.rules, When(spec, result))
	return b
}

// Otherwise sets the fallback result.
func (b *FirstMatchBuilder[C, R]) Otherwise(result R) *FirstMatchBuilder[C, R] {
	b.fallback = result
	b.hasFallback = true
	return b
}

// Build returns the configured [FirstMatch].
func (b *FirstMatchBuilder[C, R]) Build() FirstMatch[C, R] {
	return newFirstMatch(b.rules, b.fallback, b.hasFallback)
}

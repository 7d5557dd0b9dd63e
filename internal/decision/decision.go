// Package decision implements the decision strategies that select a typed
// result from a rule set: first-match priority lists, weighted random choice
// among satisfied candidates, and windowed historical aggregation.
//
// A decision that finds nothing applicable reports ok == false; it is never an
// error. Misconfigured rule sets panic at construction.
package decision

// Spec maps a context to an optional result.
type Spec[C, R any] interface {
	Decide(context C) (R, bool)
}

// Func adapts a plain function to [Spec].
type Func[C, R any] func(C) (R, bool)

// Decide calls f(context).
func (f Func[C, R]) Decide(context C) (R, bool) {
	return f(context)
}

// Any is the type-erased carrier for a decision spec, letting differently
// typed strategies share one collection.
type Any[C, R any] struct {
	decide func(C) (R, bool)
}

// Erase wraps spec in an [Any]. Wrapping an Any returns it unchanged.
func Erase[C, R any](spec Spec[C, R]) Any[C, R] {
	if spec == nil {
		panic("decision: nil spec")
	}
	if erased, ok := spec.(Any[C, R]); ok {
		return erased
	}
	return Any[C, R]{decide: spec.Decide}
}

// Decide evaluates the wrapped spec. The zero Any never matches.
func (a Any[C, R]) Decide(context C) (R, bool) {
	if a.decide == nil {
		var zero R
		return zero, false
	}
	return a.decide(context)
}

// Map converts the result of spec with fn.
func Map[C, R, T any](spec Spec[C, R], fn func(R) T) Spec[C, T] {
	if spec == nil || fn == nil {
		panic("decision: Map requires spec and fn")
	}
	return Func[C, T](func(c C) (T, bool) {
		result, ok := spec.Decide(c)
		if !ok {
			var zero T
			return zero, false
		}
		return fn(result), true
	})
}

// OrElse returns the spec's result, or fallback when it does not match.
func OrElse[C, R any](spec Spec[C, R], context C, fallback R) R {
	if result, ok := spec.Decide(context); ok {
		return result
	}
	return fallback
}

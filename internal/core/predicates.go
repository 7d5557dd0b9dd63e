package core

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Specification aliases for the concrete context type used across the service.
type (
	Spec    = Specification[EvaluationContext]
	AnyRule = AnySpec[EvaluationContext]
)

// FlagEnabled is satisfied when the named flag is true.
func FlagEnabled(key string) Spec {
	return SpecFunc[EvaluationContext](func(c EvaluationContext) bool {
		return c.Flag(key)
	})
}

// InSegment is satisfied when the context carries segment.
func InSegment(segment string) Spec {
	return SpecFunc[EvaluationContext](func(c EvaluationContext) bool {
		return c.InSegment(segment)
	})
}

// CounterAtLeast is satisfied when the counter is >= minimum.
func CounterAtLeast(key string, minimum int64) Spec {
	return SpecFunc[EvaluationContext](func(c EvaluationContext) bool {
		return c.Counter(key) >= minimum
	})
}

// EventWithin is satisfied when the event occurred no longer than window ago.
// Events stamped after CurrentTime count as within the window.
func EventWithin(key string, window time.Duration) Spec {
	return SpecFunc[EvaluationContext](func(c EvaluationContext) bool {
		since, ok := c.TimeSinceEvent(key)
		return ok && since <= window
	})
}

// EventOlderThan is satisfied when the event occurred more than age ago, or
// never occurred.
func EventOlderThan(key string, age time.Duration) Spec {
	return SpecFunc[EvaluationContext](func(c EvaluationContext) bool {
		since, ok := c.TimeSinceEvent(key)
		return !ok || since > age
	})
}

// ElapsedAtLeast is satisfied once the application has been running for d.
func ElapsedAtLeast(d time.Duration) Spec {
	return SpecFunc[EvaluationContext](func(c EvaluationContext) bool {
		return c.Elapsed() >= d
	})
}

// AttributeEquals is satisfied when the user data value equals value. Numeric
// kinds compare by value, so int32(1) equals 1.0.
func AttributeEquals(key string, value any) Spec {
	return SpecFunc[EvaluationContext](func(c EvaluationContext) bool {
		actual, ok := c.Value(key)
		if !ok {
			return false
		}
		return valuesEqual(actual, value)
	})
}

// AttributeIn is satisfied when the user data value equals any element of
// values, which must be a slice or array.
func AttributeIn(key string, values any) Spec {
	return SpecFunc[EvaluationContext](func(c EvaluationContext) bool {
		actual, ok := c.Value(key)
		if !ok {
			return false
		}
		return valueIn(actual, values)
	})
}

// VersionConstraint is satisfied when the semantic version string stored under
// key satisfies constraint (for example ">= 2.3.0, < 3"). Unparseable or missing
// versions are not satisfied.
func VersionConstraint(key, constraint string) (Spec, error) {
	constraints, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("parse version constraint %q: %w", constraint, err)
	}

	return SpecFunc[EvaluationContext](func(c EvaluationContext) bool {
		raw, ok := c.String(key)
		if !ok {
			return false
		}
		version, err := semver.NewVersion(raw)
		if err != nil {
			return false
		}
		return constraints.Check(version)
	}), nil
}

// VersionAtLeast is shorthand for VersionConstraint(key, ">= minimum").
func VersionAtLeast(key, minimum string) (Spec, error) {
	return VersionConstraint(key, ">= "+minimum)
}

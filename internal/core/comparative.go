package core

import (
	"fmt"
	"math"
)

// Mode identifies a numeric comparison.
type Mode int

// Comparison modes. Every mode except InRange takes a single operand.
const (
	GreaterThan        Mode = iota + 1 // value > operand
	GreaterThanOrEqual                 // value >= operand
	LessThan                           // value < operand
	LessThanOrEqual                    // value <= operand
	Equal                              // value == operand
	NotEqual                           // value != operand
	InRange                            // lo <= value <= hi
)

var modeNames = map[Mode]string{
	GreaterThan:        "greater_than",
	GreaterThanOrEqual: "greater_than_or_equal",
	LessThan:           "less_than",
	LessThanOrEqual:    "less_than_or_equal",
	Equal:              "equal",
	NotEqual:           "not_equal",
	InRange:            "between",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode resolves a mode from its string name.
func ParseMode(name string) (Mode, bool) {
	for mode, candidate := range modeNames {
		if candidate == name {
			return mode, true
		}
	}
	return 0, false
}

// Comparison is a mode bound to its operands. Lo is the sole operand for every
// mode except InRange, which uses the inclusive interval [Lo, Hi].
type Comparison struct {
	Mode Mode
	Lo   float64
	Hi   float64
}

// Between returns an inclusive range comparison.
func Between(lo, hi float64) Comparison {
	return Comparison{Mode: InRange, Lo: lo, Hi: hi}
}

// Compare returns a single-operand comparison.
func Compare(mode Mode, operand float64) Comparison {
	return Comparison{Mode: mode, Lo: operand}
}

// Holds applies the comparison to value. NaN in any position never holds.
func (c Comparison) Holds(value float64) bool {
	if math.IsNaN(value) || math.IsNaN(c.Lo) {
		return false
	}

	switch c.Mode {
	case GreaterThan:
		return value > c.Lo
	case GreaterThanOrEqual:
		return value >= c.Lo
	case LessThan:
		return value < c.Lo
	case LessThanOrEqual:
		return value <= c.Lo
	case Equal:
		return value == c.Lo
	case NotEqual:
		return value != c.Lo
	case InRange:
		if math.IsNaN(c.Hi) {
			return false
		}
		return value >= c.Lo && value <= c.Hi
	default:
		return false
	}
}

// Extractor pulls a numeric value out of a context. The boolean is false when
// the value is missing.
type Extractor[C any] func(C) (float64, bool)

// Comparative applies a fixed comparison to an extracted value.
type Comparative[C any] struct {
	Extract    Extractor[C]
	Comparison Comparison
}

// NewComparative builds a [Comparative]. A nil extractor panics.
func NewComparative[C any](extract Extractor[C], comparison Comparison) Comparative[C] {
	if extract == nil {
		panic("core: nil extractor")
	}
	return Comparative[C]{Extract: extract, Comparison: comparison}
}

// IsSatisfiedBy fails closed when extraction yields no value.
func (s Comparative[C]) IsSatisfiedBy(context C) bool {
	value, ok := s.Extract(context)
	if !ok {
		return false
	}
	return s.Comparison.Holds(value)
}

// ThresholdSource resolves the operand of a [Threshold] at evaluation time.
type ThresholdSource[C any] interface {
	Resolve(context C) (float64, bool)
}

type fixedThreshold[C any] float64

func (f fixedThreshold[C]) Resolve(C) (float64, bool) { return float64(f), true }

// Fixed is a constant threshold.
func Fixed[C any](value float64) ThresholdSource[C] {
	return fixedThreshold[C](value)
}

type adaptiveThreshold[C any] func() float64

func (f adaptiveThreshold[C]) Resolve(C) (float64, bool) { return f(), true }

// Adaptive invokes generate on every evaluation. Results are therefore not
// deterministic and should not be memoized.
func Adaptive[C any](generate func() float64) ThresholdSource[C] {
	if generate == nil {
		panic("core: nil adaptive threshold generator")
	}
	return adaptiveThreshold[C](generate)
}

type customThreshold[C any] func(C) (float64, bool)

func (f customThreshold[C]) Resolve(context C) (float64, bool) { return f(context) }

// Custom derives the threshold from the context under evaluation. A missing
// threshold fails the specification closed.
func Custom[C any](derive func(C) (float64, bool)) ThresholdSource[C] {
	if derive == nil {
		panic("core: nil custom threshold")
	}
	return customThreshold[C](derive)
}

// Threshold compares an extracted value against a threshold resolved per
// evaluation. Mode must be a single-operand mode; use [RangeThreshold] for
// ranges.
type Threshold[C any] struct {
	Extract Extractor[C]
	Mode    Mode
	Source  ThresholdSource[C]
}

// NewThreshold builds a [Threshold].
func NewThreshold[C any](extract Extractor[C], mode Mode, source ThresholdSource[C]) Threshold[C] {
	if extract == nil || source == nil {
		panic("core: threshold requires extractor and source")
	}
	if mode == InRange {
		panic("core: use RangeThreshold for between comparisons")
	}
	return Threshold[C]{Extract: extract, Mode: mode, Source: source}
}

// IsSatisfiedBy resolves the threshold against context and compares the
// extracted value. A missing value or threshold fails closed.
func (s Threshold[C]) IsSatisfiedBy(context C) bool {
	value, ok := s.Extract(context)
	if !ok {
		return false
	}
	threshold, ok := s.Source.Resolve(context)
	if !ok {
		return false
	}
	return Compare(s.Mode, threshold).Holds(value)
}

// RangeThreshold is an inclusive between comparison whose bounds are each
// resolved per evaluation.
type RangeThreshold[C any] struct {
	Extract Extractor[C]
	Lo      ThresholdSource[C]
	Hi      ThresholdSource[C]
}

// IsSatisfiedBy fails closed when the value or either bound is missing.
func (s RangeThreshold[C]) IsSatisfiedBy(context C) bool {
	value, ok := s.Extract(context)
	if !ok {
		return false
	}
	lo, ok := s.Lo.Resolve(context)
	if !ok {
		return false
	}
	hi, ok := s.Hi.Resolve(context)
	if !ok {
		return false
	}
	return Between(lo, hi).Holds(value)
}

// NumberOf extracts the numeric user data value under key.
func NumberOf(key string) Extractor[EvaluationContext] {
	return func(c EvaluationContext) (float64, bool) { return c.Number(key) }
}

// CounterOf extracts a counter. Absent counters read as 0, so this extractor
// always yields a value.
func CounterOf(key string) Extractor[EvaluationContext] {
	return func(c EvaluationContext) (float64, bool) { return float64(c.Counter(key)), true }
}

// ElapsedSeconds extracts the elapsed time since launch in seconds.
func ElapsedSeconds() Extractor[EvaluationContext] {
	return func(c EvaluationContext) (float64, bool) { return c.Elapsed().Seconds(), true }
}

// SecondsSinceEvent extracts how many seconds ago the event occurred. A
// missing event yields no value.
func SecondsSinceEvent(key string) Extractor[EvaluationContext] {
	return func(c EvaluationContext) (float64, bool) {
		d, ok := c.TimeSinceEvent(key)
		if !ok {
			return 0, false
		}
		return d.Seconds(), true
	}
}

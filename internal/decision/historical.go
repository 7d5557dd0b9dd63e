package decision

import (
	"fmt"
	"iter"
	"math"
	"slices"
	"time"
)

type windowKind int

const (
	windowAll windowKind = iota
	windowLastN
	windowTimeRange
)

// Window selects which samples take part in an aggregation.
type Window struct {
	kind     windowKind
	count    int
	duration time.Duration
}

// LastN keeps the n most recently inserted samples. Insertion order is used,
// not timestamp order.
func LastN(n int) Window {
	if n < 1 {
		panic("decision: LastN requires n >= 1")
	}
	return Window{kind: windowLastN, count: n}
}

// TimeRange keeps samples stamped at or after now - d.
func TimeRange(d time.Duration) Window {
	if d <= 0 {
		panic("decision: TimeRange requires a positive duration")
	}
	return Window{kind: windowTimeRange, duration: d}
}

// AllSamples keeps every sample.
func AllSamples() Window { return Window{kind: windowAll} }

func (w Window) String() string {
	switch w.kind {
	case windowLastN:
		return fmt.Sprintf("last_n(%d)", w.count)
	case windowTimeRange:
		return fmt.Sprintf("time_range(%s)", w.duration)
	default:
		return "all"
	}
}

// Since returns the oldest timestamp a time-range window admits relative to
// now, and false for other windows.
func (w Window) Since(now time.Time) (time.Time, bool) {
	if w.kind != windowTimeRange {
		return time.Time{}, false
	}
	return now.Add(-w.duration), true
}

// Count returns n for LastN windows, and 0 otherwise.
func (w Window) Count() int {
	if w.kind != windowLastN {
		return 0
	}
	return w.count
}

type aggregationKind int

const (
	aggregationMedian aggregationKind = iota
	aggregationPercentile
)

// Aggregation summarises the windowed values.
type Aggregation struct {
	kind       aggregationKind
	percentile float64
}

// Median averages the two middle values on even counts.
func Median() Aggregation { return Aggregation{kind: aggregationMedian} }

// Percentile uses linear interpolation between closest ranks. p is in [0, 100].
func Percentile(p float64) Aggregation {
	if math.IsNaN(p) || p < 0 || p > 100 {
		panic("decision: percentile must be within [0, 100]")
	}
	return Aggregation{kind: aggregationPercentile, percentile: p}
}

func (a Aggregation) String() string {
	if a.kind == aggregationPercentile {
		return fmt.Sprintf("p%g", a.percentile)
	}
	return "median"
}

// Apply aggregates values, which must be sorted ascending and non-empty.
func (a Aggregation) Apply(sorted []float64) float64 {
	if a.kind == aggregationPercentile {
		return percentile(sorted, a.percentile)
	}
	return median(sorted)
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	fraction := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*fraction
}

// DataProvider supplies timestamped samples in insertion order. The provider
// owns retention; it may use the window as a hint but need not filter.
type DataProvider interface {
	Samples(window Window) iter.Seq2[time.Time, float64]
}

// DataProviderFunc adapts a function to [DataProvider].
type DataProviderFunc func(window Window) iter.Seq2[time.Time, float64]

// Samples calls f(window).
func (f DataProviderFunc) Samples(window Window) iter.Seq2[time.Time, float64] {
	return f(window)
}

// Number is the set of sample value types a provider may yield.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Float64Samples widens a sequence of any numeric sample type.
func Float64Samples[N Number](seq iter.Seq2[time.Time, N]) iter.Seq2[time.Time, float64] {
	return func(yield func(time.Time, float64) bool) {
		for at, value := range seq {
			if !yield(at, float64(value)) {
				return
			}
		}
	}
}

// HistoricalConfig configures a [Historical] decision.
type HistoricalConfig[C any] struct {
	Provider          DataProvider
	Window            Window
	Aggregation       Aggregation
	MinimumDataPoints int
	// Now anchors TimeRange windows. Nil uses time.Now.
	Now func(C) time.Time
}

// Historical aggregates a windowed series and reports the result when enough
// samples are available.
type Historical[C any] struct {
	cfg HistoricalConfig[C]
}

// NewHistorical validates cfg. It panics on a nil provider or a minimum below 1.
func NewHistorical[C any](cfg HistoricalConfig[C]) Historical[C] {
	if cfg.Provider == nil {
		panic("decision: historical requires a data provider")
	}
	if cfg.MinimumDataPoints < 1 {
		panic("decision: historical minimum data points must be >= 1")
	}
	return Historical[C]{cfg: cfg}
}

// Decide fetches the samples once, applies the window and gate, and aggregates.
func (h Historical[C]) Decide(context C) (float64, bool) {
	values := h.windowed(context)
	if len(values) == 0 || len(values) < h.cfg.MinimumDataPoints {
		return 0, false
	}
	slices.Sort(values)
	return h.cfg.Aggregation.Apply(values), true
}

func (h Historical[C]) windowed(context C) []float64 {
	var since time.Time
	bounded := false
	if h.cfg.Window.kind == windowTimeRange {
		now := time.Now()
		if h.cfg.Now != nil {
			now = h.cfg.Now(context)
		}
		since, bounded = h.cfg.Window.Since(now)
	}

	var values []float64
	for at, value := range h.cfg.Provider.Samples(h.cfg.Window) {
		if math.IsNaN(value) {
			continue
		}
		if bounded && at.Before(since) {
			continue
		}
		values = append(values, value)
	}

	if n := h.cfg.Window.Count(); n > 0 && len(values) > n {
		values = values[len(values)-n:]
	}
	return values
}

package decision

import (
	"iter"
	"sync"
	"time"
)

// Sample is one timestamped observation.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Series is an in-memory [DataProvider] that keeps at most limit samples,
// dropping the oldest inserted first. It is safe for concurrent use.
type Series struct {
	mu      sync.RWMutex
	samples []Sample
	limit   int
}

// NewSeries returns a series retaining up to limit samples. A limit <= 0
// retains everything.
func NewSeries(limit int) *Series {
	return &Series{limit: limit}
}

// SeriesOf returns an unbounded series holding samples in the given order.
func SeriesOf(samples ...Sample) *Series {
	s := NewSeries(0)
	s.samples = append(s.samples, samples...)
	return s
}

// Record appends a sample.
func (s *Series) Record(at time.Time, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, Sample{At: at, Value: value})
	if s.limit > 0 && len(s.samples) > s.limit {
		drop := len(s.samples) - s.limit
		s.samples = append(s.samples[:0], s.samples[drop:]...)
	}
}

// Len returns the number of retained samples.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}

// Snapshot returns a copy of the retained samples in insertion order.
func (s *Series) Snapshot() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Sample(nil), s.samples...)
}

// Samples yields a snapshot taken when iteration starts.
func (s *Series) Samples(Window) iter.Seq2[time.Time, float64] {
	return func(yield func(time.Time, float64) bool) {
		for _, sample := range s.Snapshot() {
			if !yield(sample.At, sample.Value) {
				return
			}
		}
	}
}

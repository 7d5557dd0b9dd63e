package decision

import (
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/decidez/internal/core"
)

var epoch = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func seriesOf(values ...float64) *Series {
	s := NewSeries(0)
	for i, v := range values {
		s.Record(epoch.Add(time.Duration(i)*time.Minute), v)
	}
	return s
}

func historical(provider DataProvider, window Window, aggregation Aggregation, minimum int) Historical[ctx] {
	return NewHistorical(HistoricalConfig[ctx]{
		Provider:          provider,
		Window:            window,
		Aggregation:       aggregation,
		MinimumDataPoints: minimum,
		Now:               func(c ctx) time.Time { return c.CurrentTime() },
	})
}

func TestHistoricalMedianLastN(t *testing.T) {
	h := historical(seriesOf(10, 20, 30, 40, 50), LastN(5), Median(), 1)

	got, ok := h.Decide(core.NewContext())
	require.True(t, ok)
	assert.Equal(t, 30.0, got)
}

func TestHistoricalLastNUsesInsertionOrder(t *testing.T) {
	s := SeriesOf(
		Sample{At: epoch.Add(time.Hour), Value: 100},
		Sample{At: epoch, Value: 1},
		Sample{At: epoch.Add(2 * time.Hour), Value: 2},
	)
	h := historical(s, LastN(2), Median(), 1)

	got, ok := h.Decide(core.NewContext())
	require.True(t, ok)
	assert.Equal(t, 1.5, got)
}

func TestHistoricalMedianEvenCount(t *testing.T) {
	h := historical(seriesOf(4, 1, 3, 2), AllSamples(), Median(), 1)

	got, ok := h.Decide(core.NewContext())
	require.True(t, ok)
	assert.Equal(t, 2.5, got)
}

func TestHistoricalInsufficientData(t *testing.T) {
	h := historical(seriesOf(1, 2, 3), AllSamples(), Median(), 10)

	_, ok := h.Decide(core.NewContext())
	assert.False(t, ok)
}

func TestHistoricalEmptyWindow(t *testing.T) {
	h := historical(NewSeries(0), AllSamples(), Median(), 1)

	_, ok := h.Decide(core.NewContext())
	assert.False(t, ok)
}

func TestHistoricalTimeRange(t *testing.T) {
	s := seriesOf(1000, 1, 2, 3)
	now := epoch.Add(3 * time.Minute)
	h := historical(s, TimeRange(2*time.Minute), Median(), 1)

	got, ok := h.Decide(core.NewContext(core.At(now)))
	require.True(t, ok)
	assert.Equal(t, 2.0, got)

	later := historical(s, TimeRange(time.Minute), Median(), 3)
	_, ok = later.Decide(core.NewContext(core.At(now)))
	assert.False(t, ok)
}

func TestHistoricalPercentile(t *testing.T) {
	values := seriesOf(15, 20, 35, 40, 50)
	tests := []struct {
		p    float64
		want float64
	}{
		{p: 0, want: 15},
		{p: 25, want: 20},
		{p: 40, want: 29},
		{p: 50, want: 35},
		{p: 90, want: 46},
		{p: 100, want: 50},
	}
	for _, test := range tests {
		h := historical(values, AllSamples(), Percentile(test.p), 1)
		got, ok := h.Decide(core.NewContext())
		require.True(t, ok)
		assert.InDelta(t, test.want, got, 1e-9, "p%g", test.p)
	}

	single := historical(seriesOf(7), AllSamples(), Percentile(95), 1)
	got, ok := single.Decide(core.NewContext())
	require.True(t, ok)
	assert.Equal(t, 7.0, got)
}

func TestHistoricalCallsProviderOncePerDecision(t *testing.T) {
	calls := 0
	provider := DataProviderFunc(func(window Window) iter.Seq2[time.Time, float64] {
		calls++
		return seriesOf(1, 2, 3).Samples(window)
	})
	h := historical(provider, LastN(2), Median(), 1)

	_, _ = h.Decide(core.NewContext())
	_, _ = h.Decide(core.NewContext())
	assert.Equal(t, 2, calls)
}

func TestHistoricalIntegerSamples(t *testing.T) {
	ints := func(yield func(time.Time, int) bool) {
		for i, v := range []int{3, 1, 2} {
			if !yield(epoch.Add(time.Duration(i)), v) {
				return
			}
		}
	}
	provider := DataProviderFunc(func(Window) iter.Seq2[time.Time, float64] {
		return Float64Samples[int](ints)
	})

	got, ok := historical(provider, AllSamples(), Median(), 3).Decide(core.NewContext())
	require.True(t, ok)
	assert.Equal(t, 2.0, got)
}

func TestHistoricalConstructionRejectsInvalidConfig(t *testing.T) {
	assert.Panics(t, func() { historical(NewSeries(0), AllSamples(), Median(), 0) })
	assert.Panics(t, func() { historical(nil, AllSamples(), Median(), 1) })
	assert.Panics(t, func() { LastN(0) })
	assert.Panics(t, func() { TimeRange(0) })
	assert.Panics(t, func() { Percentile(101) })
}

func TestSeriesRetention(t *testing.T) {
	s := NewSeries(3)
	for i := range 5 {
		s.Record(epoch.Add(time.Duration(i)), float64(i))
	}

	require.Equal(t, 3, s.Len())
	snapshot := s.Snapshot()
	assert.Equal(t, 2.0, snapshot[0].Value)
	assert.Equal(t, 4.0, snapshot[2].Value)
}

func TestWindowString(t *testing.T) {
	assert.Equal(t, "last_n(5)", LastN(5).String())
	assert.Equal(t, "time_range(1h0m0s)", TimeRange(time.Hour).String())
	assert.Equal(t, "all", AllSamples().String())
	assert.Equal(t, "median", Median().String())
	assert.Equal(t, "p95", Percentile(95).String())
}

package core

import (
	"math"
	"testing"
)

func FuzzComparisonHolds(f *testing.F) {
	f.Add(1.0, 0.0, 2.0)
	f.Add(math.NaN(), 0.0, 1.0)
	f.Add(-1.0, -1.0, -1.0)

	f.Fuzz(func(t *testing.T, value, lo, hi float64) {
		between := Between(lo, hi).Holds(value)
		if between && (value < lo || value > hi) {
			t.Fatalf("Between(%v, %v).Holds(%v) = true outside range", lo, hi, value)
		}
		if math.IsNaN(value) {
			for mode := range modeNames {
				if (Comparison{Mode: mode, Lo: lo, Hi: hi}).Holds(value) {
					t.Fatalf("%s held for NaN", mode)
				}
			}
		}
		gt := Compare(GreaterThan, lo).Holds(value)
		le := Compare(LessThanOrEqual, lo).Holds(value)
		if !math.IsNaN(value) && !math.IsNaN(lo) && gt == le {
			t.Fatalf("GreaterThan and LessThanOrEqual agree for %v vs %v", value, lo)
		}
	})
}

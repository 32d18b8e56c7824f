package stats

import (
	"math"
	"testing"
)

func TestWilson_KnownValue(t *testing.T) {
	iv := Wilson(40, 100, Z95)

	if math.Abs(iv.HalfWidth-0.0949) > 0.001 {
		t.Errorf("HalfWidth = %.4f, want 0.0949 ±0.001", iv.HalfWidth)
	}
	if math.Abs(iv.Center-0.4037) > 0.0005 {
		t.Errorf("Center = %.4f, want ~0.4037", iv.Center)
	}
	if iv.Lower() >= 0.4 || iv.Upper() <= 0.4 {
		t.Errorf("interval [%.4f, %.4f] should contain 0.4", iv.Lower(), iv.Upper())
	}
}

func TestWilson_Bounds(t *testing.T) {
	tests := []struct {
		name              string
		successes, trials int
	}{
		{"no trials", 0, 0},
		{"no successes", 0, 50},
		{"all successes", 50, 50},
		{"single trial", 1, 1},
		{"successes exceed trials", 10, 5},
		{"negative successes", -3, 5},
		{"large sample", 5000, 100000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iv := Wilson(tt.successes, tt.trials, Z95)
			if math.IsNaN(iv.HalfWidth) || math.IsNaN(iv.Center) {
				t.Fatalf("NaN interval %+v", iv)
			}
			if iv.HalfWidth < 0 {
				t.Errorf("HalfWidth = %v, want >= 0", iv.HalfWidth)
			}
			if iv.Lower() < 0 || iv.Upper() > 1 || iv.Lower() > iv.Upper() {
				t.Errorf("bounds [%v, %v] out of [0,1]", iv.Lower(), iv.Upper())
			}
		})
	}

	if got := Wilson(0, 0, Z95); got != (Interval{}) {
		t.Errorf("Wilson(0, 0) = %+v, want zero interval", got)
	}
}

func TestWilson_NarrowsWithSampleSize(t *testing.T) {
	small := Wilson(4, 10, Z95)
	large := Wilson(400, 1000, Z95)
	if large.HalfWidth >= small.HalfWidth {
		t.Errorf("half-width did not shrink: n=10 %.4f, n=1000 %.4f", small.HalfWidth, large.HalfWidth)
	}
}

func TestRatioPercentMean(t *testing.T) {
	if Ratio(1, 0) != 0 {
		t.Error("Ratio with zero denominator should be 0")
	}
	if Ratio(1, 4) != 0.25 {
		t.Errorf("Ratio(1, 4) = %v, want 0.25", Ratio(1, 4))
	}
	if Percent(3, 4) != 75 {
		t.Errorf("Percent(3, 4) = %v, want 75", Percent(3, 4))
	}
	if Percent(1, 0) != 0 {
		t.Error("Percent with zero whole should be 0")
	}
	if Mean(nil) != 0 {
		t.Error("Mean(nil) should be 0")
	}
	if Mean([]float64{1, 2, 3, 4}) != 2.5 {
		t.Errorf("Mean() = %v, want 2.5", Mean([]float64{1, 2, 3, 4}))
	}
}

// Package stats provides the numeric helpers used by the reporting engines:
// Wilson score intervals, zero-safe ratios, and atomic tallies for batch work.
package stats

import "math"

// Z95 is the standard normal quantile for a two-sided 95% interval.
const Z95 = 1.96

// Interval is a Wilson score interval for a binomial proportion.
type Interval struct {
	Center    float64
	HalfWidth float64
}

// Lower returns the lower bound, clamped at 0.
func (i Interval) Lower() float64 {
	return max(0, i.Center-i.HalfWidth)
}

// Upper returns the upper bound, clamped at 1.
func (i Interval) Upper() float64 {
	return min(1, i.Center+i.HalfWidth)
}

// Wilson computes the Wilson score interval for successes out of trials at
// quantile z. Zero trials yield the zero interval.
func Wilson(successes, trials int, z float64) Interval {
	if trials <= 0 {
		return Interval{}
	}
	successes = min(max(successes, 0), trials)

	n := float64(trials)
	p := float64(successes) / n
	z2 := z * z

	denom := 1 + z2/n
	center := (p + z2/(2*n)) / denom
	half := z * math.Sqrt((p*(1-p)+z2/(4*n))/n) / denom
	return Interval{Center: center, HalfWidth: half}
}

// Ratio returns num/den, or 0 when den is zero.
func Ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// Percent returns part as a percentage of whole, or 0 when whole is zero.
func Percent(part, whole int) float64 {
	return Ratio(float64(part), float64(whole)) * 100
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return Ratio(sum, float64(len(values)))
}

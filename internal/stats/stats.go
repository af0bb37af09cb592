// Package stats provides a streaming min/max/mean/variance accumulator.
package stats

import "math"

// Online accumulates summary statistics incrementally using Welford's
// algorithm, without retaining the sample history.
//
// It is not goroutine-safe; owners guard it with their own lock.
type Online struct {
	count uint64
	mean  float64
	m2    float64
	min   float64
	max   float64
}

// Add folds one sample into the accumulator.
func (s *Online) Add(x float64) {
	s.count++
	if s.count == 1 {
		s.min = x
		s.max = x
	} else {
		s.min = math.Min(s.min, x)
		s.max = math.Max(s.max, x)
	}

	delta := x - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (x - s.mean)
}

// Count returns the number of samples seen.
func (s *Online) Count() uint64 { return s.count }

// Mean returns the running mean, or 0 with no samples.
func (s *Online) Mean() float64 { return s.mean }

// Min returns the smallest sample, or 0 with no samples.
func (s *Online) Min() float64 { return s.min }

// Max returns the largest sample, or 0 with no samples.
func (s *Online) Max() float64 { return s.max }

// Variance returns the population variance, or 0 with fewer than two samples.
func (s *Online) Variance() float64 {
	if s.count < 2 {
		return 0
	}

	return s.m2 / float64(s.count)
}

// SampleVariance returns the Bessel-corrected sample variance, or 0 with
// fewer than two samples.
func (s *Online) SampleVariance() float64 {
	if s.count < 2 {
		return 0
	}

	return s.m2 / float64(s.count-1)
}

// Reset clears the accumulator.
func (s *Online) Reset() {
	*s = Online{}
}

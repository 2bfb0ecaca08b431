// Package util contains misc internal utilities.
package util

import (
	"fmt"
	"math"
	"time"
)

// Limiter holds a min and max value.  The zero Limiter does not limit.
type Limiter struct {
	Min float64 `koanf:"Min" yaml:"Min"`
	Max float64 `koanf:"Max" yaml:"Max"`
}

// Enabled is true if the limiter has a non-empty range
func (l Limiter) Enabled() bool {
	return l.Min != 0 || l.Max != 0
}

// Check returns an error if x is outside [Min, Max]
func (l Limiter) Check(x float64) error {
	if !l.Enabled() {
		return nil
	}
	if x < l.Min || x > l.Max || math.IsNaN(x) {
		return fmt.Errorf("%g is outside the limits [%g, %g]", x, l.Min, l.Max)
	}
	return nil
}

// Clamp limits x to [low, high]
func Clamp(x, low, high float64) float64 {
	return math.Max(low, math.Min(x, high))
}

// Linspace returns n evenly spaced values from start to stop, inclusive.
// With n == 1 it returns start.
func Linspace(start, stop float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	out[n-1] = stop
	return out
}

// SecsToDuration converts a (float) number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

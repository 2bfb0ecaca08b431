package util_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/nasa-jpl/labauto/util"
)

func ExampleLinspace() {
	fmt.Println(util.Linspace(0, 1, 5))
	// Output: [0 0.25 0.5 0.75 1]
}

func TestLinspaceEnds(t *testing.T) {
	out := util.Linspace(0.1, 0.7, 7)
	if out[0] != 0.1 || out[6] != 0.7 {
		t.Errorf("expected exact endpoints, got %v", out)
	}
	if len(util.Linspace(1, 2, 0)) != 0 {
		t.Error("expected no points for n=0")
	}
	if out := util.Linspace(3, 9, 1); len(out) != 1 || out[0] != 3 {
		t.Errorf("expected [3], got %v", out)
	}
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestLimiter(t *testing.T) {
	var zero util.Limiter
	if err := zero.Check(1e9); err != nil {
		t.Errorf("zero limiter should not limit, got %v", err)
	}
	l := util.Limiter{Min: -1, Max: 5}
	for _, x := range []float64{-1, 0, 5} {
		if err := l.Check(x); err != nil {
			t.Errorf("%v should be allowed, got %v", x, err)
		}
	}
	for _, x := range []float64{-1.01, 5.5} {
		if err := l.Check(x); err == nil {
			t.Errorf("%v should be rejected", x)
		}
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

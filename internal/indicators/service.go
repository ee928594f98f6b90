// Package indicators computes index-aligned technical indicator series over close prices.
//
// Every function returns a slice with the same length as its input. Positions without
// enough history hold NaN so callers can index indicator and price series together.
package indicators

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParameter is returned when a window is out of bounds for the series.
var ErrInvalidParameter = errors.New("invalid indicator parameter")

// Kind names an indicator family.
type Kind string

const (
	KindSMA      Kind = "sma"
	KindEMA      Kind = "ema"
	KindMomentum Kind = "momentum"
	KindZScore   Kind = "zscore"
)

// Compute dispatches to the indicator function for kind.
func Compute(kind Kind, closes []float64, window int) ([]float64, error) {
	switch kind {
	case KindSMA:
		return SMA(closes, window)
	case KindEMA:
		return EMA(closes, window)
	case KindMomentum:
		return Momentum(closes, window)
	case KindZScore:
		return ZScore(closes, window)
	default:
		return nil, fmt.Errorf("unknown indicator kind %q: %w", kind, ErrInvalidParameter)
	}
}

// validateWindow enforces 1 <= window < len(closes).
func validateWindow(name string, closes []float64, window int) error {
	if window < 1 || window >= len(closes) {
		return fmt.Errorf("%s window %d out of range [1, %d): %w", name, window, len(closes), ErrInvalidParameter)
	}
	return nil
}

// undefinedSeries returns a slice of n NaN values.
func undefinedSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// alignRight copies values into the tail of a NaN series of length n.
func alignRight(n int, values []float64) []float64 {
	out := undefinedSeries(n)
	copy(out[n-len(values):], values)
	return out
}

// Defined reports whether v holds a usable indicator value.
func Defined(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

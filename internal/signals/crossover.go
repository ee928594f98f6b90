// Package signals detects crossing events between index-aligned series.
//
// All predicates are total: an index without the history it needs, or a NaN at any
// referenced position, yields false rather than an error.
package signals

import "math"

// DefaultTolerance is the absolute buffer used by the tolerant crossover predicates.
const DefaultTolerance = 1e-6

// NoiseFloor is the separation, relative to the larger magnitude, below which two
// averages count as equal. Recurrences such as the EMA drift a few ulps on a flat series.
const NoiseFloor = 1e-12

// tolerantLookback is the number of bar transitions a tolerant predicate scans.
const tolerantLookback = 2

func defined(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

func inRange(i, n int) bool {
	return i >= 1 && i < n
}

// CrossedUp reports whether a moved from at-or-below b at i-1 to strictly above b at i.
func CrossedUp(a, b []float64, i int) bool {
	if !inRange(i, len(a)) || !inRange(i, len(b)) {
		return false
	}
	if !defined(a[i-1], b[i-1], a[i], b[i]) {
		return false
	}
	return a[i-1] <= b[i-1] && a[i] > b[i]
}

// CrossedDown reports whether a moved from at-or-above b at i-1 to strictly below b at i.
func CrossedDown(a, b []float64, i int) bool {
	if !inRange(i, len(a)) || !inRange(i, len(b)) {
		return false
	}
	if !defined(a[i-1], b[i-1], a[i], b[i]) {
		return false
	}
	return a[i-1] >= b[i-1] && a[i] < b[i]
}

func noise(a, b float64) float64 {
	return NoiseFloor * math.Max(math.Abs(a), math.Abs(b))
}

// SettledCrossedUp is CrossedUp with values closer than NoiseFloor treated as equal. A
// cross smaller than the floor is reported on the first bar that clears it.
func SettledCrossedUp(a, b []float64, i int) bool {
	if !inRange(i, len(a)) || !inRange(i, len(b)) {
		return false
	}
	if !defined(a[i-1], b[i-1], a[i], b[i]) {
		return false
	}
	return a[i-1] <= b[i-1]+noise(a[i-1], b[i-1]) && a[i] > b[i]+noise(a[i], b[i])
}

// SettledCrossedDown is the mirror of SettledCrossedUp.
func SettledCrossedDown(a, b []float64, i int) bool {
	if !inRange(i, len(a)) || !inRange(i, len(b)) {
		return false
	}
	if !defined(a[i-1], b[i-1], a[i], b[i]) {
		return false
	}
	return a[i-1] >= b[i-1]-noise(a[i-1], b[i-1]) && a[i] < b[i]-noise(a[i], b[i])
}

// TolerantCrossedUp reports an upward crossing, buffered by tol, in either of the last
// two bar transitions ending at i. Transitions with undefined values are skipped.
func TolerantCrossedUp(a, b []float64, i int, tol float64) bool {
	for k := 0; k < tolerantLookback; k++ {
		j := i - k
		if !inRange(j, len(a)) || !inRange(j, len(b)) {
			continue
		}
		if !defined(a[j-1], b[j-1], a[j], b[j]) {
			continue
		}
		if a[j-1] <= b[j-1]+tol && a[j] > b[j]+tol {
			return true
		}
	}
	return false
}

// TolerantCrossedDown is the mirror of TolerantCrossedUp.
func TolerantCrossedDown(a, b []float64, i int, tol float64) bool {
	for k := 0; k < tolerantLookback; k++ {
		j := i - k
		if !inRange(j, len(a)) || !inRange(j, len(b)) {
			continue
		}
		if !defined(a[j-1], b[j-1], a[j], b[j]) {
			continue
		}
		if a[j-1] >= b[j-1]-tol && a[j] < b[j]-tol {
			return true
		}
	}
	return false
}

// CrossedAbove reports whether a moved from below level at i-1 to at-or-above level at i.
func CrossedAbove(a []float64, level float64, i int) bool {
	if !inRange(i, len(a)) || !defined(a[i-1], a[i]) {
		return false
	}
	return a[i-1] < level && a[i] >= level
}

// CrossedBelow reports whether a moved from above level at i-1 to at-or-below level at i.
func CrossedBelow(a []float64, level float64, i int) bool {
	if !inRange(i, len(a)) || !defined(a[i-1], a[i]) {
		return false
	}
	return a[i-1] > level && a[i] <= level
}

// DroppedBelow reports whether a moved from at-or-above level at i-1 to strictly below
// level at i.
func DroppedBelow(a []float64, level float64, i int) bool {
	if !inRange(i, len(a)) || !defined(a[i-1], a[i]) {
		return false
	}
	return a[i-1] >= level && a[i] < level
}

// RoseAbove reports whether a moved from at-or-below level at i-1 to strictly above
// level at i.
func RoseAbove(a []float64, level float64, i int) bool {
	if !inRange(i, len(a)) || !defined(a[i-1], a[i]) {
		return false
	}
	return a[i-1] <= level && a[i] > level
}

package indicators

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func risingCloses(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	return closes
}

func countLeadingNaN(values []float64) int {
	n := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			break
		}
		n++
	}
	return n
}

func TestSMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5, 6}

	sma, err := SMA(closes, 3)
	require.NoError(t, err)
	require.Len(t, sma, len(closes))

	assert.True(t, math.IsNaN(sma[0]))
	assert.True(t, math.IsNaN(sma[1]))
	assert.InDelta(t, 2.0, sma[2], 1e-12)
	assert.InDelta(t, 3.0, sma[3], 1e-12)
	assert.InDelta(t, 4.0, sma[4], 1e-12)
	assert.InDelta(t, 5.0, sma[5], 1e-12)
}

func TestSMALeadingUndefined(t *testing.T) {
	closes := risingCloses(60)

	for _, window := range []int{1, 2, 5, 20, 59} {
		sma, err := SMA(closes, window)
		require.NoError(t, err)
		assert.Equal(t, window-1, countLeadingNaN(sma), "window %d", window)
		for i := window - 1; i < len(sma); i++ {
			assert.True(t, Defined(sma[i]), "window %d index %d", window, i)
		}
	}
}

func TestSMAInvalidWindow(t *testing.T) {
	closes := risingCloses(10)

	tests := []struct {
		name   string
		window int
	}{
		{"zero window", 0},
		{"negative window", -3},
		{"window equal to length", 10},
		{"window longer than series", 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SMA(closes, tt.window)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidParameter))
		})
	}
}

func TestSMAEqualClosesAverageExactly(t *testing.T) {
	for _, price := range []float64{0.1, 0.3, 1.0843, 152.37, 18.2345} {
		closes := make([]float64, 120)
		for i := range closes {
			closes[i] = price
		}

		for _, window := range []int{3, 7, 19, 59} {
			sma, err := SMA(closes, window)
			require.NoError(t, err)
			for i := window - 1; i < len(sma); i++ {
				require.Equal(t, price, sma[i], "price %v window %d index %d", price, window, i)
			}
		}
	}
}

func TestSMAFlatStretchAfterMovement(t *testing.T) {
	closes := []float64{1.1, 1.3, 0.9, 1.7, 1.2}
	for i := 0; i < 30; i++ {
		closes = append(closes, 0.7)
	}

	sma, err := SMA(closes, 4)
	require.NoError(t, err)
	for i := 5 + 3; i < len(sma); i++ {
		assert.Equal(t, 0.7, sma[i], "index %d", i)
	}
}

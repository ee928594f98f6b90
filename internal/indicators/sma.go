package indicators

import "github.com/rs/zerolog/log"

// SMA returns the simple moving average of the trailing window closes.
// Values are defined from index window-1 onward.
//
// Every window is summed on its own rather than with a running sum, so rounding never
// carries from one bar to the next and a window of equal closes averages to exactly
// that close.
func SMA(closes []float64, window int) ([]float64, error) {
	if err := validateWindow("SMA", closes, window); err != nil {
		return nil, err
	}

	log.Debug().
		Int("prices_count", len(closes)).
		Int("period", window).
		Msg("Calculating SMA")

	out := undefinedSeries(len(closes))
	for i := window - 1; i < len(closes); i++ {
		out[i] = windowMean(closes[i-window+1 : i+1])
	}
	return out, nil
}

// windowMean averages values as offsets from the first one. Equal values have zero
// offsets, so their mean is the value itself with no rounding.
func windowMean(values []float64) float64 {
	anchor := values[0]
	var offset float64
	for _, v := range values[1:] {
		offset += v - anchor
	}
	return anchor + offset/float64(len(values))
}

package indicators

// EMA returns the exponential moving average with alpha = 2/(window+1).
//
// The value at window-1 is seeded with the mean of the first window closes; each later
// value is alpha*close[i] + (1-alpha)*ema[i-1], evaluated strictly in index order.
// Both products are rounded before the sum so no platform fuses them into one
// multiply-add, which keeps the series bit-identical to the recurrence everywhere.
func EMA(closes []float64, window int) ([]float64, error) {
	if err := validateWindow("EMA", closes, window); err != nil {
		return nil, err
	}

	out := undefinedSeries(len(closes))
	alpha := 2.0 / float64(window+1)
	decay := 1 - alpha

	out[window-1] = windowMean(closes[:window])

	for i := window; i < len(closes); i++ {
		out[i] = float64(alpha*closes[i]) + float64(decay*out[i-1])
	}

	return out, nil
}

package indicators

import "math"

// flatStdRatio is the standard deviation, relative to the mean's magnitude, below which a
// window is treated as flat.
const flatStdRatio = 1e-12

// ZScore returns (close[i]-mean)/std over the trailing window closes using the sample
// standard deviation. Positions with an incomplete window or a flat window are undefined.
func ZScore(closes []float64, window int) ([]float64, error) {
	if err := validateWindow("z-score", closes, window); err != nil {
		return nil, err
	}

	out := undefinedSeries(len(closes))
	if window < 2 {
		// Sample standard deviation needs two observations.
		return out, nil
	}

	means, err := SMA(closes, window)
	if err != nil {
		return nil, err
	}

	for i := window - 1; i < len(closes); i++ {
		mean := means[i]
		var sumSq float64
		for _, c := range closes[i-window+1 : i+1] {
			d := c - mean
			sumSq += d * d
		}
		std := math.Sqrt(sumSq / float64(window-1))
		if std == 0 || std <= flatStdRatio*math.Max(math.Abs(mean), 1) {
			continue
		}
		out[i] = (closes[i] - mean) / std
	}

	return out, nil
}

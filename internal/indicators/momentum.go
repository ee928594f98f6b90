package indicators

import (
	"math"

	"github.com/cinar/indicator/v2/helper"
	"github.com/rs/zerolog/log"
)

// Momentum returns the fractional change (close[i]-close[i-window])/close[i-window].
// Values before index window are undefined, as is any value whose base close is zero.
func Momentum(closes []float64, window int) ([]float64, error) {
	if err := validateWindow("momentum", closes, window); err != nil {
		return nil, err
	}

	log.Debug().
		Int("prices_count", len(closes)).
		Int("period", window).
		Msg("Calculating momentum")

	ratios := helper.ChanToSlice(helper.ChangeRatio(helper.SliceToChan(closes), window))

	out := alignRight(len(closes), ratios)
	for i := window; i < len(out); i++ {
		if math.IsInf(out[i], 0) {
			out[i] = math.NaN()
		}
	}
	return out, nil
}

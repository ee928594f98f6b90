package strategy

import (
	"fmt"
	"strings"
)

// Timeframe is a history window together with its bar interval and the thresholds the
// strategies scale to it
type Timeframe struct {
	Name     string `json:"name"`     // "1y", "6mo", "5d"
	Period   string `json:"period"`   // provider range
	Interval string `json:"interval"` // provider bar interval
	Intraday bool   `json:"intraday"` // selects tolerant crossovers

	MomentumThreshold float64 `json:"momentum_threshold"`
	ZScoreThreshold   float64 `json:"zscore_threshold"`
}

// FileKey is the data file stem suffix, "1y" for daily and "5dm" for intraday bars
func (tf Timeframe) FileKey() string {
	if tf.Intraday {
		return tf.Period + "m"
	}
	return tf.Period
}

var timeframes = []Timeframe{
	{Name: "1y", Period: "1y", Interval: "1d", MomentumThreshold: 0.02, ZScoreThreshold: 2.5},
	{Name: "6mo", Period: "6mo", Interval: "1d", MomentumThreshold: 0.01, ZScoreThreshold: 1.75},
	{Name: "5d", Period: "5d", Interval: "15m", Intraday: true, MomentumThreshold: 0.002, ZScoreThreshold: 1.5},
}

// Timeframes returns the supported timeframes in menu order
func Timeframes() []Timeframe {
	return append([]Timeframe(nil), timeframes...)
}

// LookupTimeframe finds a timeframe by name
func LookupTimeframe(name string) (Timeframe, error) {
	for _, tf := range timeframes {
		if tf.Name == strings.ToLower(strings.TrimSpace(name)) {
			return tf, nil
		}
	}
	return Timeframe{}, fmt.Errorf("unknown timeframe %q", name)
}

// Instrument is a currency pair and its provider ticker
type Instrument struct {
	Pair   string `json:"pair"`   // "EUR/USD"
	Ticker string `json:"ticker"` // "EURUSD=X"
}

// FileStem is the lower-case pair without separator, used in data file names
func (in Instrument) FileStem() string {
	return strings.ToLower(strings.ReplaceAll(in.Pair, "/", ""))
}

var instruments = []Instrument{
	{Pair: "EUR/USD", Ticker: "EURUSD=X"},
	{Pair: "USD/JPY", Ticker: "USDJPY=X"},
	{Pair: "GBP/USD", Ticker: "GBPUSD=X"},
	{Pair: "USD/INR", Ticker: "USDINR=X"},
	{Pair: "USD/ZAR", Ticker: "USDZAR=X"},
}

// Instruments returns the supported pairs in menu order
func Instruments() []Instrument {
	return append([]Instrument(nil), instruments...)
}

// LookupInstrument accepts "EUR/USD", "EURUSD" or "EURUSD=X"
func LookupInstrument(name string) (Instrument, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	for _, in := range instruments {
		if key == in.Pair || key == in.Ticker || key == strings.ToUpper(in.FileStem()) {
			return in, nil
		}
	}
	return Instrument{}, fmt.Errorf("unknown instrument %q", name)
}

// Package indicator computes the pure market indicators used by strategies
package indicator

import (
	talib "github.com/markcheno/go-talib"

	"trading_engine/internal/core"
)

// EMA computes an exponential moving average seeded with the SMA of the
// first period values. The returned sequence starts at input index period-1.
func EMA(series []float64, period int) []float64 {
	if period < 1 || len(series) < period {
		return nil
	}
	full := talib.Ema(series, period)
	return full[period-1:]
}

// SMA computes a simple moving average. The returned sequence starts at
// input index period-1.
func SMA(series []float64, period int) []float64 {
	if period < 1 || len(series) < period {
		return nil
	}
	full := talib.Sma(series, period)
	return full[period-1:]
}

// OTT classifies the trend regime from an EMA baseline with percentage
// bands. Returns nil when fewer than period closes are available.
func OTT(closes []float64, period int, opt float64) *core.OTTResult {
	if period < 1 || len(closes) < period {
		return nil
	}

	ema := EMA(closes, period)
	baseline := ema[len(ema)-1]
	current := closes[len(closes)-1]

	mode := core.OTTModeSAT
	if current > baseline {
		mode = core.OTTModeAL
	}

	return &core.OTTResult{
		Mode:         mode,
		Baseline:     baseline,
		Upper:        baseline * (1 + opt/100),
		Lower:        baseline * (1 - opt/100),
		CurrentPrice: current,
	}
}

// Bollinger computes Bollinger Bands over an SMA middle band with k standard
// deviations. Band slices are aligned with the input; entries before index
// period-1 are zero. Returns nil when fewer than period prices are available.
func Bollinger(prices []float64, period int, k float64) *core.BollingerBands {
	if period < 1 || len(prices) < period {
		return nil
	}

	upper, middle, lower := talib.BBands(prices, period, k, k, talib.SMA)
	return &core.BollingerBands{
		Upper:  upper,
		Middle: middle,
		Lower:  lower,
	}
}

// Closes extracts the close series from candles, oldest first
func Closes(candles []core.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

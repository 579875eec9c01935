package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_engine/internal/core"
)

func TestEMA_SeedIsSMA(t *testing.T) {
	series := []float64{1, 2, 3, 4, 5}
	ema := EMA(series, 3)

	require.Len(t, ema, 3)
	// Seed = SMA(1,2,3) = 2; alpha = 2/(3+1) = 0.5
	assert.InDelta(t, 2.0, ema[0], 1e-9)
	assert.InDelta(t, 3.0, ema[1], 1e-9) // 0.5*4 + 0.5*2
	assert.InDelta(t, 4.0, ema[2], 1e-9) // 0.5*5 + 0.5*3
}

func TestEMA_NotEnoughData(t *testing.T) {
	assert.Nil(t, EMA([]float64{1, 2}, 3))
	assert.Nil(t, EMA(nil, 1))
}

func TestSMA(t *testing.T) {
	sma := SMA([]float64{2, 4, 6, 8}, 2)
	require.Len(t, sma, 3)
	assert.InDelta(t, 3.0, sma[0], 1e-9)
	assert.InDelta(t, 5.0, sma[1], 1e-9)
	assert.InDelta(t, 7.0, sma[2], 1e-9)
}

func TestOTT_Modes(t *testing.T) {
	// Rising closes: last price above the EMA baseline -> AL
	rising := []float64{100, 101, 102, 103, 104, 105}
	res := OTT(rising, 3, 2.0)
	require.NotNil(t, res)
	assert.Equal(t, core.OTTModeAL, res.Mode)
	assert.Equal(t, 105.0, res.CurrentPrice)
	assert.InDelta(t, res.Baseline*1.02, res.Upper, 1e-9)
	assert.InDelta(t, res.Baseline*0.98, res.Lower, 1e-9)

	// Falling closes: last price below the baseline -> SAT
	falling := []float64{105, 104, 103, 102, 101, 100}
	res = OTT(falling, 3, 2.0)
	require.NotNil(t, res)
	assert.Equal(t, core.OTTModeSAT, res.Mode)
}

func TestOTT_RequiresPeriodBars(t *testing.T) {
	assert.Nil(t, OTT([]float64{1, 2}, 14, 2.0))
}

func TestBollinger(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5}
	bb := Bollinger(prices, 3, 2.0)
	require.NotNil(t, bb)
	require.Len(t, bb.Middle, len(prices))

	// Window {1,2,3}: middle = 2, population stddev = sqrt(2/3)
	std := math.Sqrt(2.0 / 3.0)
	assert.InDelta(t, 2.0, bb.Middle[2], 1e-9)
	assert.InDelta(t, 2.0+2*std, bb.Upper[2], 1e-9)
	assert.InDelta(t, 2.0-2*std, bb.Lower[2], 1e-9)

	// Window {3,4,5}
	assert.InDelta(t, 4.0, bb.Middle[4], 1e-9)
	assert.InDelta(t, 4.0+2*std, bb.Upper[4], 1e-9)
}

func TestBollinger_NotEnoughData(t *testing.T) {
	assert.Nil(t, Bollinger([]float64{1, 2}, 20, 2.0))
}

func TestCloses(t *testing.T) {
	candles := []core.Candle{{Close: 1.5}, {Close: 2.5}}
	assert.Equal(t, []float64{1.5, 2.5}, Closes(candles))
}

package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_engine/internal/core"
)

func gridStrategy() *core.Strategy {
	return &core.Strategy{
		ID:        "grid-1",
		Symbol:    "BTCUSDT",
		Timeframe: core.Timeframe1h,
		Type:      core.StrategyGridOTT,
		Parameters: map[string]float64{
			"y":         10.0,
			"usdt_grid": 30.0,
		},
		OTT: core.OTTParams{Period: 14, Opt: 2.0},
	}
}

func btcMarket() *core.MarketInfo {
	return &core.MarketInfo{
		Symbol:      "BTCUSDT",
		TickSize:    decimal.NewFromFloat(0.1),
		StepSize:    decimal.NewFromFloat(0.001),
		MinQty:      decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromInt(5),
	}
}

func alOTT() *core.OTTResult  { return &core.OTTResult{Mode: core.OTTModeAL} }
func satOTT() *core.OTTResult { return &core.OTTResult{Mode: core.OTTModeSAT} }

func TestGridValidateConfig(t *testing.T) {
	h := &GridOTTHandler{}
	require.NoError(t, h.ValidateConfig(gridStrategy()))

	bad := gridStrategy()
	bad.Parameters["y"] = 0
	assert.Error(t, h.ValidateConfig(bad))

	bad = gridStrategy()
	bad.OTT.Period = 500
	assert.Error(t, h.ValidateConfig(bad))

	bad = gridStrategy()
	bad.Symbol = "NOPEUSDT"
	assert.Error(t, h.ValidateConfig(bad))
}

func TestGridFoundationAnchorsOnFirstPrice(t *testing.T) {
	h := &GridOTTHandler{}
	s := gridStrategy()
	st := NewState(s, h)

	sig, err := h.CalculateSignal(s, st, decimal.NewFromInt(30000), alOTT(), btcMarket(), nil)
	require.NoError(t, err)
	assert.False(t, sig.ShouldTrade)
	assert.True(t, st.Grid.GF.Equal(decimal.NewFromInt(30000)))
}

func TestGridBuyTwoLevelsBelowFoundation(t *testing.T) {
	h := &GridOTTHandler{}
	s := gridStrategy()
	st := NewState(s, h)
	st.Grid.GF = decimal.NewFromInt(30000)

	sig, err := h.CalculateSignal(s, st, decimal.NewFromInt(29975), alOTT(), btcMarket(), nil)
	require.NoError(t, err)
	require.True(t, sig.ShouldTrade)
	assert.Equal(t, core.SideBuy, sig.Side)
	assert.True(t, sig.TargetPrice.Equal(decimal.NewFromInt(29980)), "got %s", sig.TargetPrice)
	// floor(2*30 / 29980, 0.001) = 0.002
	assert.True(t, sig.Quantity.Equal(decimal.NewFromFloat(0.002)), "got %s", sig.Quantity)
}

func TestGridSellAboveFoundationInSAT(t *testing.T) {
	h := &GridOTTHandler{}
	s := gridStrategy()
	st := NewState(s, h)
	st.Grid.GF = decimal.NewFromInt(30000)

	sig, err := h.CalculateSignal(s, st, decimal.NewFromInt(30035), satOTT(), btcMarket(), nil)
	require.NoError(t, err)
	require.True(t, sig.ShouldTrade)
	assert.Equal(t, core.SideSell, sig.Side)
	assert.True(t, sig.TargetPrice.Equal(decimal.NewFromInt(30030)))
}

func TestGridNoSignalCases(t *testing.T) {
	h := &GridOTTHandler{}
	s := gridStrategy()
	st := NewState(s, h)
	st.Grid.GF = decimal.NewFromInt(30000)

	// Inside one level
	sig, err := h.CalculateSignal(s, st, decimal.NewFromInt(29995), alOTT(), btcMarket(), nil)
	require.NoError(t, err)
	assert.False(t, sig.ShouldTrade)

	// Exactly one level away is not strictly greater
	sig, err = h.CalculateSignal(s, st, decimal.NewFromInt(29990), alOTT(), btcMarket(), nil)
	require.NoError(t, err)
	assert.False(t, sig.ShouldTrade)

	// Regime mismatch: price below foundation in SAT
	sig, err = h.CalculateSignal(s, st, decimal.NewFromInt(29975), satOTT(), btcMarket(), nil)
	require.NoError(t, err)
	assert.False(t, sig.ShouldTrade)

	// Guardrails suppress the target
	guarded := gridStrategy()
	guarded.PriceMin = decimal.NewFromInt(29990)
	sig, err = h.CalculateSignal(guarded, st, decimal.NewFromInt(29975), alOTT(), btcMarket(), nil)
	require.NoError(t, err)
	assert.False(t, sig.ShouldTrade)
}

func TestGridFillMovesFoundation(t *testing.T) {
	h := &GridOTTHandler{}
	s := gridStrategy()
	st := NewState(s, h)
	st.Grid.GF = decimal.NewFromInt(30000)

	trade := &core.Trade{
		StrategyID: "grid-1",
		Side:       core.SideBuy,
		Price:      decimal.NewFromInt(29980),
		Quantity:   decimal.NewFromFloat(0.002),
		LimitPrice: decimal.NewFromInt(29980),
		OrderID:    "1001",
	}
	require.NoError(t, h.ProcessFill(s, st, trade))

	assert.Equal(t, int64(2), trade.Z)
	assert.True(t, trade.GFBefore.Equal(decimal.NewFromInt(30000)))
	assert.True(t, trade.GFAfter.Equal(decimal.NewFromInt(29980)))
	assert.True(t, st.Grid.GF.Equal(decimal.NewFromInt(29980)))
	assert.True(t, st.PositionQuantity.Equal(decimal.NewFromFloat(0.002)))

	// gf_after == gf_before - z*y on a buy
	y := decimal.NewFromFloat(s.Param("y", 0))
	assert.True(t, trade.GFAfter.Equal(trade.GFBefore.Sub(decimal.NewFromInt(trade.Z).Mul(y))))
}

func TestGridFillSellMovesFoundationUp(t *testing.T) {
	h := &GridOTTHandler{}
	s := gridStrategy()
	st := NewState(s, h)
	st.Grid.GF = decimal.NewFromInt(30000)
	st.PositionQuantity = decimal.NewFromFloat(0.005)
	st.PositionAvgCost = decimal.NewFromInt(29900)
	st.PositionSide = core.PositionLong

	trade := &core.Trade{
		Side:       core.SideSell,
		Price:      decimal.NewFromInt(30030),
		Quantity:   decimal.NewFromFloat(0.002),
		LimitPrice: decimal.NewFromInt(30030),
		OrderID:    "1002",
	}
	require.NoError(t, h.ProcessFill(s, st, trade))

	assert.Equal(t, int64(3), trade.Z)
	assert.True(t, st.Grid.GF.Equal(decimal.NewFromInt(30030)))
	y := decimal.NewFromFloat(s.Param("y", 0))
	assert.True(t, trade.GFAfter.Equal(trade.GFBefore.Add(decimal.NewFromInt(trade.Z).Mul(y))))
}

func TestGridFillDuplicateOrderDiscarded(t *testing.T) {
	h := &GridOTTHandler{}
	s := gridStrategy()
	st := NewState(s, h)
	st.Grid.GF = decimal.NewFromInt(30000)

	trade := &core.Trade{
		Side:       core.SideBuy,
		Price:      decimal.NewFromInt(29980),
		Quantity:   decimal.NewFromFloat(0.002),
		LimitPrice: decimal.NewFromInt(29980),
		OrderID:    "1001",
	}
	require.NoError(t, h.ProcessFill(s, st, trade))
	gfAfter := st.Grid.GF
	qtyAfter := st.PositionQuantity

	dup := *trade
	require.NoError(t, h.ProcessFill(s, st, &dup))
	assert.True(t, st.Grid.GF.Equal(gfAfter))
	assert.True(t, st.PositionQuantity.Equal(qtyAfter))
}

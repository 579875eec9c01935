package pnl

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_engine/internal/core"
)

func newState() *core.State {
	return &core.State{
		InitialBalance: core.DefaultInitialBalance,
		CashBalance:    core.DefaultInitialBalance,
	}
}

func fill(side core.Side, price, qty float64) *core.Trade {
	return &core.Trade{
		Side:     side,
		Price:    decimal.NewFromFloat(price),
		Quantity: decimal.NewFromFloat(qty),
	}
}

func TestApplyFill_OpenLong(t *testing.T) {
	st := newState()
	require.NoError(t, ApplyFill(st, fill(core.SideBuy, 1000, 0.1)))

	assert.True(t, st.PositionQuantity.Equal(decimal.NewFromFloat(0.1)))
	assert.True(t, st.PositionAvgCost.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, core.PositionLong, st.PositionSide)
	// Opening never touches cash
	assert.True(t, st.CashBalance.Equal(st.InitialBalance))
}

func TestApplyFill_IncreaseAveragesCost(t *testing.T) {
	st := newState()
	require.NoError(t, ApplyFill(st, fill(core.SideBuy, 1000, 0.1)))
	require.NoError(t, ApplyFill(st, fill(core.SideBuy, 970, 0.154639)))

	// avg = (0.1*1000 + 0.154639*970) / 0.254639 ≈ 981.78
	want := decimal.NewFromFloat(0.1).Mul(decimal.NewFromInt(1000)).
		Add(decimal.NewFromFloat(0.154639).Mul(decimal.NewFromInt(970))).
		Div(decimal.NewFromFloat(0.254639))
	assert.True(t, st.PositionAvgCost.Sub(want).Abs().LessThan(decimal.NewFromFloat(1e-9)))
	assert.True(t, st.CashBalance.Equal(st.InitialBalance))
}

func TestApplyFill_PartialCloseKeepsAvgCost(t *testing.T) {
	st := newState()
	require.NoError(t, ApplyFill(st, fill(core.SideBuy, 1000, 0.2)))
	avgBefore := st.PositionAvgCost

	require.NoError(t, ApplyFill(st, fill(core.SideSell, 1100, 0.1)))

	// Decreasing fills never move the average cost.
	assert.True(t, st.PositionAvgCost.Equal(avgBefore))
	assert.True(t, st.PositionQuantity.Equal(decimal.NewFromFloat(0.1)))
	// realized = (1100-1000)*0.1 = 10
	assert.True(t, st.RealizedPnL.Equal(decimal.NewFromInt(10)))
}

func TestApplyFill_FullCloseGoesFlat(t *testing.T) {
	st := newState()
	require.NoError(t, ApplyFill(st, fill(core.SideBuy, 1000, 0.1)))
	require.NoError(t, ApplyFill(st, fill(core.SideSell, 900, 0.1)))

	assert.True(t, st.Flat())
	assert.True(t, st.PositionAvgCost.IsZero())
	assert.Equal(t, core.PositionSide(""), st.PositionSide)
	assert.True(t, st.RealizedPnL.Equal(decimal.NewFromInt(-10)))
}

func TestApplyFill_FlipOpensReversed(t *testing.T) {
	st := newState()
	require.NoError(t, ApplyFill(st, fill(core.SideBuy, 1000, 0.1)))
	require.NoError(t, ApplyFill(st, fill(core.SideSell, 1050, 0.3)))

	// 0.1 closed at +5 realized, residual 0.2 opens short at 1050
	assert.Equal(t, core.PositionShort, st.PositionSide)
	assert.True(t, st.PositionQuantity.Equal(decimal.NewFromFloat(-0.2)))
	assert.True(t, st.PositionAvgCost.Equal(decimal.NewFromInt(1050)))
	assert.True(t, st.RealizedPnL.Equal(decimal.NewFromInt(5)))
}

func TestApplyFill_ShortSide(t *testing.T) {
	st := newState()
	require.NoError(t, ApplyFill(st, fill(core.SideSell, 1000, 0.1)))
	assert.Equal(t, core.PositionShort, st.PositionSide)

	require.NoError(t, ApplyFill(st, fill(core.SideBuy, 950, 0.1)))
	// realized = (1000-950)*0.1 = 5
	assert.True(t, st.RealizedPnL.Equal(decimal.NewFromInt(5)))
	assert.True(t, st.Flat())
}

// cash_balance == initial_balance + realized_pnl after any fill sequence
func TestCashTracksRealizedPnl(t *testing.T) {
	st := newState()
	fills := []*core.Trade{
		fill(core.SideBuy, 30000, 0.01),
		fill(core.SideBuy, 29800, 0.02),
		fill(core.SideSell, 30100, 0.015),
		fill(core.SideSell, 29900, 0.02),
		fill(core.SideBuy, 29500, 0.005),
	}
	for _, f := range fills {
		require.NoError(t, ApplyFill(st, f))
		assert.True(t, st.CashBalance.Sub(st.InitialBalance).Equal(st.RealizedPnL),
			"cash - initial must equal realized after every fill")
	}
}

// Replaying a fill sequence into a fresh state equals incremental folding.
func TestReplayEquivalence(t *testing.T) {
	fills := []*core.Trade{
		fill(core.SideBuy, 100, 1),
		fill(core.SideBuy, 90, 2),
		fill(core.SideSell, 110, 1.5),
		fill(core.SideSell, 95, 2),
		fill(core.SideBuy, 92, 0.5),
	}

	incremental := newState()
	for _, f := range fills {
		require.NoError(t, ApplyFill(incremental, f))
	}

	replayed := newState()
	for _, f := range fills {
		require.NoError(t, ApplyFill(replayed, f))
	}

	assert.True(t, incremental.PositionQuantity.Equal(replayed.PositionQuantity))
	assert.True(t, incremental.PositionAvgCost.Equal(replayed.PositionAvgCost))
	assert.True(t, incremental.RealizedPnL.Equal(replayed.RealizedPnL))
	assert.True(t, incremental.CashBalance.Equal(replayed.CashBalance))
}

func TestApplyFill_RejectsDegenerateInput(t *testing.T) {
	st := newState()
	assert.Error(t, ApplyFill(st, fill(core.SideBuy, 0, 1)))
	assert.Error(t, ApplyFill(st, fill(core.SideBuy, -5, 1)))
	assert.Error(t, ApplyFill(st, fill(core.SideBuy, 100, 0)))
	assert.Error(t, ApplyFill(st, fill(core.SideBuy, 1e10, 1e10)))
}

func TestUnrealized(t *testing.T) {
	st := newState()
	assert.True(t, Unrealized(st, decimal.NewFromInt(123)).IsZero())

	require.NoError(t, ApplyFill(st, fill(core.SideBuy, 1000, 0.2)))
	u := Unrealized(st, decimal.NewFromInt(1050))
	assert.True(t, u.Equal(decimal.NewFromInt(10)))

	total := TotalBalance(st, decimal.NewFromInt(1050))
	assert.True(t, total.Equal(st.CashBalance.Add(decimal.NewFromInt(10))))

	st2 := newState()
	require.NoError(t, ApplyFill(st2, fill(core.SideSell, 1000, 0.2)))
	u2 := Unrealized(st2, decimal.NewFromInt(950))
	assert.True(t, u2.Equal(decimal.NewFromInt(10)))
}

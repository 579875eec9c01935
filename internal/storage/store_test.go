package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_engine/internal/core"
	"trading_engine/internal/mock"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), &mock.Logger{})
	require.NoError(t, err)
	return s
}

func TestStrategiesRoundTrip(t *testing.T) {
	s := newStore(t)

	// Missing file is an empty list, not an error
	got, err := s.LoadStrategies()
	require.NoError(t, err)
	assert.Empty(t, got)

	strategies := []*core.Strategy{
		{
			ID:        "grid-btc-1",
			Name:      "btc grid",
			Symbol:    "BTCUSDT",
			Timeframe: core.Timeframe1h,
			Type:      core.StrategyGridOTT,
			Parameters: map[string]float64{
				"y": 150, "usd_quantity": 100,
			},
			OTT:    core.OTTParams{Period: 14, Opt: 2.2},
			Active: true,
		},
	}
	require.NoError(t, s.SaveStrategies(strategies))

	got, err = s.LoadStrategies()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "grid-btc-1", got[0].ID)
	assert.Equal(t, core.StrategyGridOTT, got[0].Type)
	assert.Equal(t, 150.0, got[0].Parameters["y"])
}

func TestStateRoundTrip(t *testing.T) {
	s := newStore(t)

	got, err := s.LoadState("missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	st := &core.State{
		StrategyID:       "grid-btc-1",
		Symbol:           "BTCUSDT",
		Type:             core.StrategyGridOTT,
		LastBarTimestamp: 1700000000000,
		InitialBalance:   core.DefaultInitialBalance,
		CashBalance:      decimal.NewFromInt(1010),
		RealizedPnL:      decimal.NewFromInt(10),
		PositionQuantity: decimal.NewFromFloat(0.02),
		PositionAvgCost:  decimal.NewFromInt(30000),
		PositionSide:     core.PositionLong,
		Grid:             &core.GridState{GF: decimal.NewFromInt(30150)},
		LastUpdate:       time.Now().UTC(),
	}
	require.NoError(t, s.SaveState(st))

	got, err = s.LoadState("grid-btc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Grid)
	assert.Nil(t, got.DCA)
	assert.Nil(t, got.BolGrid)
	assert.True(t, got.Grid.GF.Equal(decimal.NewFromInt(30150)))
	assert.True(t, got.CashBalance.Equal(decimal.NewFromInt(1010)))
	assert.Equal(t, int64(1700000000000), got.LastBarTimestamp)
}

func TestSaveStateLeavesNoTempFile(t *testing.T) {
	s := newStore(t)
	st := &core.State{StrategyID: "x", CashBalance: decimal.NewFromInt(1)}
	require.NoError(t, s.SaveState(st))
	require.NoError(t, s.SaveState(st))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "x"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestPendingOrdersRoundTrip(t *testing.T) {
	s := newStore(t)

	got, err := s.LoadPendingOrders("grid-btc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got)

	pending := map[string]*core.PendingOrder{
		"internal-1": {
			InternalID: "internal-1",
			StrategyID: "grid-btc-1",
			OrderID:    "123456",
			Side:       core.SideBuy,
			Quantity:   decimal.NewFromFloat(0.01),
			Price:      decimal.NewFromInt(29850),
			Type:       core.OrderTypeLimit,
			Status:     core.Submitted,
			CreatedAt:  time.Now().UTC(),
		},
	}
	require.NoError(t, s.SavePendingOrders("grid-btc-1", pending))

	got, err = s.LoadPendingOrders("grid-btc-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, core.Submitted, got["internal-1"].Status)
	assert.True(t, got["internal-1"].Price.Equal(decimal.NewFromInt(29850)))
}

func TestPositionLimitsDefaultAndRoundTrip(t *testing.T) {
	s := newStore(t)

	limits, err := s.LoadPositionLimits()
	require.NoError(t, err)
	assert.True(t, limits.MaxPositionUSD.Equal(decimal.NewFromInt(2000)))
	assert.True(t, limits.MinPositionUSD.Equal(decimal.NewFromInt(-1200)))

	limits.MaxPositionUSD = decimal.NewFromInt(5000)
	require.NoError(t, s.SavePositionLimits(limits))

	got, err := s.LoadPositionLimits()
	require.NoError(t, err)
	assert.True(t, got.MaxPositionUSD.Equal(decimal.NewFromInt(5000)))
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestAppendAndLoadTrades(t *testing.T) {
	s := newStore(t)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	t1 := &core.Trade{
		Timestamp:  base,
		StrategyID: "grid-btc-1",
		Side:       core.SideBuy,
		Price:      decimal.NewFromInt(29850),
		Quantity:   decimal.NewFromFloat(0.01),
		Notional:   decimal.NewFromFloat(298.5),
		OrderID:    "123",
		LimitPrice: decimal.NewFromInt(29850),
		Z:          1,
		GFBefore:   decimal.NewFromInt(30000),
		GFAfter:    decimal.NewFromInt(29850),
	}
	t2 := &core.Trade{
		Timestamp:  base.Add(time.Hour),
		StrategyID: "grid-btc-1",
		Side:       core.SideSell,
		Price:      decimal.NewFromInt(30150),
		Quantity:   decimal.NewFromFloat(0.01),
		Notional:   decimal.NewFromFloat(301.5),
		OrderID:    "124",
		LimitPrice: decimal.NewFromInt(30150),
		Z:          2,
		GFBefore:   decimal.NewFromInt(29850),
		GFAfter:    decimal.NewFromInt(30150),
		CycleInfo:  "D1-2",
	}
	require.NoError(t, s.AppendTrade(t1))
	require.NoError(t, s.AppendTrade(t2))

	all, err := s.LoadTrades("grid-btc-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, core.SideBuy, all[0].Side)
	assert.True(t, all[0].GFAfter.Equal(decimal.NewFromInt(29850)))
	assert.Equal(t, int64(2), all[1].Z)
	assert.Equal(t, "D1-2", all[1].CycleInfo)

	// since filter keeps only the later row
	recent, err := s.LoadTrades("grid-btc-1", base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "124", recent[0].OrderID)
}

func TestLoadTradesMissingFile(t *testing.T) {
	s := newStore(t)
	trades, err := s.LoadTrades("nobody", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestCorruptStateIsAnError(t *testing.T) {
	s := newStore(t)
	dir := filepath.Join(s.Root(), "bad")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o644))

	_, err := s.LoadState("bad")
	assert.Error(t, err)
}

package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_engine/internal/core"
	"trading_engine/internal/mock"
	"trading_engine/internal/storage"
)

type stubHandler struct {
	fills []*core.Trade
}

func (h *stubHandler) InitializeState(strategy *core.Strategy, state *core.State) {}
func (h *stubHandler) ValidateConfig(strategy *core.Strategy) error               { return nil }
func (h *stubHandler) CalculateSignal(strategy *core.Strategy, state *core.State, price decimal.Decimal, ott *core.OTTResult, market *core.MarketInfo, candles []core.Candle) (*core.Signal, error) {
	return core.NoSignal("stub"), nil
}
func (h *stubHandler) ProcessFill(strategy *core.Strategy, state *core.State, trade *core.Trade) error {
	for _, id := range state.RecentOrderIDs {
		if id == trade.OrderID {
			return nil
		}
	}
	h.fills = append(h.fills, trade)
	if trade.Side == core.SideBuy {
		state.PositionQuantity = state.PositionQuantity.Add(trade.Quantity)
	} else {
		state.PositionQuantity = state.PositionQuantity.Sub(trade.Quantity)
	}
	state.RecentOrderIDs = append(state.RecentOrderIDs, trade.OrderID)
	return nil
}

type fixture struct {
	store    *storage.FileStore
	exchange *mock.Exchange
	alerter  *mock.Alerter
	manager  *Manager
	strategy *core.Strategy
	state    *core.State
	handler  *stubHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), &mock.Logger{})
	require.NoError(t, err)

	exchange := mock.NewExchange()
	alerter := &mock.Alerter{}
	manager := NewManager(store, exchange, alerter, &mock.Logger{}, 4*time.Minute, 5*time.Minute)

	strategy := &core.Strategy{
		ID:     "grid-1",
		Symbol: "BTCUSDT",
		Type:   core.StrategyGridOTT,
	}
	state := &core.State{
		StrategyID:     "grid-1",
		Symbol:         "BTCUSDT",
		Type:           core.StrategyGridOTT,
		InitialBalance: core.DefaultInitialBalance,
		CashBalance:    core.DefaultInitialBalance,
	}
	return &fixture{
		store: store, exchange: exchange, alerter: alerter,
		manager: manager, strategy: strategy, state: state,
		handler: &stubHandler{},
	}
}

func buySignal(price, qty float64) *core.Signal {
	return &core.Signal{
		ShouldTrade: true,
		Side:        core.SideBuy,
		TargetPrice: decimal.NewFromFloat(price),
		Quantity:    decimal.NewFromFloat(qty),
	}
}

func TestCreateLogsIntentThenSubmits(t *testing.T) {
	f := newFixture(t)

	entry, err := f.manager.Create(context.Background(), f.strategy, buySignal(30000, 0.01), "D1-1")
	require.NoError(t, err)
	assert.Equal(t, core.Submitted, entry.Status)
	assert.Equal(t, "mock-1", entry.OrderID)
	assert.Equal(t, "D1-1", entry.CycleInfo)

	pending, err := f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, core.Submitted, pending[entry.InternalID].Status)

	require.Len(t, f.exchange.Created, 1)
	assert.Equal(t, core.OrderTypeLimit, f.exchange.Created[0].Type)
}

func TestCreateMarketOrderForZeroTarget(t *testing.T) {
	f := newFixture(t)

	sig := &core.Signal{ShouldTrade: true, Side: core.SideSell, Quantity: decimal.NewFromFloat(0.02)}
	entry, err := f.manager.Create(context.Background(), f.strategy, sig, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderTypeMarket, entry.Type)
	assert.Equal(t, core.OrderTypeMarket, f.exchange.Created[0].Type)
}

func TestCreateSubmitFailureLeavesTombstone(t *testing.T) {
	f := newFixture(t)
	f.exchange.FailCreate = assert.AnError

	_, err := f.manager.Create(context.Background(), f.strategy, buySignal(30000, 0.01), "")
	require.Error(t, err)

	pending, err := f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	for _, entry := range pending {
		assert.Equal(t, core.SubmitFailed, entry.Status)
	}
	assert.Equal(t, 1, f.alerter.Count())

	// The tombstone is swept on the next reconcile pass
	require.NoError(t, f.manager.Reconcile(context.Background(), f.strategy, f.state, f.handler))
	pending, err = f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHasPending(t *testing.T) {
	f := newFixture(t)

	has, err := f.manager.HasPending("grid-1")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = f.manager.Create(context.Background(), f.strategy, buySignal(30000, 0.01), "")
	require.NoError(t, err)

	has, err = f.manager.HasPending("grid-1")
	require.NoError(t, err)
	assert.True(t, has)
}

// A fill that landed while the process was down is discovered on the first
// reconcile pass after restart and folded exactly once.
func TestCrashRecoveryProcessesFillOnce(t *testing.T) {
	f := newFixture(t)

	// Pre-state: the WAL survived a crash with one submitted order.
	wal := map[string]*core.PendingOrder{
		"int-1": {
			InternalID: "int-1",
			StrategyID: "grid-1",
			OrderID:    "77",
			Side:       core.SideBuy,
			Quantity:   decimal.NewFromFloat(0.01),
			Price:      decimal.NewFromInt(30000),
			Type:       core.OrderTypeLimit,
			Status:     core.Submitted,
			CreatedAt:  time.Now().UTC().Add(-time.Minute),
			CycleInfo:  "D1-1",
		},
	}
	require.NoError(t, f.store.SavePendingOrders("grid-1", wal))
	f.exchange.SetFilled("77", decimal.NewFromInt(30000), decimal.NewFromFloat(0.01))

	require.NoError(t, f.manager.Reconcile(context.Background(), f.strategy, f.state, f.handler))

	require.Len(t, f.handler.fills, 1)
	fill := f.handler.fills[0]
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(30000)))
	assert.True(t, fill.Quantity.Equal(decimal.NewFromFloat(0.01)))
	assert.Equal(t, "D1-1", fill.CycleInfo)
	assert.Equal(t, "77", fill.OrderID)

	// State and trade row both persisted, WAL drained
	saved, err := f.store.LoadState("grid-1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.True(t, saved.PositionQuantity.Equal(decimal.NewFromFloat(0.01)))

	trades, err := f.store.LoadTrades("grid-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	pending, err := f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Second pass with no exchange changes is a no-op
	require.NoError(t, f.manager.Reconcile(context.Background(), f.strategy, f.state, f.handler))
	assert.Len(t, f.handler.fills, 1)
	trades, err = f.store.LoadTrades("grid-1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

// If the WAL drop is lost after the fill already landed, the replayed entry
// must not write a second trade row.
func TestReconcileReplayDoesNotDuplicateTrade(t *testing.T) {
	f := newFixture(t)

	entry, err := f.manager.Create(context.Background(), f.strategy, buySignal(30000, 0.01), "D1-1")
	require.NoError(t, err)
	f.exchange.SetFilled(entry.OrderID, decimal.NewFromInt(30000), decimal.NewFromFloat(0.01))

	require.NoError(t, f.manager.Reconcile(context.Background(), f.strategy, f.state, f.handler))
	trades, err := f.store.LoadTrades("grid-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	// The drop never hit disk: put the submitted entry back.
	require.NoError(t, f.store.SavePendingOrders("grid-1",
		map[string]*core.PendingOrder{entry.InternalID: entry}))

	require.NoError(t, f.manager.Reconcile(context.Background(), f.strategy, f.state, f.handler))

	trades, err = f.store.LoadTrades("grid-1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Len(t, f.handler.fills, 1)
	assert.True(t, f.state.PositionQuantity.Equal(decimal.NewFromFloat(0.01)))

	pending, err := f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReconcileDropsTerminalOrders(t *testing.T) {
	f := newFixture(t)

	entry, err := f.manager.Create(context.Background(), f.strategy, buySignal(30000, 0.01), "")
	require.NoError(t, err)
	f.exchange.SetStatus(&core.OrderStatusDetail{OrderID: entry.OrderID, Status: core.OrderStateCanceled})

	require.NoError(t, f.manager.Reconcile(context.Background(), f.strategy, f.state, f.handler))
	pending, err := f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, f.handler.fills)
}

func TestReconcileFoldsPartialFillOnCancel(t *testing.T) {
	f := newFixture(t)

	entry, err := f.manager.Create(context.Background(), f.strategy, buySignal(30000, 0.01), "")
	require.NoError(t, err)
	f.exchange.SetStatus(&core.OrderStatusDetail{
		OrderID:      entry.OrderID,
		Status:       core.OrderStateCanceled,
		FilledQty:    decimal.NewFromFloat(0.004),
		AveragePrice: decimal.NewFromInt(29999),
	})

	require.NoError(t, f.manager.Reconcile(context.Background(), f.strategy, f.state, f.handler))
	require.Len(t, f.handler.fills, 1)
	assert.True(t, f.handler.fills[0].Quantity.Equal(decimal.NewFromFloat(0.004)))
	assert.True(t, f.handler.fills[0].Price.Equal(decimal.NewFromInt(29999)))

	pending, err := f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// An order the exchange stopped reporting is assumed lost once it exceeds
// the ghost timeout, and is actively cancelled.
func TestReconcileCancelsGhostOrders(t *testing.T) {
	f := newFixture(t)

	wal := map[string]*core.PendingOrder{
		"int-9": {
			InternalID: "int-9",
			StrategyID: "grid-1",
			OrderID:    "404",
			Side:       core.SideBuy,
			Quantity:   decimal.NewFromFloat(0.01),
			Price:      decimal.NewFromInt(30000),
			Type:       core.OrderTypeLimit,
			Status:     core.Submitted,
			CreatedAt:  time.Now().UTC().Add(-10 * time.Minute),
		},
	}
	require.NoError(t, f.store.SavePendingOrders("grid-1", wal))

	require.NoError(t, f.manager.Reconcile(context.Background(), f.strategy, f.state, f.handler))

	assert.Contains(t, f.exchange.Canceled, "404")
	pending, err := f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1, f.alerter.Count())
}

func TestReconcileLeavesYoungMissingOrders(t *testing.T) {
	f := newFixture(t)

	wal := map[string]*core.PendingOrder{
		"int-9": {
			InternalID: "int-9",
			StrategyID: "grid-1",
			OrderID:    "404",
			Status:     core.Submitted,
			CreatedAt:  time.Now().UTC().Add(-time.Minute),
		},
	}
	require.NoError(t, f.store.SavePendingOrders("grid-1", wal))

	require.NoError(t, f.manager.Reconcile(context.Background(), f.strategy, f.state, f.handler))
	pending, err := f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Empty(t, f.exchange.Canceled)
}

// No SUBMITTED order older than the timeout survives two reconcile passes.
func TestStaleOpenOrderCancelledWithinTwoPasses(t *testing.T) {
	f := newFixture(t)

	entry, err := f.manager.Create(context.Background(), f.strategy, buySignal(30000, 0.01), "")
	require.NoError(t, err)

	// Age the entry past the order timeout; the exchange still shows it open.
	pending, err := f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	pending[entry.InternalID].CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, f.store.SavePendingOrders("grid-1", pending))

	// Pass one: cancel is issued, entry marked pending-cancel.
	require.NoError(t, f.manager.Reconcile(context.Background(), f.strategy, f.state, f.handler))
	assert.Contains(t, f.exchange.Canceled, entry.OrderID)
	pending, err = f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	for _, e := range pending {
		assert.Equal(t, core.PendingCancel, e.Status)
	}

	// Pass two: the exchange reports it canceled and the entry is dropped.
	require.NoError(t, f.manager.Reconcile(context.Background(), f.strategy, f.state, f.handler))
	pending, err = f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancelAll(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Create(context.Background(), f.strategy, buySignal(30000, 0.01), "")
	require.NoError(t, err)
	_, err = f.manager.Create(context.Background(), f.strategy, buySignal(29900, 0.01), "")
	require.NoError(t, err)

	require.NoError(t, f.manager.CancelAll(context.Background(), f.strategy))
	assert.Len(t, f.exchange.Canceled, 2)

	pending, err := f.store.LoadPendingOrders("grid-1")
	require.NoError(t, err)
	for _, e := range pending {
		assert.Equal(t, core.PendingCancel, e.Status)
	}
}

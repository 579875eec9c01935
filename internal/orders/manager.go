// Package orders owns the crash-safe order lifecycle: every order is logged
// to the per-strategy write-ahead log before it is sent, and a reconcile pass
// folds exchange fills back into strategy state exactly once.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading_engine/internal/alert"
	"trading_engine/internal/core"
	"trading_engine/pkg/telemetry"
)

// Manager drives order submission and reconciliation for all strategies.
// The disk WAL is authoritative: it is reloaded at the start of every pass.
type Manager struct {
	store    core.IStore
	exchange core.IExchange
	alerter  core.IAlerter
	logger   core.ILogger

	// orderTimeout cancels orders still open after this long
	orderTimeout time.Duration
	// ghostTimeout cancels submitted orders the exchange stopped reporting
	ghostTimeout time.Duration

	now func() time.Time
}

// NewManager creates the order manager
func NewManager(store core.IStore, exchange core.IExchange, alerter core.IAlerter, logger core.ILogger, orderTimeout, ghostTimeout time.Duration) *Manager {
	return &Manager{
		store:        store,
		exchange:     exchange,
		alerter:      alerter,
		logger:       logger.WithField("component", "order_manager"),
		orderTimeout: orderTimeout,
		ghostTimeout: ghostTimeout,
		now:          time.Now,
	}
}

// Create logs the order intent to the WAL, submits it, and records the
// outcome. The WAL write always lands before the exchange call, so a crash
// at any point leaves a reconcilable trail.
func (m *Manager) Create(ctx context.Context, strategy *core.Strategy, signal *core.Signal, cycleInfo string) (*core.PendingOrder, error) {
	pending, err := m.store.LoadPendingOrders(strategy.ID)
	if err != nil {
		return nil, err
	}

	entry := &core.PendingOrder{
		InternalID: uuid.NewString(),
		StrategyID: strategy.ID,
		Side:       signal.Side,
		Quantity:   signal.Quantity,
		Price:      signal.TargetPrice,
		Type:       core.OrderTypeLimit,
		Status:     core.PendingSubmit,
		CreatedAt:  m.now().UTC(),
		UpdatedAt:  m.now().UTC(),
		CycleInfo:  cycleInfo,
	}
	if signal.TargetPrice.IsZero() {
		entry.Type = core.OrderTypeMarket
	}

	pending[entry.InternalID] = entry
	if err := m.store.SavePendingOrders(strategy.ID, pending); err != nil {
		return nil, err
	}

	var ack *core.OrderAck
	if entry.Type == core.OrderTypeLimit {
		ack, err = m.exchange.CreateLimitOrder(ctx, strategy.Symbol, entry.Side, entry.Quantity, entry.Price)
	} else {
		ack, err = m.exchange.CreateMarketOrder(ctx, strategy.Symbol, entry.Side, entry.Quantity)
	}

	if err != nil {
		entry.Status = core.SubmitFailed
		entry.UpdatedAt = m.now().UTC()
		if saveErr := m.store.SavePendingOrders(strategy.ID, pending); saveErr != nil {
			m.logger.Error("Failed to persist submit failure", "strategy", strategy.ID, "error", saveErr)
		}
		m.alerter.Alert(ctx, "Order submission failed",
			fmt.Sprintf("%s %s %s @ %s: %v", strategy.ID, entry.Side, entry.Quantity, entry.Price, err),
			alert.LevelError, map[string]string{"strategy": strategy.ID})
		return nil, fmt.Errorf("submit order for %s: %w", strategy.ID, err)
	}

	entry.OrderID = ack.OrderID
	entry.Status = core.Submitted
	entry.UpdatedAt = m.now().UTC()
	if err := m.store.SavePendingOrders(strategy.ID, pending); err != nil {
		// The order is live on the exchange; reconciliation will pick it up
		// from the PENDING_SUBMIT entry via the ghost guard.
		m.logger.Error("Failed to persist submitted order", "strategy", strategy.ID, "order_id", ack.OrderID, "error", err)
	}

	telemetry.GetGlobalMetrics().CountOrderPlaced(ctx, strategy.ID)
	m.logger.Info("Order submitted",
		"strategy", strategy.ID, "side", entry.Side, "qty", entry.Quantity.String(),
		"price", entry.Price.String(), "order_id", ack.OrderID, "internal_id", entry.InternalID)
	return entry, nil
}

// HasPending reports whether the strategy has unresolved WAL entries. Used
// as back-pressure: no new signals while an order is in flight.
func (m *Manager) HasPending(strategyID string) (bool, error) {
	pending, err := m.store.LoadPendingOrders(strategyID)
	if err != nil {
		return false, err
	}
	for _, entry := range pending {
		if entry.Status == core.Submitted || entry.Status == core.PendingSubmit || entry.Status == core.PendingCancel {
			return true, nil
		}
	}
	return false, nil
}

// Reconcile reloads the WAL from disk, queries the exchange for every
// tracked order, and resolves each entry: fills are folded into state and
// the trade log, terminal orders are dropped, stale orders are canceled.
func (m *Manager) Reconcile(ctx context.Context, strategy *core.Strategy, state *core.State, handler core.IStrategyHandler) error {
	pending, err := m.store.LoadPendingOrders(strategy.ID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	var orderIDs []string
	for _, entry := range pending {
		if entry.OrderID != "" {
			orderIDs = append(orderIDs, entry.OrderID)
		}
	}

	details := map[string]*core.OrderStatusDetail{}
	if len(orderIDs) > 0 {
		statuses, err := m.exchange.CheckOrderStatusDetailed(ctx, strategy.Symbol, orderIDs)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", strategy.ID, err)
		}
		for _, d := range statuses {
			details[d.OrderID] = d
		}
	}

	dirty := false
	for internalID, entry := range pending {
		prevStatus := entry.Status
		resolved, err := m.resolveEntry(ctx, strategy, state, handler, entry, details[entry.OrderID])
		if err != nil {
			return err
		}
		if resolved {
			delete(pending, internalID)
			dirty = true
		} else if entry.Status != prevStatus {
			dirty = true
		}
	}

	if dirty {
		if err := m.store.SavePendingOrders(strategy.ID, pending); err != nil {
			return err
		}
	}
	telemetry.GetGlobalMetrics().CountReconcilePass(ctx, strategy.ID)
	return nil
}

// resolveEntry handles one WAL entry and reports whether it is finished
func (m *Manager) resolveEntry(ctx context.Context, strategy *core.Strategy, state *core.State, handler core.IStrategyHandler, entry *core.PendingOrder, detail *core.OrderStatusDetail) (bool, error) {
	age := m.now().Sub(entry.CreatedAt)

	switch entry.Status {
	case core.SubmitFailed:
		// Nothing reached the exchange; the entry is just a tombstone.
		return true, nil

	case core.PendingSubmit:
		// Crashed between the WAL write and the exchange ack. The order id is
		// unknown, so the order cannot be tracked; give the exchange time to
		// show it among open orders, then drop.
		if age < m.ghostTimeout {
			return false, nil
		}
		m.logger.Warn("Dropping unacknowledged order intent",
			"strategy", strategy.ID, "internal_id", entry.InternalID, "age", age.String())
		m.alerter.Alert(ctx, "Unacknowledged order dropped",
			fmt.Sprintf("%s: intent %s never received an exchange ack", strategy.ID, entry.InternalID),
			alert.LevelWarning, map[string]string{"strategy": strategy.ID})
		return true, nil
	}

	// SUBMITTED or PENDING_CANCEL from here on.
	if detail == nil {
		// The exchange stopped reporting the order. Transient lag is normal;
		// a long silence means the order is gone and must not block forever.
		if age < m.ghostTimeout {
			return false, nil
		}
		if err := m.exchange.CancelOrder(ctx, strategy.Symbol, entry.OrderID); err != nil {
			return false, err
		}
		m.logger.Warn("Ghost order canceled",
			"strategy", strategy.ID, "order_id", entry.OrderID, "age", age.String())
		m.alerter.Alert(ctx, "Ghost order canceled",
			fmt.Sprintf("%s: order %s vanished from the exchange", strategy.ID, entry.OrderID),
			alert.LevelWarning, map[string]string{"strategy": strategy.ID})
		return true, nil
	}

	switch detail.Status {
	case core.OrderStateFilled:
		if err := m.applyFill(ctx, strategy, state, handler, entry, detail); err != nil {
			return false, err
		}
		return true, nil

	case core.OrderStateCanceled, core.OrderStateExpired, core.OrderStateRejected:
		// A cancel can still carry a partial execution; fold it first.
		if detail.FilledQty.IsPositive() {
			if err := m.applyFill(ctx, strategy, state, handler, entry, detail); err != nil {
				return false, err
			}
		}
		return true, nil

	case core.OrderStateOpen, core.OrderStatePartiallyFilled:
		if age > m.orderTimeout && entry.Status != core.PendingCancel {
			if err := m.exchange.CancelOrder(ctx, strategy.Symbol, entry.OrderID); err != nil {
				return false, err
			}
			entry.Status = core.PendingCancel
			entry.UpdatedAt = m.now().UTC()
			m.logger.Info("Stale order cancel requested",
				"strategy", strategy.ID, "order_id", entry.OrderID, "age", age.String())
		}
		return false, nil
	}
	return false, nil
}

// applyFill folds an executed order into state, persists the state, then
// appends the trade row. The WAL entry is removed only after both land.
func (m *Manager) applyFill(ctx context.Context, strategy *core.Strategy, state *core.State, handler core.IStrategyHandler, entry *core.PendingOrder, detail *core.OrderStatusDetail) error {
	// A replayed fill: state and trade row already landed and only the WAL
	// drop was lost. Let the caller remove the entry without appending a
	// second trade row.
	for _, id := range state.RecentOrderIDs {
		if id == entry.OrderID {
			m.logger.Info("Dropping already-reconciled fill",
				"strategy", strategy.ID, "order_id", entry.OrderID)
			return nil
		}
	}

	price := detail.AveragePrice
	if !price.IsPositive() {
		price = entry.Price
	}
	qty := detail.FilledQty
	if !qty.IsPositive() {
		qty = entry.Quantity
	}

	trade := &core.Trade{
		Timestamp:  m.now().UTC(),
		StrategyID: strategy.ID,
		Side:       entry.Side,
		Price:      price,
		Quantity:   qty,
		Notional:   price.Mul(qty),
		OrderID:    entry.OrderID,
		CycleInfo:  entry.CycleInfo,
		LimitPrice: entry.Price,
	}
	if entry.Type == core.OrderTypeMarket {
		trade.LimitPrice = decimal.Zero
	}

	if err := handler.ProcessFill(strategy, state, trade); err != nil {
		return fmt.Errorf("process fill %s/%s: %w", strategy.ID, entry.OrderID, err)
	}
	state.LastUpdate = m.now().UTC()
	if err := m.store.SaveState(state); err != nil {
		return err
	}
	if err := m.store.AppendTrade(trade); err != nil {
		return err
	}

	telemetry.GetGlobalMetrics().CountFill(ctx, strategy.ID, string(entry.Side))
	m.logger.Info("Fill reconciled",
		"strategy", strategy.ID, "order_id", entry.OrderID, "side", entry.Side,
		"price", price.String(), "qty", qty.String(), "cycle", entry.CycleInfo)
	return nil
}

// CancelAll cancels every tracked order for the strategy and marks the WAL
// entries so the next reconcile pass can drop them.
func (m *Manager) CancelAll(ctx context.Context, strategy *core.Strategy) error {
	pending, err := m.store.LoadPendingOrders(strategy.ID)
	if err != nil {
		return err
	}

	dirty := false
	for _, entry := range pending {
		if entry.Status != core.Submitted || entry.OrderID == "" {
			continue
		}
		if err := m.exchange.CancelOrder(ctx, strategy.Symbol, entry.OrderID); err != nil {
			return err
		}
		entry.Status = core.PendingCancel
		entry.UpdatedAt = m.now().UTC()
		dirty = true
	}
	if dirty {
		return m.store.SavePendingOrders(strategy.ID, pending)
	}
	return nil
}

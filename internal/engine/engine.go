// Package engine drives the per-strategy execution loop: reconcile, market
// data, indicators, signal, risk gate, order placement, state persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading_engine/internal/alert"
	"trading_engine/internal/core"
	"trading_engine/internal/indicator"
	"trading_engine/internal/orders"
	"trading_engine/internal/trading/strategy"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/telemetry"
)

// candleHeadroom extends the OHLCV fetch beyond the indicator period so the
// last closed bar always has a full lookback window.
const candleHeadroom = 10

// duplicateTolerance is the price distance under which a signal target is
// considered a duplicate of an already-open exchange order.
var duplicateTolerance = decimal.New(1, -4)

// Engine runs one strategy at a time. All per-strategy work is serialized by
// a strategy-scoped mutex; the scheduler never ticks two strategies at once,
// but reconciliation and health-driven disables may arrive concurrently.
type Engine struct {
	store    core.IStore
	exchange core.IExchange
	orders   *orders.Manager
	risk     core.IRiskGate
	alerter  core.IAlerter
	logger   core.ILogger

	maxErrors    int
	riskCooldown time.Duration

	mu            sync.Mutex
	locks         map[string]*sync.Mutex
	errorCounts   map[string]int
	lastRiskAlert map[string]time.Time

	now func() time.Time
}

// NewEngine creates the strategy engine
func NewEngine(store core.IStore, exchange core.IExchange, orderManager *orders.Manager, risk core.IRiskGate, alerter core.IAlerter, logger core.ILogger, maxErrors int, riskCooldown time.Duration) *Engine {
	if maxErrors < 1 {
		maxErrors = 5
	}
	return &Engine{
		store:         store,
		exchange:      exchange,
		orders:        orderManager,
		risk:          risk,
		alerter:       alerter,
		logger:        logger.WithField("component", "engine"),
		maxErrors:     maxErrors,
		riskCooldown:  riskCooldown,
		locks:         make(map[string]*sync.Mutex),
		errorCounts:   make(map[string]int),
		lastRiskAlert: make(map[string]time.Time),
		now:           time.Now,
	}
}

func (e *Engine) lockFor(strategyID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[strategyID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[strategyID] = lock
	}
	return lock
}

// Tick runs one full pass for a strategy under its lock. Errors are absorbed
// into the consecutive-error counter; at the limit the strategy is disabled.
func (e *Engine) Tick(ctx context.Context, strat *core.Strategy) {
	lock := e.lockFor(strat.ID)
	lock.Lock()
	defer lock.Unlock()

	start := e.now()
	telemetry.GetGlobalMetrics().CountTick(ctx, strat.ID)

	err := e.tick(ctx, strat)
	telemetry.GetGlobalMetrics().RecordTickLatency(ctx, strat.ID, e.now().Sub(start).Seconds())

	e.mu.Lock()
	if err == nil {
		e.errorCounts[strat.ID] = 0
		e.mu.Unlock()
		return
	}
	e.errorCounts[strat.ID]++
	count := e.errorCounts[strat.ID]
	e.mu.Unlock()

	telemetry.GetGlobalMetrics().CountStrategyError(ctx, strat.ID)
	e.logger.Error("Tick failed", "strategy", strat.ID, "consecutive_errors", count, "error", err)

	if count >= e.maxErrors {
		reason := fmt.Sprintf("%d consecutive tick errors, last: %v", count, err)
		if derr := e.deactivate(ctx, strat, reason); derr != nil {
			e.logger.Error("Deactivation failed", "strategy", strat.ID, "error", derr)
		}
	}
}

func (e *Engine) tick(ctx context.Context, strat *core.Strategy) error {
	handler, err := strategy.ForType(strat.Type)
	if err != nil {
		return err
	}

	state, err := e.store.LoadState(strat.ID)
	if err != nil {
		return err
	}
	if state == nil {
		state = strategy.NewState(strat, handler)
	}

	if err := e.orders.Reconcile(ctx, strat, state, handler); err != nil {
		return err
	}

	// Back-pressure: one order in flight at a time per strategy.
	pending, err := e.orders.HasPending(strat.ID)
	if err != nil {
		return err
	}
	if pending {
		e.logger.Debug("Orders in flight, skipping signal", "strategy", strat.ID)
		return nil
	}

	market, err := e.exchange.GetMarketInfo(ctx, strat.Symbol)
	if err != nil {
		return err
	}

	limit := strat.OTT.Period + candleHeadroom
	if strat.Type == core.StrategyBolGrid {
		limit = int(strat.Param("bollinger_period", 20)) + candleHeadroom
	}
	candles, err := e.exchange.FetchOHLCV(ctx, strat.Symbol, strat.Timeframe, limit)
	if err != nil {
		return err
	}
	if len(candles) < 2 {
		e.logger.Debug("Not enough candles", "strategy", strat.ID, "count", len(candles))
		return nil
	}

	// The newest bar may still be open; everything before it is closed.
	closed := candles[:len(candles)-1]
	lastBar := closed[len(closed)-1]
	if state.LastBarTimestamp >= lastBar.OpenTime {
		e.logger.Debug("Bar already processed", "strategy", strat.ID, "bar", lastBar.OpenTime)
		return nil
	}
	price := decimal.NewFromFloat(lastBar.Close)

	var ott *core.OTTResult
	if strat.Type != core.StrategyBolGrid {
		ott = indicator.OTT(indicator.Closes(closed), strat.OTT.Period, strat.OTT.Opt)
		if ott == nil {
			e.logger.Debug("Insufficient history for trend filter", "strategy", strat.ID)
			return nil
		}
	}

	signal, err := handler.CalculateSignal(strat, state, price, ott, market, closed)
	if err != nil {
		return err
	}

	if signal != nil && signal.ShouldTrade {
		if err := e.placeOrder(ctx, strat, state, signal); err != nil {
			return err
		}
	} else if signal != nil {
		e.logger.Debug("No signal", "strategy", strat.ID, "reason", signal.Reason)
	}

	state.LastBarTimestamp = lastBar.OpenTime
	if ott != nil {
		state.LastOTTMode = ott.Mode
	}
	state.LastUpdate = e.now().UTC()
	return e.store.SaveState(state)
}

// placeOrder refreshes the open-order cache, runs the duplicate guard and
// the risk gate, then submits.
func (e *Engine) placeOrder(ctx context.Context, strat *core.Strategy, state *core.State, signal *core.Signal) error {
	open, err := e.exchange.GetOpenOrders(ctx, strat.Symbol)
	if err != nil {
		return err
	}
	state.OpenOrders = nil
	for _, o := range open {
		state.OpenOrders = append(state.OpenOrders, o.OrderID)
	}

	if duplicateOpenOrder(open, signal.TargetPrice) {
		e.logger.Info("Suppressing duplicate of open order",
			"strategy", strat.ID, "target", signal.TargetPrice.String())
		return nil
	}

	if err := e.risk.Allow(ctx, strat, signal); err != nil {
		if errors.Is(err, apperrors.ErrRiskDenied) {
			e.notifyRiskDenial(ctx, strat, err)
			return nil
		}
		return err
	}

	_, err = e.orders.Create(ctx, strat, signal, signal.Data["cycle_info"])
	return err
}

// duplicateOpenOrder reports whether an open exchange order already sits at
// the signal's target price. Catches orders the pending-orders log lost
// track of, which back-pressure alone cannot see.
func duplicateOpenOrder(open []*core.OrderStatusDetail, target decimal.Decimal) bool {
	if !target.IsPositive() {
		return false
	}
	for _, o := range open {
		if o.Price.Sub(target).Abs().LessThanOrEqual(duplicateTolerance) {
			return true
		}
	}
	return false
}

// notifyRiskDenial emits at most one denial alert per strategy per cooldown
func (e *Engine) notifyRiskDenial(ctx context.Context, strat *core.Strategy, denial error) {
	telemetry.GetGlobalMetrics().CountRiskDenial(ctx, strat.ID)
	e.logger.Warn("Signal denied by risk gate", "strategy", strat.ID, "reason", denial.Error())

	e.mu.Lock()
	last, ok := e.lastRiskAlert[strat.ID]
	if ok && e.now().Sub(last) < e.riskCooldown {
		e.mu.Unlock()
		return
	}
	e.lastRiskAlert[strat.ID] = e.now()
	e.mu.Unlock()

	e.alerter.Alert(ctx, "Risk gate denial", fmt.Sprintf("%s: %v", strat.ID, denial),
		alert.LevelWarning, map[string]string{"strategy": strat.ID})
}

// DisableStrategy deactivates a strategy from outside the tick path, such as
// a health-monitor finding. Takes the strategy lock.
func (e *Engine) DisableStrategy(ctx context.Context, strat *core.Strategy, reason string) error {
	lock := e.lockFor(strat.ID)
	lock.Lock()
	defer lock.Unlock()
	return e.deactivate(ctx, strat, reason)
}

// deactivate cancels open orders, flips the active flag in the persisted
// strategies list and clears the cached open-order ids. Caller holds the
// strategy lock.
func (e *Engine) deactivate(ctx context.Context, strat *core.Strategy, reason string) error {
	if err := e.orders.CancelAll(ctx, strat); err != nil {
		e.logger.Error("Cancel-all during deactivation failed", "strategy", strat.ID, "error", err)
	}

	strat.Active = false
	strategies, err := e.store.LoadStrategies()
	if err != nil {
		return err
	}
	for _, s := range strategies {
		if s.ID == strat.ID {
			s.Active = false
			s.UpdatedAt = e.now().UTC()
		}
	}
	if err := e.store.SaveStrategies(strategies); err != nil {
		return err
	}

	state, err := e.store.LoadState(strat.ID)
	if err != nil {
		return err
	}
	if state != nil && len(state.OpenOrders) > 0 {
		state.OpenOrders = nil
		state.LastUpdate = e.now().UTC()
		if err := e.store.SaveState(state); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.errorCounts[strat.ID] = 0
	e.mu.Unlock()

	e.logger.Warn("Strategy deactivated", "strategy", strat.ID, "reason", reason)
	e.alerter.Alert(ctx, "Strategy deactivated", fmt.Sprintf("%s: %s", strat.ID, reason),
		alert.LevelCritical, map[string]string{"strategy": strat.ID})
	return nil
}

// CancelAllOnShutdown cancels tracked orders for every active strategy
func (e *Engine) CancelAllOnShutdown(ctx context.Context) {
	strategies, err := e.store.LoadStrategies()
	if err != nil {
		e.logger.Error("Load strategies for shutdown cancel failed", "error", err)
		return
	}
	for _, s := range strategies {
		if !s.Active {
			continue
		}
		if err := e.orders.CancelAll(ctx, s); err != nil {
			e.logger.Error("Shutdown cancel failed", "strategy", s.ID, "error", err)
		}
	}
}

// Package health periodically audits strategy state for corruption and
// suspicious trading patterns, and can auto-disable a broken strategy.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading_engine/internal/alert"
	"trading_engine/internal/core"
)

// Issue severities
const (
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Check tolerances
var (
	qtyTolerance = decimal.New(1, -6)
	avgTolerance = decimal.NewFromFloat(0.05)
)

const (
	staleStateAfter = time.Hour
	tradeScanWindow = 24 * time.Hour
	// risePctCritical splits a rising-buy finding into warning vs critical
	risePctCritical = 5.0
)

// Issue is one finding from a strategy audit
type Issue struct {
	StrategyID string
	Severity   string
	Message    string
}

// DisableFunc deactivates a strategy and cancels its open orders
type DisableFunc func(ctx context.Context, strategy *core.Strategy, reason string) error

// Monitor audits strategies at a bounded rate and applies the auto-disable
// policy on critical findings.
type Monitor struct {
	store   core.IStore
	alerter core.IAlerter
	logger  core.ILogger

	interval    time.Duration
	autoDisable bool
	maxErrors   int
	disable     DisableFunc

	mu        sync.Mutex
	lastCheck map[string]time.Time
	now       func() time.Time
}

// NewMonitor creates the health monitor. disable may be nil when
// auto-disable is off.
func NewMonitor(store core.IStore, alerter core.IAlerter, logger core.ILogger, interval time.Duration, autoDisable bool, maxErrors int, disable DisableFunc) *Monitor {
	if maxErrors < 1 {
		maxErrors = 3
	}
	return &Monitor{
		store:       store,
		alerter:     alerter,
		logger:      logger.WithField("component", "health_monitor"),
		interval:    interval,
		autoDisable: autoDisable,
		maxErrors:   maxErrors,
		disable:     disable,
		lastCheck:   make(map[string]time.Time),
		now:         time.Now,
	}
}

// Sweep audits every active strategy that is due for a check
func (m *Monitor) Sweep(ctx context.Context, strategies []*core.Strategy) {
	for _, s := range strategies {
		if !s.Active {
			continue
		}
		if !m.due(s.ID) {
			continue
		}
		if err := m.CheckStrategy(ctx, s); err != nil {
			m.logger.Error("Health check failed", "strategy", s.ID, "error", err)
		}
	}
}

func (m *Monitor) due(strategyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastCheck[strategyID]; ok && m.now().Sub(last) < m.interval {
		return false
	}
	m.lastCheck[strategyID] = m.now()
	return true
}

// CheckStrategy audits one strategy and applies the auto-disable policy
func (m *Monitor) CheckStrategy(ctx context.Context, strategy *core.Strategy) error {
	state, err := m.store.LoadState(strategy.ID)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	issues := m.Audit(strategy, state)

	trades, err := m.store.LoadTrades(strategy.ID, m.now().Add(-tradeScanWindow))
	if err != nil {
		return err
	}
	issues = append(issues, m.auditTrades(strategy, trades)...)

	if len(issues) == 0 {
		return nil
	}

	errorCount, critical := 0, false
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityError:
			errorCount++
		case SeverityCritical:
			critical = true
		}
		m.logger.Warn("Health issue", "strategy", strategy.ID, "severity", issue.Severity, "message", issue.Message)
	}

	level := alert.LevelWarning
	if critical {
		level = alert.LevelCritical
	} else if errorCount > 0 {
		level = alert.LevelError
	}
	m.alerter.Alert(ctx, "Strategy health issues",
		fmt.Sprintf("%s: %d issue(s), first: %s", strategy.ID, len(issues), issues[0].Message),
		level, map[string]string{"strategy": strategy.ID})

	if m.autoDisable && m.disable != nil && (critical || errorCount >= m.maxErrors) {
		reason := fmt.Sprintf("health audit: %d errors, critical=%v", errorCount, critical)
		if err := m.disable(ctx, strategy, reason); err != nil {
			m.logger.Error("Auto-disable failed", "strategy", strategy.ID, "error", err)
		}
	}
	return nil
}

// Audit runs the state-level checks and returns the findings
func (m *Monitor) Audit(strategy *core.Strategy, state *core.State) []Issue {
	var issues []Issue
	add := func(severity, format string, args ...interface{}) {
		issues = append(issues, Issue{
			StrategyID: strategy.ID,
			Severity:   severity,
			Message:    fmt.Sprintf(format, args...),
		})
	}

	switch strategy.Type {
	case core.StrategyDCAOTT:
		if state.DCA == nil {
			add(SeverityCritical, "dca state variant missing")
			break
		}
		// A LIFO partial exit pops the newest lot while the stored average
		// keeps its pre-exit value, so the lot recompute only matches the
		// average while the cycle has had no sells. More cycle trades than
		// lots marks a cycle that already sold.
		checkAvg := state.DCA.CycleTradeCount <= len(state.DCA.Positions)
		m.auditLots(state.DCA.Positions, state.PositionQuantity, state.PositionAvgCost, checkAvg, add)
		if state.DCA.CycleNumber > 0 && len(state.DCA.Positions) == 0 && state.DCA.CycleTradeCount != 0 {
			add(SeverityError, "open cycle %d has no positions", state.DCA.CycleNumber)
		}
		if state.DCA.CycleNumber == 0 && len(state.DCA.Positions) > 0 {
			add(SeverityWarning, "positions exist before any cycle started")
		}

	case core.StrategyBolGrid:
		if state.BolGrid == nil {
			add(SeverityCritical, "bol-grid state variant missing")
			break
		}
		// The bol-grid reducer rebuilds its totals from the lots on every
		// fill, so the average is always checkable.
		m.auditLots(state.BolGrid.Positions, state.BolGrid.TotalQuantity, state.BolGrid.AverageCost, true, add)
		if state.BolGrid.CycleNumber > 0 && len(state.BolGrid.Positions) == 0 && state.BolGrid.LastEvent != "cycle_close" {
			add(SeverityError, "open cycle %d has no positions", state.BolGrid.CycleNumber)
		}
		if state.BolGrid.CycleNumber == 0 && len(state.BolGrid.Positions) > 0 {
			add(SeverityWarning, "positions exist before any cycle started")
		}

	case core.StrategyGridOTT:
		if state.Grid == nil {
			add(SeverityCritical, "grid state variant missing")
		}
	}

	if !state.LastUpdate.IsZero() && m.now().Sub(state.LastUpdate) > staleStateAfter {
		add(SeverityWarning, "state not updated for %s", m.now().Sub(state.LastUpdate).Round(time.Minute))
	}

	issues = append(issues, m.auditParameters(strategy)...)
	return issues
}

// auditLots compares recomputed lot totals against the stored fields. The
// average comparison runs only when the caller knows the stored average is
// still derivable from the lot list.
func (m *Monitor) auditLots(lots []core.Lot, storedQty, storedAvg decimal.Decimal, checkAvg bool, add func(string, string, ...interface{})) {
	qty := decimal.Zero
	notional := decimal.Zero
	for _, lot := range lots {
		qty = qty.Add(lot.Quantity)
		notional = notional.Add(lot.Quantity.Mul(lot.BuyPrice))
	}

	if qty.Sub(storedQty).Abs().GreaterThan(qtyTolerance) {
		add(SeverityError, "lot quantity sum %s diverges from stored %s", qty, storedQty)
	}
	if checkAvg && qty.IsPositive() && storedAvg.IsPositive() {
		avg := notional.Div(qty)
		if avg.Sub(storedAvg).Abs().GreaterThan(avgTolerance) {
			add(SeverityError, "recomputed average cost %s diverges from stored %s", avg.StringFixed(4), storedAvg.StringFixed(4))
		}
	}
}

// auditParameters flags configured indicator parameters that drifted out of
// their allowed ranges.
func (m *Monitor) auditParameters(strategy *core.Strategy) []Issue {
	var issues []Issue
	add := func(format string, args ...interface{}) {
		issues = append(issues, Issue{
			StrategyID: strategy.ID,
			Severity:   SeverityWarning,
			Message:    fmt.Sprintf(format, args...),
		})
	}

	switch strategy.Type {
	case core.StrategyGridOTT, core.StrategyDCAOTT:
		if strategy.OTT.Period < 1 || strategy.OTT.Period > 200 {
			add("ott period %d outside [1,200]", strategy.OTT.Period)
		}
		if strategy.OTT.Opt < 0.1 || strategy.OTT.Opt > 10.0 {
			add("ott opt %.2f outside [0.1,10.0]", strategy.OTT.Opt)
		}
	case core.StrategyBolGrid:
		if bp := int(strategy.Param("bollinger_period", 0)); bp < 20 || bp > 500 {
			add("bollinger period %d outside [20,500]", bp)
		}
		if std := strategy.Param("bollinger_std", 0); std < 1.0 || std > 3.0 {
			add("bollinger std %.2f outside [1.0,3.0]", std)
		}
	}
	return issues
}

// auditTrades scans the recent trade log for consecutive buys at rising
// prices, which averaging strategies should never produce.
func (m *Monitor) auditTrades(strategy *core.Strategy, trades []*core.Trade) []Issue {
	if strategy.Type != core.StrategyDCAOTT || len(trades) < 2 {
		return nil
	}

	var issues []Issue
	var prevBuy *core.Trade
	for _, trade := range trades {
		if trade.Side != core.SideBuy {
			prevBuy = nil
			continue
		}
		if prevBuy != nil && trade.Price.GreaterThan(prevBuy.Price) {
			risePct := trade.Price.Sub(prevBuy.Price).Div(prevBuy.Price).Mul(decimal.NewFromInt(100))
			severity := SeverityWarning
			if risePct.GreaterThan(decimal.NewFromFloat(risePctCritical)) {
				severity = SeverityCritical
			}
			issues = append(issues, Issue{
				StrategyID: strategy.ID,
				Severity:   severity,
				Message: fmt.Sprintf("consecutive buys at rising price: %s then %s (+%s%%)",
					prevBuy.Price, trade.Price, risePct.StringFixed(2)),
			})
		}
		prevBuy = trade
	}
	return issues
}

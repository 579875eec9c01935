package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTicksTotal           = "trading_engine_ticks_total"
	MetricOrdersPlacedTotal    = "trading_engine_orders_placed_total"
	MetricFillsTotal           = "trading_engine_fills_total"
	MetricReconcilePassesTotal = "trading_engine_reconcile_passes_total"
	MetricRiskDenialsTotal     = "trading_engine_risk_denials_total"
	MetricStrategyErrorsTotal  = "trading_engine_strategy_errors_total"
	MetricTickLatency          = "trading_engine_tick_latency_seconds"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TicksTotal           metric.Int64Counter
	OrdersPlacedTotal    metric.Int64Counter
	FillsTotal           metric.Int64Counter
	ReconcilePassesTotal metric.Int64Counter
	RiskDenialsTotal     metric.Int64Counter
	StrategyErrorsTotal  metric.Int64Counter
	TickLatency          metric.Float64Histogram

	initialized bool
	mu          sync.Mutex
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the process-wide metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics creates the instruments on the given meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.TicksTotal, err = meter.Int64Counter(MetricTicksTotal,
		metric.WithDescription("Strategy ticks processed")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Orders submitted to the exchange")); err != nil {
		return err
	}
	if m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal,
		metric.WithDescription("Fills reconciled into trades")); err != nil {
		return err
	}
	if m.ReconcilePassesTotal, err = meter.Int64Counter(MetricReconcilePassesTotal,
		metric.WithDescription("Order manager reconcile passes")); err != nil {
		return err
	}
	if m.RiskDenialsTotal, err = meter.Int64Counter(MetricRiskDenialsTotal,
		metric.WithDescription("Signals denied by the risk gate")); err != nil {
		return err
	}
	if m.StrategyErrorsTotal, err = meter.Int64Counter(MetricStrategyErrorsTotal,
		metric.WithDescription("Per-strategy tick errors")); err != nil {
		return err
	}
	if m.TickLatency, err = meter.Float64Histogram(MetricTickLatency,
		metric.WithDescription("Per-strategy tick latency in seconds")); err != nil {
		return err
	}

	m.initialized = true
	return nil
}

// CountTick records one processed tick for a strategy
func (m *MetricsHolder) CountTick(ctx context.Context, strategyID string) {
	if !m.initialized {
		return
	}
	m.TicksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategyID)))
}

// CountFill records one reconciled fill
func (m *MetricsHolder) CountFill(ctx context.Context, strategyID string, side string) {
	if !m.initialized {
		return
	}
	m.FillsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategyID),
		attribute.String("side", side),
	))
}

// CountOrderPlaced records one submitted order
func (m *MetricsHolder) CountOrderPlaced(ctx context.Context, strategyID string) {
	if !m.initialized {
		return
	}
	m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategyID)))
}

// CountReconcilePass records one reconcile pass
func (m *MetricsHolder) CountReconcilePass(ctx context.Context, strategyID string) {
	if !m.initialized {
		return
	}
	m.ReconcilePassesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategyID)))
}

// CountRiskDenial records one risk-gate denial
func (m *MetricsHolder) CountRiskDenial(ctx context.Context, strategyID string) {
	if !m.initialized {
		return
	}
	m.RiskDenialsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategyID)))
}

// CountStrategyError records one tick error
func (m *MetricsHolder) CountStrategyError(ctx context.Context, strategyID string) {
	if !m.initialized {
		return
	}
	m.StrategyErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategyID)))
}

// RecordTickLatency records the tick duration in seconds
func (m *MetricsHolder) RecordTickLatency(ctx context.Context, strategyID string, seconds float64) {
	if !m.initialized {
		return
	}
	m.TickLatency.Record(ctx, seconds, metric.WithAttributes(attribute.String("strategy", strategyID)))
}

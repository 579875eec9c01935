// Package risk enforces the aggregate USD position bounds before any order
// reaches the exchange.
package risk

import (
	"context"
	"fmt"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
)

// Gate checks proposed signals against the global position limits. The
// exchange's aggregate net position is authoritative; limits are reloaded
// from the store on every check so operator edits take effect immediately.
type Gate struct {
	store    core.IStore
	exchange core.IExchange
	logger   core.ILogger
}

// NewGate creates the risk gate
func NewGate(store core.IStore, exchange core.IExchange, logger core.ILogger) *Gate {
	return &Gate{
		store:    store,
		exchange: exchange,
		logger:   logger.WithField("component", "risk_gate"),
	}
}

// Allow returns nil when the signal may proceed. A denial wraps
// ErrRiskDenied with the current and projected aggregate positions.
func (g *Gate) Allow(ctx context.Context, strategy *core.Strategy, signal *core.Signal) error {
	if signal == nil || !signal.ShouldTrade {
		return nil
	}

	limits, err := g.store.LoadPositionLimits()
	if err != nil {
		return err
	}
	summary, err := g.exchange.GetAllPositions(ctx)
	if err != nil {
		return err
	}

	price := signal.TargetPrice
	if !price.IsPositive() {
		price, err = g.exchange.GetCurrentPrice(ctx, strategy.Symbol)
		if err != nil || !price.IsPositive() {
			// A market order without a resolvable price cannot be projected.
			g.logger.Warn("Risk check skipped, no price for market order",
				"strategy", strategy.ID, "symbol", strategy.Symbol, "error", err)
			return nil
		}
	}

	notional := signal.Quantity.Mul(price)
	current := summary.NetUSD

	if signal.Side == core.SideBuy {
		projected := current.Add(notional)
		if projected.GreaterThan(limits.MaxPositionUSD) {
			return fmt.Errorf("%w: buy of %s USD would move net position from %s to %s, above limit %s",
				apperrors.ErrRiskDenied, notional.StringFixed(2), current.StringFixed(2),
				projected.StringFixed(2), limits.MaxPositionUSD.StringFixed(2))
		}
		return nil
	}

	projected := current.Sub(notional)
	if projected.LessThan(limits.MinPositionUSD) {
		return fmt.Errorf("%w: sell of %s USD would move net position from %s to %s, below limit %s",
			apperrors.ErrRiskDenied, notional.StringFixed(2), current.StringFixed(2),
			projected.StringFixed(2), limits.MinPositionUSD.StringFixed(2))
	}
	return nil
}

// Package strategy implements the per-type trading strategies: grid trading
// anchored on an OTT trend filter, dollar-cost averaging with OTT, and a
// Bollinger-band grid. Each handler is a state initializer, a signal
// function and a fill reducer behind core.IStrategyHandler.
package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
)

// maxRecentOrders bounds the duplicate-fill history kept on state
const maxRecentOrders = 200

// ForType returns the handler for a strategy type
func ForType(t core.StrategyType) (core.IStrategyHandler, error) {
	switch t {
	case core.StrategyGridOTT:
		return &GridOTTHandler{}, nil
	case core.StrategyDCAOTT:
		return &DCAOTTHandler{}, nil
	case core.StrategyBolGrid:
		return &BolGridHandler{}, nil
	}
	return nil, fmt.Errorf("%w: unknown strategy type %q", apperrors.ErrValidation, t)
}

// NewState builds a fresh state for a strategy, with the variant initialized
// by the matching handler.
func NewState(strategy *core.Strategy, handler core.IStrategyHandler) *core.State {
	state := &core.State{
		StrategyID:     strategy.ID,
		Symbol:         strategy.Symbol,
		Type:           strategy.Type,
		InitialBalance: core.DefaultInitialBalance,
		CashBalance:    core.DefaultInitialBalance,
	}
	handler.InitializeState(strategy, state)
	return state
}

// validateCommon checks the fields shared by every strategy type
func validateCommon(s *core.Strategy) error {
	if s.ID == "" {
		return fmt.Errorf("%w: strategy id is empty", apperrors.ErrValidation)
	}
	if !core.SymbolSupported(s.Symbol) {
		return fmt.Errorf("%w: unsupported symbol %q", apperrors.ErrValidation, s.Symbol)
	}
	if !s.Timeframe.Valid() {
		return fmt.Errorf("%w: unsupported timeframe %q", apperrors.ErrValidation, s.Timeframe)
	}
	if s.PriceMin.IsPositive() && s.PriceMax.IsPositive() && s.PriceMax.LessThanOrEqual(s.PriceMin) {
		return fmt.Errorf("%w: price_max must exceed price_min", apperrors.ErrValidation)
	}
	return nil
}

// validateOTT checks the OTT parameter ranges
func validateOTT(p core.OTTParams) error {
	if p.Period < 1 || p.Period > 200 {
		return fmt.Errorf("%w: ott.period %d outside [1,200]", apperrors.ErrValidation, p.Period)
	}
	if p.Opt < 0.1 || p.Opt > 10.0 {
		return fmt.Errorf("%w: ott.opt %.2f outside [0.1,10.0]", apperrors.ErrValidation, p.Opt)
	}
	return nil
}

// withinGuardrails reports whether a target price passes the optional
// price_min/price_max bounds.
func withinGuardrails(s *core.Strategy, target decimal.Decimal) bool {
	if s.PriceMin.IsPositive() && target.LessThan(s.PriceMin) {
		return false
	}
	if s.PriceMax.IsPositive() && target.GreaterThan(s.PriceMax) {
		return false
	}
	return true
}

// floorToStep floors a quantity to the market's step size
func floorToStep(qty decimal.Decimal, market *core.MarketInfo) decimal.Decimal {
	if market == nil || !market.StepSize.IsPositive() {
		return qty
	}
	return qty.Div(market.StepSize).Floor().Mul(market.StepSize)
}

// roundToTick rounds a price to the market's tick size
func roundToTick(price decimal.Decimal, market *core.MarketInfo) decimal.Decimal {
	if market == nil || !market.TickSize.IsPositive() {
		return price
	}
	return price.Div(market.TickSize).Round(0).Mul(market.TickSize)
}

// alreadyProcessed reports whether a fill with this order id was folded before
func alreadyProcessed(state *core.State, orderID string) bool {
	if orderID == "" {
		return false
	}
	for _, id := range state.RecentOrderIDs {
		if id == orderID {
			return true
		}
	}
	return false
}

// markProcessed records an order id in the bounded duplicate-fill history
func markProcessed(state *core.State, orderID string) {
	if orderID == "" {
		return
	}
	state.RecentOrderIDs = append(state.RecentOrderIDs, orderID)
	if len(state.RecentOrderIDs) > maxRecentOrders {
		state.RecentOrderIDs = state.RecentOrderIDs[len(state.RecentOrderIDs)-maxRecentOrders:]
	}
}

// belowMarketMinimums reports whether an order would be rejected by the
// exchange for quantity or notional.
func belowMarketMinimums(qty, price decimal.Decimal, market *core.MarketInfo) bool {
	if market == nil {
		return !qty.IsPositive()
	}
	if !qty.IsPositive() {
		return true
	}
	if market.MinQty.IsPositive() && qty.LessThan(market.MinQty) {
		return true
	}
	if market.MinNotional.IsPositive() && price.IsPositive() && qty.Mul(price).LessThan(market.MinNotional) {
		return true
	}
	return false
}

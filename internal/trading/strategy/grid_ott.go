package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading_engine/internal/core"
	"trading_engine/internal/pnl"
	apperrors "trading_engine/pkg/errors"
)

// GridOTTHandler trades a fixed-spacing price grid around a foundation
// price, gated by the OTT trend regime: buys below the foundation in the AL
// regime, sells above it in the SAT regime.
type GridOTTHandler struct{}

// InitializeState sets up the grid variant. The foundation anchors to the
// first observed price.
func (h *GridOTTHandler) InitializeState(strategy *core.Strategy, state *core.State) {
	state.Grid = &core.GridState{}
}

// ValidateConfig checks the grid parameters
func (h *GridOTTHandler) ValidateConfig(strategy *core.Strategy) error {
	if err := validateCommon(strategy); err != nil {
		return err
	}
	if err := validateOTT(strategy.OTT); err != nil {
		return err
	}
	if strategy.Param("y", 0) <= 0 {
		return fmt.Errorf("%w: grid spacing y must be positive", apperrors.ErrValidation)
	}
	if strategy.Param("usdt_grid", 0) <= 0 {
		return fmt.Errorf("%w: usdt_grid must be positive", apperrors.ErrValidation)
	}
	return nil
}

// CalculateSignal emits a limit order one or more grid levels away from the
// foundation when price has moved at least one full level.
func (h *GridOTTHandler) CalculateSignal(strategy *core.Strategy, state *core.State, price decimal.Decimal, ott *core.OTTResult, market *core.MarketInfo, candles []core.Candle) (*core.Signal, error) {
	if state.Grid == nil {
		return nil, fmt.Errorf("%w: grid state missing", apperrors.ErrStateCorrupt)
	}
	if ott == nil {
		return core.NoSignal("ott unavailable"), nil
	}

	if state.Grid.GF.IsZero() {
		state.Grid.GF = price
		return core.NoSignal("grid foundation anchored"), nil
	}

	gf := state.Grid.GF
	y := decimal.NewFromFloat(strategy.Param("y", 0))
	usdtGrid := decimal.NewFromFloat(strategy.Param("usdt_grid", 0))

	delta := price.Sub(gf).Abs()
	if delta.LessThanOrEqual(y) {
		return core.NoSignal("inside one grid level"), nil
	}
	z := delta.Div(y).Floor()
	if z.LessThan(decimal.NewFromInt(1)) {
		return core.NoSignal("inside one grid level"), nil
	}
	offset := z.Mul(y)

	var side core.Side
	var target decimal.Decimal
	switch {
	case ott.Mode == core.OTTModeAL && price.LessThan(gf):
		side = core.SideBuy
		target = gf.Sub(offset)
	case ott.Mode == core.OTTModeSAT && price.GreaterThan(gf):
		side = core.SideSell
		target = gf.Add(offset)
	default:
		return core.NoSignal(fmt.Sprintf("regime %s does not match price side", ott.Mode)), nil
	}

	target = roundToTick(target, market)
	if !target.IsPositive() {
		return core.NoSignal("target price not positive"), nil
	}
	if !withinGuardrails(strategy, target) {
		return core.NoSignal("target outside price guardrails"), nil
	}

	notional := z.Mul(usdtGrid)
	qty := floorToStep(notional.Div(target), market)
	if belowMarketMinimums(qty, target, market) {
		return core.NoSignal("quantity below market minimums"), nil
	}

	return &core.Signal{
		ShouldTrade: true,
		Side:        side,
		TargetPrice: target,
		Quantity:    qty,
		Reason:      fmt.Sprintf("grid %s %s levels from foundation %s", side, z, gf),
		Data:        map[string]string{"z": z.String(), "gf": gf.String()},
	}, nil
}

// ProcessFill moves the foundation by the filled level count and folds the
// fill into the position. The level count is recovered from the limit price
// so that replays after a crash stay consistent.
func (h *GridOTTHandler) ProcessFill(strategy *core.Strategy, state *core.State, trade *core.Trade) error {
	if state.Grid == nil {
		return fmt.Errorf("%w: grid state missing", apperrors.ErrStateCorrupt)
	}
	if alreadyProcessed(state, trade.OrderID) {
		return nil
	}

	y := decimal.NewFromFloat(strategy.Param("y", 0))
	if !y.IsPositive() {
		return fmt.Errorf("%w: grid spacing y must be positive", apperrors.ErrValidation)
	}

	ref := trade.LimitPrice
	if !ref.IsPositive() {
		ref = trade.Price
	}
	gf := state.Grid.GF
	z := ref.Sub(gf).Abs().Div(y).Round(0)
	if z.LessThan(decimal.NewFromInt(1)) {
		z = decimal.NewFromInt(1)
	}
	offset := z.Mul(y)

	trade.Z = z.IntPart()
	trade.GFBefore = gf
	if trade.Side == core.SideBuy {
		state.Grid.GF = gf.Sub(offset)
	} else {
		state.Grid.GF = gf.Add(offset)
	}
	trade.GFAfter = state.Grid.GF

	if err := pnl.ApplyFill(state, trade); err != nil {
		state.Grid.GF = gf
		return err
	}
	markProcessed(state, trade.OrderID)
	return nil
}

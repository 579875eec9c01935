package strategy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"trading_engine/internal/core"
	"trading_engine/internal/pnl"
	apperrors "trading_engine/pkg/errors"
)

// DCAOTTHandler averages into a falling market while the OTT regime allows
// buying, and exits on profit thresholds in the sell regime. Each buy must
// be a lower low; partial exits unwind the most recent lot first.
type DCAOTTHandler struct{}

// InitializeState sets up the lot-list variant
func (h *DCAOTTHandler) InitializeState(strategy *core.Strategy, state *core.State) {
	state.DCA = &core.DCAState{}
}

// ValidateConfig checks the averaging parameters
func (h *DCAOTTHandler) ValidateConfig(strategy *core.Strategy) error {
	if err := validateCommon(strategy); err != nil {
		return err
	}
	if err := validateOTT(strategy.OTT); err != nil {
		return err
	}
	if strategy.Param("base_usdt", 0) <= 0 {
		return fmt.Errorf("%w: base_usdt must be positive", apperrors.ErrValidation)
	}
	if m := strategy.Param("dca_multiplier", 0); m < 1.0 || m > 5.0 {
		return fmt.Errorf("%w: dca_multiplier %.2f outside [1.0,5.0]", apperrors.ErrValidation, m)
	}
	if d := strategy.Param("min_drop_pct", 0); d < 0.5 || d > 20.0 {
		return fmt.Errorf("%w: min_drop_pct %.2f outside [0.5,20.0]", apperrors.ErrValidation, d)
	}
	if p := strategy.Param("profit_threshold_pct", 1.0); p < 0.1 || p > 10.0 {
		return fmt.Errorf("%w: profit_threshold_pct %.2f outside [0.1,10.0]", apperrors.ErrValidation, p)
	}
	return nil
}

// CalculateSignal decides the next averaging buy or the exit sell. Orders
// are market orders; fills land through reconciliation at average price.
func (h *DCAOTTHandler) CalculateSignal(strategy *core.Strategy, state *core.State, price decimal.Decimal, ott *core.OTTResult, market *core.MarketInfo, candles []core.Candle) (*core.Signal, error) {
	if state.DCA == nil {
		return nil, fmt.Errorf("%w: dca state missing", apperrors.ErrStateCorrupt)
	}
	if ott == nil {
		return core.NoSignal("ott unavailable"), nil
	}
	if !price.IsPositive() {
		return core.NoSignal("no current price"), nil
	}
	if !withinGuardrails(strategy, price) {
		return core.NoSignal("price outside guardrails"), nil
	}

	dca := state.DCA
	switch ott.Mode {
	case core.OTTModeAL:
		return h.buySignal(strategy, dca, price, market)
	case core.OTTModeSAT:
		return h.sellSignal(strategy, state, price, market)
	}
	return core.NoSignal("no regime"), nil
}

func (h *DCAOTTHandler) buySignal(strategy *core.Strategy, dca *core.DCAState, price decimal.Decimal, market *core.MarketInfo) (*core.Signal, error) {
	baseUSDT := strategy.Param("base_usdt", 0)
	minDropPct := strategy.Param("min_drop_pct", 0)

	if len(dca.Positions) == 0 {
		qty := floorToStep(decimal.NewFromFloat(baseUSDT).Div(price), market)
		if belowMarketMinimums(qty, price, market) {
			return core.NoSignal("quantity below market minimums"), nil
		}
		return &core.Signal{
			ShouldTrade: true,
			Side:        core.SideBuy,
			Quantity:    qty,
			Reason:      "first buy of a new cycle",
			Data:        map[string]string{"cycle_info": fmt.Sprintf("D%d-1", dca.CycleNumber+1)},
		}, nil
	}

	firstBuy := dca.Positions[0].BuyPrice
	lastBuy := dca.Positions[len(dca.Positions)-1].BuyPrice
	if price.GreaterThanOrEqual(firstBuy) {
		return core.NoSignal("price not below cycle entry"), nil
	}
	if price.GreaterThan(lastBuy) {
		return core.NoSignal("price not a lower low"), nil
	}

	dropFromLast := lastBuy.Sub(price).Div(lastBuy).Mul(decimal.NewFromInt(100))
	if dropFromLast.LessThan(decimal.NewFromFloat(minDropPct)) {
		return core.NoSignal(fmt.Sprintf("drop %.2f%% below threshold", dropFromLast.InexactFloat64())), nil
	}

	multiplier := strategy.Param("dca_multiplier", 1.0)
	notional := baseUSDT * math.Pow(multiplier, float64(len(dca.Positions)))
	qty := floorToStep(decimal.NewFromFloat(notional).Div(price), market)
	if belowMarketMinimums(qty, price, market) {
		return core.NoSignal("quantity below market minimums"), nil
	}

	return &core.Signal{
		ShouldTrade: true,
		Side:        core.SideBuy,
		Quantity:    qty,
		Reason:      fmt.Sprintf("averaging buy %d, drop %.2f%%", len(dca.Positions)+1, dropFromLast.InexactFloat64()),
		Data:        map[string]string{"cycle_info": fmt.Sprintf("D%d-%d", dca.CycleNumber, dca.CycleTradeCount+1)},
	}, nil
}

func (h *DCAOTTHandler) sellSignal(strategy *core.Strategy, state *core.State, price decimal.Decimal, market *core.MarketInfo) (*core.Signal, error) {
	dca := state.DCA
	if len(dca.Positions) == 0 || !state.PositionQuantity.IsPositive() || !state.PositionAvgCost.IsPositive() {
		return core.NoSignal("nothing to sell"), nil
	}

	profitPct := decimal.NewFromFloat(strategy.Param("profit_threshold_pct", 1.0))
	factor := decimal.NewFromInt(1).Add(profitPct.Div(decimal.NewFromInt(100)))
	cycleInfo := fmt.Sprintf("D%d-%d", dca.CycleNumber, dca.CycleTradeCount+1)

	// Full exit: the whole position is in profit.
	if price.GreaterThanOrEqual(state.PositionAvgCost.Mul(factor)) {
		return &core.Signal{
			ShouldTrade: true,
			Side:        core.SideSell,
			Quantity:    state.PositionQuantity,
			Reason:      "full exit, average cost in profit",
			Data:        map[string]string{"cycle_info": cycleInfo},
		}, nil
	}

	// Partial exit: only the most recent lot is in profit.
	lastLot := dca.Positions[len(dca.Positions)-1]
	if price.GreaterThanOrEqual(lastLot.BuyPrice.Mul(factor)) {
		qty := floorToStep(lastLot.Quantity, market)
		if belowMarketMinimums(qty, price, market) {
			return core.NoSignal("lot below market minimums"), nil
		}
		return &core.Signal{
			ShouldTrade: true,
			Side:        core.SideSell,
			Quantity:    qty,
			Reason:      "partial exit of most recent lot",
			Data:        map[string]string{"cycle_info": cycleInfo},
		}, nil
	}

	return core.NoSignal("profit thresholds not met"), nil
}

// ProcessFill folds a fill into the lot list and the position. A sell that
// covers the whole position closes the cycle; a smaller sell unwinds lots
// newest first.
func (h *DCAOTTHandler) ProcessFill(strategy *core.Strategy, state *core.State, trade *core.Trade) error {
	if state.DCA == nil {
		return fmt.Errorf("%w: dca state missing", apperrors.ErrStateCorrupt)
	}
	if alreadyProcessed(state, trade.OrderID) {
		return nil
	}
	dca := state.DCA

	if trade.Side == core.SideBuy {
		if len(dca.Positions) == 0 {
			dca.CycleNumber++
			dca.CycleTradeCount = 1
		} else {
			dca.CycleTradeCount++
		}
		dca.Positions = append(dca.Positions, core.Lot{
			BuyPrice:  trade.Price,
			Quantity:  trade.Quantity,
			Timestamp: trade.Timestamp,
			OrderID:   trade.OrderID,
		})
	} else {
		fullExit := trade.Quantity.GreaterThanOrEqual(state.PositionQuantity)
		if fullExit {
			dca.Positions = nil
			dca.CycleTradeCount = 0
		} else {
			// LIFO unwind: the sell quantity comes off the newest lots.
			remaining := trade.Quantity
			for len(dca.Positions) > 0 && remaining.IsPositive() {
				last := &dca.Positions[len(dca.Positions)-1]
				if last.Quantity.GreaterThan(remaining) {
					last.Quantity = last.Quantity.Sub(remaining)
					remaining = decimal.Zero
				} else {
					remaining = remaining.Sub(last.Quantity)
					dca.Positions = dca.Positions[:len(dca.Positions)-1]
				}
			}
			dca.CycleTradeCount++
		}
	}

	if err := pnl.ApplyFill(state, trade); err != nil {
		return err
	}
	markProcessed(state, trade.OrderID)
	return nil
}

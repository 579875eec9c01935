package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading_engine/internal/core"
	"trading_engine/internal/indicator"
	"trading_engine/internal/pnl"
	apperrors "trading_engine/pkg/errors"
)

// Cross signals detected on the previous-to-current bar transition
const (
	crossAboveLower = "CROSS_ABOVE_LOWER"
	crossBelowMid   = "CROSS_BELOW_MIDDLE"
	crossBelowUpper = "CROSS_BELOW_UPPER"
)

// Reducer outcomes recorded on the state for coherence checks
const (
	eventBuy         = "buy"
	eventPartialSell = "partial_sell"
	eventCycleClose  = "cycle_close"
)

// lotDust drops lot remainders below this quantity after a partial sell
var lotDust = decimal.New(1, -6)

// BolGridHandler trades Bollinger-band crossings: it buys recoveries through
// the lower band and sells into weakness below the middle or upper band,
// closing the cycle when the position has shrunk to a token remainder.
type BolGridHandler struct{}

// InitializeState sets up the Bollinger variant
func (h *BolGridHandler) InitializeState(strategy *core.Strategy, state *core.State) {
	state.BolGrid = &core.BolGridState{}
}

// ValidateConfig checks the Bollinger parameters
func (h *BolGridHandler) ValidateConfig(strategy *core.Strategy) error {
	if err := validateCommon(strategy); err != nil {
		return err
	}
	if strategy.Param("initial_usdt", 0) <= 0 {
		return fmt.Errorf("%w: initial_usdt must be positive", apperrors.ErrValidation)
	}
	if d := strategy.Param("min_drop_pct", 0); d <= 0 {
		return fmt.Errorf("%w: min_drop_pct must be positive", apperrors.ErrValidation)
	}
	if p := strategy.Param("min_profit_pct", 0); p <= 0 {
		return fmt.Errorf("%w: min_profit_pct must be positive", apperrors.ErrValidation)
	}
	if bp := int(strategy.Param("bollinger_period", 0)); bp < 20 || bp > 500 {
		return fmt.Errorf("%w: bollinger_period %d outside [20,500]", apperrors.ErrValidation, bp)
	}
	if std := strategy.Param("bollinger_std", 0); std < 1.0 || std > 3.0 {
		return fmt.Errorf("%w: bollinger_std %.2f outside [1.0,3.0]", apperrors.ErrValidation, std)
	}
	return nil
}

// detectCross classifies the previous-to-current transition against the
// previous and current band values.
func detectCross(prevPrice, currPrice float64, bands *core.BollingerBands) string {
	n := len(bands.Middle)
	if n < 2 {
		return ""
	}
	curr, prev := n-1, n-2
	switch {
	case prevPrice <= bands.Lower[prev] && currPrice > bands.Lower[curr]:
		return crossAboveLower
	case prevPrice >= bands.Upper[prev] && currPrice < bands.Upper[curr]:
		return crossBelowUpper
	case prevPrice >= bands.Middle[prev] && currPrice < bands.Middle[curr]:
		return crossBelowMid
	}
	return ""
}

// CalculateSignal recomputes the bands from the recent closes and acts on a
// band-cross transition. OTT is not consulted.
func (h *BolGridHandler) CalculateSignal(strategy *core.Strategy, state *core.State, price decimal.Decimal, ott *core.OTTResult, market *core.MarketInfo, candles []core.Candle) (*core.Signal, error) {
	if state.BolGrid == nil {
		return nil, fmt.Errorf("%w: bol-grid state missing", apperrors.ErrStateCorrupt)
	}

	period := int(strategy.Param("bollinger_period", 20))
	std := strategy.Param("bollinger_std", 2.0)

	closes := indicator.Closes(candles)
	if len(closes) < period+1 {
		return core.NoSignal("not enough closed bars for bands"), nil
	}
	bands := indicator.Bollinger(closes, period, std)
	if bands == nil {
		return core.NoSignal("not enough closed bars for bands"), nil
	}

	prevPrice := closes[len(closes)-2]
	currPrice := closes[len(closes)-1]
	cross := detectCross(prevPrice, currPrice, bands)

	n := len(bands.Middle)
	state.BolGrid.LastBollinger = &core.BollingerSnapshot{
		Upper:  bands.Upper[n-1],
		Middle: bands.Middle[n-1],
		Lower:  bands.Lower[n-1],
	}

	if cross == "" {
		return core.NoSignal("no band cross"), nil
	}
	if !withinGuardrails(strategy, price) {
		return core.NoSignal("price outside guardrails"), nil
	}

	switch cross {
	case crossAboveLower:
		return h.buySignal(strategy, state.BolGrid, price, market)
	case crossBelowMid, crossBelowUpper:
		return h.sellSignal(strategy, state.BolGrid, price, market, cross)
	}
	return core.NoSignal("no band cross"), nil
}

func (h *BolGridHandler) buySignal(strategy *core.Strategy, bg *core.BolGridState, price decimal.Decimal, market *core.MarketInfo) (*core.Signal, error) {
	initialUSDT := decimal.NewFromFloat(strategy.Param("initial_usdt", 0))

	if len(bg.Positions) == 0 {
		qty := floorToStep(initialUSDT.Div(price), market)
		if belowMarketMinimums(qty, price, market) {
			return core.NoSignal("quantity below market minimums"), nil
		}
		return &core.Signal{
			ShouldTrade: true,
			Side:        core.SideBuy,
			Quantity:    qty,
			Reason:      "lower band recovery, first buy",
			Data: map[string]string{
				"cycle_info": fmt.Sprintf("D%d-1", bg.CycleNumber+1),
				"event":      eventBuy,
			},
		}, nil
	}

	if !price.LessThan(bg.LastBuyPrice) {
		return core.NoSignal("price not below last buy"), nil
	}
	if !bg.AverageCost.IsPositive() {
		return core.NoSignal("average cost unavailable"), nil
	}
	dropFromAvg := bg.AverageCost.Sub(price).Div(bg.AverageCost).Mul(decimal.NewFromInt(100))
	if dropFromAvg.LessThan(decimal.NewFromFloat(strategy.Param("min_drop_pct", 0))) {
		return core.NoSignal("drop from average below threshold"), nil
	}

	qty := floorToStep(initialUSDT.Div(price), market)
	if belowMarketMinimums(qty, price, market) {
		return core.NoSignal("quantity below market minimums"), nil
	}
	return &core.Signal{
		ShouldTrade: true,
		Side:        core.SideBuy,
		Quantity:    qty,
		Reason:      fmt.Sprintf("lower band recovery, drop %.2f%% from average", dropFromAvg.InexactFloat64()),
		Data: map[string]string{
			"cycle_info": fmt.Sprintf("D%d-%d", bg.CycleNumber, bg.CycleTrades+1),
			"event":      eventBuy,
		},
	}, nil
}

func (h *BolGridHandler) sellSignal(strategy *core.Strategy, bg *core.BolGridState, price decimal.Decimal, market *core.MarketInfo, cross string) (*core.Signal, error) {
	if len(bg.Positions) == 0 || !bg.TotalQuantity.IsPositive() || !bg.AverageCost.IsPositive() {
		return core.NoSignal("nothing to sell"), nil
	}

	profitPct := price.Sub(bg.AverageCost).Div(bg.AverageCost).Mul(decimal.NewFromInt(100))
	if profitPct.LessThan(decimal.NewFromFloat(strategy.Param("min_profit_pct", 0))) {
		return core.NoSignal("profit below threshold"), nil
	}

	initialUSDT := decimal.NewFromFloat(strategy.Param("initial_usdt", 0))
	half := floorToStep(bg.TotalQuantity.Div(decimal.NewFromInt(2)), market)
	sixth := initialUSDT.Div(decimal.NewFromInt(6))

	// One-sixth rule: when the remainder after a half sell would be a token
	// position, liquidate the cycle instead.
	remainderNotional := bg.TotalQuantity.Sub(half).Mul(price)
	cycleInfo := fmt.Sprintf("D%d-%d", bg.CycleNumber, bg.CycleTrades+1)
	if remainderNotional.LessThan(sixth) || !half.IsPositive() {
		return &core.Signal{
			ShouldTrade: true,
			Side:        core.SideSell,
			Quantity:    bg.TotalQuantity,
			Reason:      fmt.Sprintf("cycle close on %s, profit %.2f%%", cross, profitPct.InexactFloat64()),
			Data: map[string]string{
				"cycle_info": cycleInfo,
				"event":      eventCycleClose,
			},
		}, nil
	}

	if belowMarketMinimums(half, price, market) {
		return core.NoSignal("half position below market minimums"), nil
	}
	return &core.Signal{
		ShouldTrade: true,
		Side:        core.SideSell,
		Quantity:    half,
		Reason:      fmt.Sprintf("partial sell on %s, profit %.2f%%", cross, profitPct.InexactFloat64()),
		Data: map[string]string{
			"cycle_info": cycleInfo,
			"event":      eventPartialSell,
		},
	}, nil
}

// ProcessFill folds a fill into the lot list. Partial sells scale every lot
// by the sold ratio; a sell covering the whole position closes the cycle.
func (h *BolGridHandler) ProcessFill(strategy *core.Strategy, state *core.State, trade *core.Trade) error {
	if state.BolGrid == nil {
		return fmt.Errorf("%w: bol-grid state missing", apperrors.ErrStateCorrupt)
	}
	if alreadyProcessed(state, trade.OrderID) {
		return nil
	}
	bg := state.BolGrid

	if trade.Side == core.SideBuy {
		if len(bg.Positions) == 0 {
			bg.CycleNumber++
			bg.CycleStep = 1
			bg.CycleTrades = 1
		} else {
			bg.CycleStep++
			bg.CycleTrades++
		}
		bg.Positions = append(bg.Positions, core.Lot{
			BuyPrice:  trade.Price,
			Quantity:  trade.Quantity,
			Timestamp: trade.Timestamp,
			OrderID:   trade.OrderID,
		})
		bg.LastBuyPrice = trade.Price
		bg.LastEvent = eventBuy
		h.recomputeTotals(bg)
	} else {
		fullExit := trade.Quantity.GreaterThanOrEqual(bg.TotalQuantity)
		if fullExit {
			bg.Positions = nil
			bg.TotalQuantity = decimal.Zero
			bg.AverageCost = decimal.Zero
			bg.CycleStep = 0
			bg.CycleTrades = 0
			bg.LastSellPrice = trade.Price
			bg.LastEvent = eventCycleClose
		} else {
			ratio := trade.Quantity.Div(bg.TotalQuantity)
			keep := decimal.NewFromInt(1).Sub(ratio)
			kept := bg.Positions[:0]
			for _, lot := range bg.Positions {
				lot.Quantity = lot.Quantity.Mul(keep)
				if lot.Quantity.GreaterThan(lotDust) {
					kept = append(kept, lot)
				}
			}
			bg.Positions = kept
			bg.CycleTrades++
			bg.LastSellPrice = trade.Price
			bg.LastEvent = eventPartialSell
			h.recomputeTotals(bg)
		}
	}

	if err := pnl.ApplyFill(state, trade); err != nil {
		return err
	}
	markProcessed(state, trade.OrderID)
	return nil
}

// recomputeTotals rebuilds total quantity and average cost from the lots
func (h *BolGridHandler) recomputeTotals(bg *core.BolGridState) {
	total := decimal.Zero
	notional := decimal.Zero
	for _, lot := range bg.Positions {
		total = total.Add(lot.Quantity)
		notional = notional.Add(lot.Quantity.Mul(lot.BuyPrice))
	}
	bg.TotalQuantity = total
	if total.IsPositive() {
		bg.AverageCost = notional.Div(total)
	} else {
		bg.AverageCost = decimal.Zero
	}
}

// Package pnl implements the position accounting fold over trade fills
package pnl

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading_engine/internal/core"
)

// maxNotional bounds monetary math against runaway inputs
var maxNotional = decimal.New(1, 15)

// ApplyFill folds one fill into the position fields of a state.
//
// Opening and increasing fills never touch cash; the weighted-average cost
// absorbs the new lot. Decreasing fills realize P&L against the unchanged
// average cost and credit cash. A fill that exceeds the open position closes
// it and opens the residual in the reversed direction at the fill price.
func ApplyFill(state *core.State, trade *core.Trade) error {
	if trade.Price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("fill price must be positive, got %s", trade.Price)
	}
	if trade.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("fill quantity must be positive, got %s", trade.Quantity)
	}
	if trade.Price.Mul(trade.Quantity).Abs().GreaterThan(maxNotional) {
		return fmt.Errorf("fill notional exceeds bound: %s x %s", trade.Price, trade.Quantity)
	}

	qty := trade.Quantity
	if trade.Side == core.SideSell {
		qty = qty.Neg()
	}

	switch {
	case state.Flat():
		open(state, qty, trade.Price)

	case sameDirection(state.PositionQuantity, qty):
		increase(state, qty, trade.Price)

	default:
		if err := decrease(state, qty, trade.Price); err != nil {
			return err
		}
	}

	return nil
}

func open(state *core.State, signedQty, price decimal.Decimal) {
	state.PositionQuantity = signedQty
	state.PositionAvgCost = price
	if signedQty.IsPositive() {
		state.PositionSide = core.PositionLong
	} else {
		state.PositionSide = core.PositionShort
	}
}

func increase(state *core.State, signedQty, price decimal.Decimal) {
	oldAbs := state.PositionQuantity.Abs()
	addAbs := signedQty.Abs()
	newAbs := oldAbs.Add(addAbs)

	// avg = (|old|*oldAvg + |add|*price) / |new|
	state.PositionAvgCost = oldAbs.Mul(state.PositionAvgCost).
		Add(addAbs.Mul(price)).
		Div(newAbs)
	state.PositionQuantity = state.PositionQuantity.Add(signedQty)
}

func decrease(state *core.State, signedQty, price decimal.Decimal) error {
	oldAbs := state.PositionQuantity.Abs()
	tradeAbs := signedQty.Abs()
	closed := decimal.Min(oldAbs, tradeAbs)

	var realized decimal.Decimal
	if state.PositionSide == core.PositionLong {
		realized = price.Sub(state.PositionAvgCost).Mul(closed)
	} else {
		realized = state.PositionAvgCost.Sub(price).Mul(closed)
	}

	state.RealizedPnL = state.RealizedPnL.Add(realized)
	state.CashBalance = state.CashBalance.Add(realized)

	residual := tradeAbs.Sub(oldAbs)
	switch {
	case residual.IsPositive():
		// The fill flips the position; the residual opens fresh at the
		// fill price in the reversed direction.
		flipped := residual
		if signedQty.IsNegative() {
			flipped = flipped.Neg()
		}
		open(state, flipped, price)

	case residual.IsZero():
		state.PositionQuantity = decimal.Zero
		state.PositionAvgCost = decimal.Zero
		state.PositionSide = ""

	default:
		// Partial close: average cost of the remaining lot is unchanged.
		state.PositionQuantity = state.PositionQuantity.Add(signedQty)
	}

	return nil
}

func sameDirection(position, signedQty decimal.Decimal) bool {
	return position.Sign() == signedQty.Sign()
}

// Unrealized returns the mark-to-market P&L of the open position. Flat
// positions have zero unrealized P&L.
func Unrealized(state *core.State, price decimal.Decimal) decimal.Decimal {
	if state.Flat() {
		return decimal.Zero
	}
	abs := state.PositionQuantity.Abs()
	if state.PositionSide == core.PositionLong {
		return price.Sub(state.PositionAvgCost).Mul(abs)
	}
	return state.PositionAvgCost.Sub(price).Mul(abs)
}

// TotalBalance returns cash plus unrealized P&L at the given price
func TotalBalance(state *core.State, price decimal.Decimal) decimal.Decimal {
	return state.CashBalance.Add(Unrealized(state, price))
}

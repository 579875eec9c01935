// Package core defines the shared types and interfaces of the trading engine
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyType discriminates the concrete strategy algorithm
type StrategyType string

const (
	StrategyGridOTT StrategyType = "GRID_OTT"
	StrategyDCAOTT  StrategyType = "DCA_OTT"
	StrategyBolGrid StrategyType = "BOL_GRID"
)

// Side is a trade/order direction
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType distinguishes market and limit orders
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OTTMode is the OTT trend regime. AL is the buy regime, SAT the sell regime.
type OTTMode string

const (
	OTTModeAL  OTTMode = "AL"
	OTTModeSAT OTTMode = "SAT"
)

// PositionSide is the direction of an open position
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Timeframe is a supported candle interval
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe1d  Timeframe = "1d"
)

// Timeframes lists every supported interval
var Timeframes = []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe1d}

// Valid reports whether the timeframe is one of the supported intervals
func (t Timeframe) Valid() bool {
	for _, tf := range Timeframes {
		if t == tf {
			return true
		}
	}
	return false
}

// SupportedSymbols is the enumerated set of tradable linear USDT perpetual pairs
var SupportedSymbols = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT",
	"ADAUSDT", "DOGEUSDT", "AVAXUSDT", "LINKUSDT", "DOTUSDT",
}

// SymbolSupported reports whether the symbol is in the supported set
func SymbolSupported(symbol string) bool {
	for _, s := range SupportedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// OTTParams are the EMA length and band width of the OTT indicator
type OTTParams struct {
	Period int     `json:"period"`
	Opt    float64 `json:"opt"`
}

// Strategy is a user-configured strategy definition. Immutable during a tick
// except for the active flag and counters managed by the engine.
type Strategy struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Symbol     string             `json:"symbol"`
	Timeframe  Timeframe          `json:"timeframe"`
	Type       StrategyType       `json:"strategy_type"`
	Parameters map[string]float64 `json:"parameters"`
	OTT        OTTParams          `json:"ott"`
	PriceMin   decimal.Decimal    `json:"price_min"`
	PriceMax   decimal.Decimal    `json:"price_max"`
	Active     bool               `json:"active"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Param returns a named parameter or the given default when absent
func (s *Strategy) Param(name string, def float64) float64 {
	if v, ok := s.Parameters[name]; ok {
		return v
	}
	return def
}

// Lot is an individual open purchase record inside a DCA or Bol-Grid position list
type Lot struct {
	BuyPrice  decimal.Decimal `json:"buy_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
	OrderID   string          `json:"order_id"`
}

// GridState is the GRID_OTT variant state
type GridState struct {
	// GF is the Grid Foundation price. Zero means uninitialized.
	GF decimal.Decimal `json:"gf"`
}

// DCAState is the DCA_OTT variant state
type DCAState struct {
	Positions       []Lot `json:"dca_positions"`
	CycleNumber     int   `json:"cycle_number"`
	CycleTradeCount int   `json:"cycle_trade_count"`
}

// BollingerSnapshot records the band values at the last processed bar
type BollingerSnapshot struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// BolGridState is the BOL_GRID variant state
type BolGridState struct {
	Positions     []Lot              `json:"positions"`
	AverageCost   decimal.Decimal    `json:"average_cost"`
	TotalQuantity decimal.Decimal    `json:"total_quantity"`
	CycleNumber   int                `json:"cycle_number"`
	CycleStep     int                `json:"cycle_step"`
	CycleTrades   int                `json:"cycle_trades"`
	LastBuyPrice  decimal.Decimal    `json:"last_buy_price"`
	LastSellPrice decimal.Decimal    `json:"last_sell_price"`
	LastBollinger *BollingerSnapshot `json:"last_bollinger,omitempty"`
	// LastEvent is the most recent reducer outcome ("buy", "partial_sell", "cycle_close")
	LastEvent string `json:"last_event,omitempty"`
}

// State is the mutable per-strategy state. The variant pointer matching the
// strategy type is set, the other two are nil.
type State struct {
	StrategyID string       `json:"strategy_id"`
	Symbol     string       `json:"symbol"`
	Type       StrategyType `json:"strategy_type"`

	// LastBarTimestamp is the open time (ms) of the last closed bar already
	// processed. Never decreases.
	LastBarTimestamp int64   `json:"last_bar_timestamp"`
	LastOTTMode      OTTMode `json:"last_ott_mode,omitempty"`

	InitialBalance   decimal.Decimal `json:"initial_balance"`
	CashBalance      decimal.Decimal `json:"cash_balance"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	PositionQuantity decimal.Decimal `json:"position_quantity"`
	// PositionAvgCost is zero while flat; it changes only on
	// position-increasing fills.
	PositionAvgCost decimal.Decimal `json:"position_avg_cost"`
	PositionSide    PositionSide    `json:"position_side,omitempty"`

	Grid    *GridState    `json:"grid,omitempty"`
	DCA     *DCAState     `json:"dca,omitempty"`
	BolGrid *BolGridState `json:"bol_grid,omitempty"`

	// OpenOrders caches the exchange view; the pending-orders WAL is authoritative.
	OpenOrders []string `json:"open_orders,omitempty"`
	// RecentOrderIDs is a bounded history used to discard duplicate fills.
	RecentOrderIDs []string  `json:"recent_order_ids,omitempty"`
	LastUpdate     time.Time `json:"last_update"`
}

// Flat reports whether the position is closed
func (s *State) Flat() bool {
	return s.PositionQuantity.IsZero()
}

// Trade is one append-only row per fill
type Trade struct {
	Timestamp  time.Time       `json:"timestamp"`
	StrategyID string          `json:"strategy_id"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Notional   decimal.Decimal `json:"notional"`
	OrderID    string          `json:"order_id"`
	Commission decimal.Decimal `json:"commission"`
	CycleInfo  string          `json:"cycle_info"`
	LimitPrice decimal.Decimal `json:"limit_price"`

	// Grid-specific fields, written by the GRID_OTT fill reducer.
	Z        int64           `json:"z"`
	GFBefore decimal.Decimal `json:"gf_before"`
	GFAfter  decimal.Decimal `json:"gf_after"`
}

// PendingStatus is the WAL status of a pending order
type PendingStatus string

const (
	PendingSubmit PendingStatus = "PENDING_SUBMIT"
	Submitted     PendingStatus = "SUBMITTED"
	PendingCancel PendingStatus = "PENDING_CANCEL"
	SubmitFailed  PendingStatus = "SUBMIT_FAILED"
)

// PendingOrder is a write-ahead-log entry for one exchange order
type PendingOrder struct {
	InternalID string          `json:"internal_id"`
	StrategyID string          `json:"strategy_id"`
	OrderID    string          `json:"order_id,omitempty"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Type       OrderType       `json:"order_type"`
	Status     PendingStatus   `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	CycleInfo  string          `json:"cycle_info,omitempty"`
}

// MarketInfo is the cached per-symbol exchange metadata
type MarketInfo struct {
	Symbol       string          `json:"symbol"`
	TickSize     decimal.Decimal `json:"tick_size"`
	StepSize     decimal.Decimal `json:"step_size"`
	MinQty       decimal.Decimal `json:"min_qty"`
	MinNotional  decimal.Decimal `json:"min_notional"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// Candle is one OHLCV bar
type Candle struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// OTTResult is the output of the OTT indicator for the latest bar
type OTTResult struct {
	Mode         OTTMode
	Baseline     float64
	Upper        float64
	Lower        float64
	CurrentPrice float64
}

// BollingerBands holds the band series aligned with the input prices.
// Values before index period-1 are zero.
type BollingerBands struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// Signal is a trade intent emitted by a strategy handler. A zero TargetPrice
// means a market order.
type Signal struct {
	ShouldTrade bool
	Side        Side
	TargetPrice decimal.Decimal
	Quantity    decimal.Decimal
	Reason      string
	Data        map[string]string
}

// NoSignal builds a suppressed signal with a human-readable reason
func NoSignal(reason string) *Signal {
	return &Signal{ShouldTrade: false, Reason: reason}
}

// OrderState is the normalized exchange-side order status
type OrderState string

const (
	OrderStateOpen            OrderState = "open"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateCanceled        OrderState = "canceled"
	OrderStateExpired         OrderState = "expired"
	OrderStateRejected        OrderState = "rejected"
)

// Terminal reports whether the order can no longer change on the exchange
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateExpired, OrderStateRejected:
		return true
	}
	return false
}

// OrderAck is the exchange acknowledgement of a created order
type OrderAck struct {
	OrderID string
	Status  OrderState
}

// OrderStatusDetail is a detailed exchange-side order status
type OrderStatusDetail struct {
	OrderID      string
	Status       OrderState
	Price        decimal.Decimal
	FilledQty    decimal.Decimal
	RemainingQty decimal.Decimal
	AveragePrice decimal.Decimal
	UpdateTime   time.Time
}

// ExchangePosition is one open position as reported by the exchange
type ExchangePosition struct {
	Symbol      string
	Quantity    decimal.Decimal
	EntryPrice  decimal.Decimal
	NotionalUSD decimal.Decimal
}

// PositionSummary aggregates exchange positions in USD. Authoritative input
// for the risk gate.
type PositionSummary struct {
	Positions    []ExchangePosition
	NetUSD       decimal.Decimal
	TotalLongUSD decimal.Decimal
	TotalShort   decimal.Decimal
}

// PositionLimits bound the aggregate net exchange position in USD
type PositionLimits struct {
	MaxPositionUSD decimal.Decimal `json:"max_position_usd"`
	MinPositionUSD decimal.Decimal `json:"min_position_usd"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DefaultPositionLimits are applied when no limits file exists
func DefaultPositionLimits() *PositionLimits {
	return &PositionLimits{
		MaxPositionUSD: decimal.NewFromInt(2000),
		MinPositionUSD: decimal.NewFromInt(-1200),
		UpdatedAt:      time.Now().UTC(),
	}
}

// DefaultInitialBalance is the conventional starting cash balance per strategy
var DefaultInitialBalance = decimal.NewFromInt(1000)

package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IExchange is the narrow, rate-limited capability set the core consumes.
// A single adapter failure must never corrupt strategy state; callers log
// and retry on the next tick.
type IExchange interface {
	GetName() string

	// Market metadata and data
	FetchMarkets(ctx context.Context) (map[string]*MarketInfo, error)
	GetMarketInfo(ctx context.Context, symbol string) (*MarketInfo, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// FetchOHLCV returns bars oldest first. The most recent bar may still be
	// open; consumers use the second-to-last bar as "last closed".
	FetchOHLCV(ctx context.Context, symbol string, timeframe Timeframe, limit int) ([]Candle, error)

	// Order operations
	CreateLimitOrder(ctx context.Context, symbol string, side Side, qty, price decimal.Decimal) (*OrderAck, error)
	CreateMarketOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (*OrderAck, error)
	// CancelOrder is idempotent: an order-not-found error counts as success.
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]*OrderStatusDetail, error)
	CheckOrderStatusDetailed(ctx context.Context, symbol string, orderIDs []string) ([]*OrderStatusDetail, error)

	// Positions
	GetAllPositions(ctx context.Context) (*PositionSummary, error)
}

// IStrategyHandler is the per-strategy-type capability: a state initializer,
// a pure decision function, and a fill reducer.
type IStrategyHandler interface {
	// InitializeState populates the variant state on a fresh State value.
	InitializeState(strategy *Strategy, state *State)
	// ValidateConfig rejects out-of-range or missing parameters.
	ValidateConfig(strategy *Strategy) error
	// CalculateSignal computes the trade intent for the current bar. Aside
	// from one-time anchor initialization it never mutates state.
	CalculateSignal(strategy *Strategy, state *State, price decimal.Decimal, ott *OTTResult, market *MarketInfo, candles []Candle) (*Signal, error)
	// ProcessFill folds a fill into the state. The GRID_OTT reducer also
	// writes z/gf_before/gf_after into the trade row.
	ProcessFill(strategy *Strategy, state *State, trade *Trade) error
}

// IStore is the persistence contract. All writes are atomic
// (write-tmp, fsync, rename-over) and trade rows are append-only.
type IStore interface {
	LoadStrategies() ([]*Strategy, error)
	SaveStrategies(strategies []*Strategy) error

	LoadState(strategyID string) (*State, error)
	SaveState(state *State) error

	AppendTrade(trade *Trade) error
	LoadTrades(strategyID string, since time.Time) ([]*Trade, error)

	LoadPendingOrders(strategyID string) (map[string]*PendingOrder, error)
	SavePendingOrders(strategyID string, pending map[string]*PendingOrder) error

	LoadPositionLimits() (*PositionLimits, error)
	SavePositionLimits(limits *PositionLimits) error
}

// IAlerter is the fire-and-forget notification sink
type IAlerter interface {
	Alert(ctx context.Context, title, message string, level string, fields map[string]string)
}

// IRiskGate validates proposed signals against aggregate position bounds
type IRiskGate interface {
	// Allow returns nil when the signal may proceed, or a denial reason error.
	Allow(ctx context.Context, strategy *Strategy, signal *Signal) error
}

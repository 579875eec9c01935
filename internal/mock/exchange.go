package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
)

// CreatedOrder records one order submission
type CreatedOrder struct {
	Symbol string
	Side   core.Side
	Qty    decimal.Decimal
	Price  decimal.Decimal
	Type   core.OrderType
	ID     string
}

// Exchange is a scripted core.IExchange for tests
type Exchange struct {
	mu sync.Mutex

	Markets  map[string]*core.MarketInfo
	Prices   map[string]decimal.Decimal
	Candles  map[string][]core.Candle
	Statuses map[string]*core.OrderStatusDetail
	Summary  *core.PositionSummary

	Created  []CreatedOrder
	Canceled []string

	FailCreate error
	FailCancel error
	FailStatus error

	nextID int
}

// NewExchange creates an empty scripted exchange
func NewExchange() *Exchange {
	return &Exchange{
		Markets:  map[string]*core.MarketInfo{},
		Prices:   map[string]decimal.Decimal{},
		Candles:  map[string][]core.Candle{},
		Statuses: map[string]*core.OrderStatusDetail{},
		Summary:  &core.PositionSummary{},
	}
}

func (e *Exchange) GetName() string { return "mock" }

func (e *Exchange) FetchMarkets(ctx context.Context) (map[string]*core.MarketInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*core.MarketInfo, len(e.Markets))
	for k, v := range e.Markets {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func (e *Exchange) GetMarketInfo(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.Markets[symbol]
	if !ok {
		return nil, apperrors.ErrInvalidSymbol
	}
	cp := *m
	if p, ok := e.Prices[symbol]; ok {
		cp.CurrentPrice = p
	}
	return &cp, nil
}

func (e *Exchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.Prices[symbol]
	if !ok {
		return decimal.Zero, apperrors.ErrInvalidSymbol
	}
	return p, nil
}

func (e *Exchange) FetchOHLCV(ctx context.Context, symbol string, timeframe core.Timeframe, limit int) ([]core.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	candles := e.Candles[symbol]
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]core.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (e *Exchange) CreateLimitOrder(ctx context.Context, symbol string, side core.Side, qty, price decimal.Decimal) (*core.OrderAck, error) {
	return e.create(symbol, side, qty, price, core.OrderTypeLimit)
}

func (e *Exchange) CreateMarketOrder(ctx context.Context, symbol string, side core.Side, qty decimal.Decimal) (*core.OrderAck, error) {
	return e.create(symbol, side, qty, decimal.Zero, core.OrderTypeMarket)
}

func (e *Exchange) create(symbol string, side core.Side, qty, price decimal.Decimal, typ core.OrderType) (*core.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailCreate != nil {
		return nil, e.FailCreate
	}
	e.nextID++
	id := fmt.Sprintf("mock-%d", e.nextID)
	e.Created = append(e.Created, CreatedOrder{
		Symbol: symbol, Side: side, Qty: qty, Price: price, Type: typ, ID: id,
	})
	e.Statuses[id] = &core.OrderStatusDetail{
		OrderID:      id,
		Status:       core.OrderStateOpen,
		Price:        price,
		RemainingQty: qty,
	}
	return &core.OrderAck{OrderID: id, Status: core.OrderStateOpen}, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailCancel != nil {
		return e.FailCancel
	}
	e.Canceled = append(e.Canceled, orderID)
	if st, ok := e.Statuses[orderID]; ok && !st.Status.Terminal() {
		st.Status = core.OrderStateCanceled
	}
	return nil
}

func (e *Exchange) CancelAllOrders(ctx context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, st := range e.Statuses {
		if !st.Status.Terminal() {
			st.Status = core.OrderStateCanceled
			e.Canceled = append(e.Canceled, id)
		}
	}
	return nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.OrderStatusDetail, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*core.OrderStatusDetail
	for _, st := range e.Statuses {
		if st.Status == core.OrderStateOpen || st.Status == core.OrderStatePartiallyFilled {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CheckOrderStatusDetailed returns statuses for the requested ids. Unknown
// ids are silently omitted, mirroring an exchange that no longer reports
// the order.
func (e *Exchange) CheckOrderStatusDetailed(ctx context.Context, symbol string, orderIDs []string) ([]*core.OrderStatusDetail, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailStatus != nil {
		return nil, e.FailStatus
	}
	var out []*core.OrderStatusDetail
	for _, id := range orderIDs {
		if st, ok := e.Statuses[id]; ok {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (e *Exchange) GetAllPositions(ctx context.Context) (*core.PositionSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.Summary
	return &cp, nil
}

// SetFilled scripts a fill for the given order id
func (e *Exchange) SetFilled(orderID string, avgPrice, filledQty decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Statuses[orderID] = &core.OrderStatusDetail{
		OrderID:      orderID,
		Status:       core.OrderStateFilled,
		FilledQty:    filledQty,
		AveragePrice: avgPrice,
	}
}

// SetStatus scripts an arbitrary status for the given order id
func (e *Exchange) SetStatus(detail *core.OrderStatusDetail) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Statuses[detail.OrderID] = detail
}

// Forget removes an order from the scripted exchange view entirely
func (e *Exchange) Forget(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.Statuses, orderID)
}

// LastCreated returns the most recent submission, or nil
func (e *Exchange) LastCreated() *CreatedOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Created) == 0 {
		return nil
	}
	cp := e.Created[len(e.Created)-1]
	return &cp
}

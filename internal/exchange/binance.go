// Package exchange provides Binance USDT-margined futures connectivity
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/pkg/concurrency"
	apperrors "trading_engine/pkg/errors"
)

// marketsTTL bounds how long the exchange-info cache is trusted
const marketsTTL = time.Hour

// BinanceExchange implements core.IExchange on the Binance futures REST API
type BinanceExchange struct {
	client   *futures.Client
	logger   core.ILogger
	pool     *concurrency.WorkerPool
	limiter  *rate.Limiter
	pipeline failsafe.Executor[any]

	marketsMu sync.RWMutex
	markets   map[string]*core.MarketInfo
	marketsAt time.Time

	// streamMu guards prices pushed by the mark-price websocket
	streamMu     sync.RWMutex
	streamPrices map[string]decimal.Decimal
}

// NewBinanceExchange creates the adapter. The pool is used for batched
// order-status queries; the limiter spaces every outbound request.
func NewBinanceExchange(cfg *config.ExchangeConfig, logger core.ILogger, pool *concurrency.WorkerPool) *BinanceExchange {
	futures.UseTestnet = cfg.UseTestnet
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	interval := time.Duration(cfg.MinRequestIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	return &BinanceExchange{
		client:       client,
		logger:       logger.WithField("component", "exchange").WithField("exchange", "binance"),
		pool:         pool,
		limiter:      rate.NewLimiter(rate.Every(interval), 1),
		pipeline:     failsafe.With[any](retryPolicy, breaker),
		streamPrices: make(map[string]decimal.Decimal),
	}
}

// GetName returns the exchange identifier
func (e *BinanceExchange) GetName() string { return "binance" }

// call spaces the request behind the process-wide limiter and runs it
// through the retry and circuit-breaker pipeline.
func (e *BinanceExchange) call(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return e.pipeline.Get(func() (any, error) {
		out, err := fn()
		if err != nil {
			return nil, e.mapError(err)
		}
		return out, nil
	})
}

// mapError normalizes Binance API errors onto the standard sentinels
func (e *BinanceExchange) mapError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	switch apiErr.Code {
	case -2015:
		return apperrors.ErrAuthenticationFailed
	case -2010, -2019:
		return apperrors.ErrInsufficientFunds
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1121:
		return apperrors.ErrInvalidSymbol
	case -2011, -2013:
		return apperrors.ErrOrderNotFound
	case -2012:
		return apperrors.ErrDuplicateOrder
	case -1013, -4164:
		return fmt.Errorf("%w: binance %d: %s", apperrors.ErrInvalidOrderParameter, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Message)
}

func mapOrderStatus(raw string) core.OrderState {
	switch raw {
	case "NEW":
		return core.OrderStateOpen
	case "PARTIALLY_FILLED":
		return core.OrderStatePartiallyFilled
	case "FILLED":
		return core.OrderStateFilled
	case "CANCELED":
		return core.OrderStateCanceled
	case "EXPIRED":
		return core.OrderStateExpired
	case "REJECTED":
		return core.OrderStateRejected
	}
	return core.OrderState(raw)
}

func mapSide(side core.Side) futures.SideType {
	if side == core.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

// FetchMarkets returns the linear USDT perpetual universe, refreshing the
// cache when stale. Symbols outside the supported set are skipped.
func (e *BinanceExchange) FetchMarkets(ctx context.Context) (map[string]*core.MarketInfo, error) {
	e.marketsMu.RLock()
	if e.markets != nil && time.Since(e.marketsAt) < marketsTTL {
		defer e.marketsMu.RUnlock()
		return e.markets, nil
	}
	e.marketsMu.RUnlock()
	return e.refreshMarkets(ctx)
}

func (e *BinanceExchange) refreshMarkets(ctx context.Context) (map[string]*core.MarketInfo, error) {
	out, err := e.call(ctx, func() (any, error) {
		return e.client.NewExchangeInfoService().Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}
	info := out.(*futures.ExchangeInfo)

	markets := make(map[string]*core.MarketInfo)
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.QuoteAsset != "USDT" || s.ContractType != "PERPETUAL" || s.Status != "TRADING" {
			continue
		}
		if !core.SymbolSupported(s.Symbol) {
			continue
		}
		m := &core.MarketInfo{Symbol: s.Symbol}
		if pf := s.PriceFilter(); pf != nil {
			m.TickSize, _ = decimal.NewFromString(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			m.StepSize, _ = decimal.NewFromString(lf.StepSize)
			m.MinQty, _ = decimal.NewFromString(lf.MinQuantity)
		}
		if nf := s.MinNotionalFilter(); nf != nil {
			m.MinNotional, _ = decimal.NewFromString(nf.Notional)
		}
		markets[s.Symbol] = m
	}

	e.marketsMu.Lock()
	e.markets = markets
	e.marketsAt = time.Now()
	e.marketsMu.Unlock()

	e.logger.Info("Markets refreshed", "count", len(markets))
	return markets, nil
}

// GetMarketInfo returns cached metadata for one symbol with the latest price
func (e *BinanceExchange) GetMarketInfo(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	markets, err := e.FetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := markets[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	price, err := e.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	cp := *m
	cp.CurrentPrice = price
	return &cp, nil
}

// GetCurrentPrice returns the latest mark price, preferring the websocket
// stream over a REST round trip.
func (e *BinanceExchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.streamMu.RLock()
	if p, ok := e.streamPrices[symbol]; ok && p.IsPositive() {
		e.streamMu.RUnlock()
		return p, nil
	}
	e.streamMu.RUnlock()

	out, err := e.call(ctx, func() (any, error) {
		return e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price %s: %w", symbol, err)
	}
	prices := out.([]*futures.SymbolPrice)
	for _, p := range prices {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
}

// setStreamPrice records a websocket-pushed price
func (e *BinanceExchange) setStreamPrice(symbol string, price decimal.Decimal) {
	e.streamMu.Lock()
	e.streamPrices[symbol] = price
	e.streamMu.Unlock()
}

// FetchOHLCV returns up to limit bars, oldest first. The last bar may still
// be open.
func (e *BinanceExchange) FetchOHLCV(ctx context.Context, symbol string, timeframe core.Timeframe, limit int) ([]core.Candle, error) {
	out, err := e.call(ctx, func() (any, error) {
		return e.client.NewKlinesService().
			Symbol(symbol).
			Interval(string(timeframe)).
			Limit(limit).
			Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, timeframe, err)
	}
	klines := out.([]*futures.Kline)

	candles := make([]core.Candle, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		cls, _ := strconv.ParseFloat(k.Close, 64)
		vol, _ := strconv.ParseFloat(k.Volume, 64)
		candles = append(candles, core.Candle{
			OpenTime: k.OpenTime,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    cls,
			Volume:   vol,
		})
	}
	return candles, nil
}

// normalizeOrder floors the quantity to the step size, rounds the price to
// the tick size, and rejects orders below the exchange minimums.
func (e *BinanceExchange) normalizeOrder(ctx context.Context, symbol string, qty, price decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	markets, err := e.FetchMarkets(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	m, ok := markets[symbol]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	if m.StepSize.IsPositive() {
		qty = qty.Div(m.StepSize).Floor().Mul(m.StepSize)
	}
	if price.IsPositive() && m.TickSize.IsPositive() {
		price = price.Div(m.TickSize).Round(0).Mul(m.TickSize)
	}

	if m.MinQty.IsPositive() && qty.LessThan(m.MinQty) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: qty %s below min %s",
			apperrors.ErrInvalidOrderParameter, qty, m.MinQty)
	}
	notionalPrice := price
	if notionalPrice.IsZero() {
		if notionalPrice, err = e.GetCurrentPrice(ctx, symbol); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	if m.MinNotional.IsPositive() && qty.Mul(notionalPrice).LessThan(m.MinNotional) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: notional %s below min %s",
			apperrors.ErrInvalidOrderParameter, qty.Mul(notionalPrice), m.MinNotional)
	}
	return qty, price, nil
}

// CreateLimitOrder places a GTC limit order with exchange-precision rounding
func (e *BinanceExchange) CreateLimitOrder(ctx context.Context, symbol string, side core.Side, qty, price decimal.Decimal) (*core.OrderAck, error) {
	qty, price, err := e.normalizeOrder(ctx, symbol, qty, price)
	if err != nil {
		return nil, err
	}

	out, err := e.call(ctx, func() (any, error) {
		return e.client.NewCreateOrderService().
			Symbol(symbol).
			Side(mapSide(side)).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Quantity(qty.String()).
			Price(price.String()).
			Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("create limit order %s: %w", symbol, err)
	}
	resp := out.(*futures.CreateOrderResponse)

	e.logger.Info("Limit order placed",
		"symbol", symbol, "side", side, "qty", qty.String(), "price", price.String(),
		"order_id", resp.OrderID)
	return &core.OrderAck{
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:  mapOrderStatus(string(resp.Status)),
	}, nil
}

// CreateMarketOrder places a market order with exchange-precision rounding
func (e *BinanceExchange) CreateMarketOrder(ctx context.Context, symbol string, side core.Side, qty decimal.Decimal) (*core.OrderAck, error) {
	qty, _, err := e.normalizeOrder(ctx, symbol, qty, decimal.Zero)
	if err != nil {
		return nil, err
	}

	out, err := e.call(ctx, func() (any, error) {
		return e.client.NewCreateOrderService().
			Symbol(symbol).
			Side(mapSide(side)).
			Type(futures.OrderTypeMarket).
			Quantity(qty.String()).
			Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("create market order %s: %w", symbol, err)
	}
	resp := out.(*futures.CreateOrderResponse)

	e.logger.Info("Market order placed",
		"symbol", symbol, "side", side, "qty", qty.String(), "order_id", resp.OrderID)
	return &core.OrderAck{
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:  mapOrderStatus(string(resp.Status)),
	}, nil
}

// CancelOrder cancels one order. An already-gone order counts as success.
func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad order id %q", apperrors.ErrInvalidOrderParameter, orderID)
	}

	_, err = e.call(ctx, func() (any, error) {
		return e.client.NewCancelOrderService().
			Symbol(symbol).
			OrderID(id).
			Do(ctx)
	})
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		e.logger.Debug("Cancel skipped, order already gone", "symbol", symbol, "order_id", orderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel order %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open order on the symbol
func (e *BinanceExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := e.call(ctx, func() (any, error) {
		return nil, e.client.NewCancelAllOpenOrdersService().
			Symbol(symbol).
			Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("cancel all orders %s: %w", symbol, err)
	}
	return nil
}

// GetOpenOrders lists the still-working orders on the symbol
func (e *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.OrderStatusDetail, error) {
	out, err := e.call(ctx, func() (any, error) {
		return e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list open orders %s: %w", symbol, err)
	}
	orders := out.([]*futures.Order)

	result := make([]*core.OrderStatusDetail, 0, len(orders))
	for _, o := range orders {
		result = append(result, orderToDetail(o))
	}
	return result, nil
}

// CheckOrderStatusDetailed queries the given orders in parallel on the worker
// pool. Orders the exchange no longer reports are omitted from the result.
func (e *BinanceExchange) CheckOrderStatusDetailed(ctx context.Context, symbol string, orderIDs []string) ([]*core.OrderStatusDetail, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	var details []*core.OrderStatusDetail
	var firstErr error

	group := e.pool.Group()
	for _, orderID := range orderIDs {
		id, err := strconv.ParseInt(orderID, 10, 64)
		if err != nil {
			continue
		}
		group.Submit(func() {
			out, err := e.call(ctx, func() (any, error) {
				return e.client.NewGetOrderService().
					Symbol(symbol).
					OrderID(id).
					Do(ctx)
			})
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, apperrors.ErrOrderNotFound) {
				return
			}
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			details = append(details, orderToDetail(out.(*futures.Order)))
		})
	}
	group.Wait()

	if firstErr != nil {
		return details, fmt.Errorf("check order status %s: %w", symbol, firstErr)
	}
	return details, nil
}

func orderToDetail(o *futures.Order) *core.OrderStatusDetail {
	orig, _ := decimal.NewFromString(o.OrigQuantity)
	filled, _ := decimal.NewFromString(o.ExecutedQuantity)
	avg, _ := decimal.NewFromString(o.AvgPrice)
	price, _ := decimal.NewFromString(o.Price)
	return &core.OrderStatusDetail{
		OrderID:      strconv.FormatInt(o.OrderID, 10),
		Status:       mapOrderStatus(string(o.Status)),
		Price:        price,
		FilledQty:    filled,
		RemainingQty: orig.Sub(filled),
		AveragePrice: avg,
		UpdateTime:   time.UnixMilli(o.UpdateTime),
	}
}

// GetAllPositions aggregates the account's open futures positions in USD
func (e *BinanceExchange) GetAllPositions(ctx context.Context) (*core.PositionSummary, error) {
	out, err := e.call(ctx, func() (any, error) {
		return e.client.NewGetPositionRiskService().Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	risks := out.([]*futures.PositionRisk)

	summary := &core.PositionSummary{}
	for _, p := range risks {
		qty, err := decimal.NewFromString(p.PositionAmt)
		if err != nil || qty.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		notional := qty.Mul(mark)

		summary.Positions = append(summary.Positions, core.ExchangePosition{
			Symbol:      p.Symbol,
			Quantity:    qty,
			EntryPrice:  entry,
			NotionalUSD: notional,
		})
		summary.NetUSD = summary.NetUSD.Add(notional)
		if notional.IsPositive() {
			summary.TotalLongUSD = summary.TotalLongUSD.Add(notional)
		} else {
			summary.TotalShort = summary.TotalShort.Add(notional)
		}
	}
	return summary, nil
}

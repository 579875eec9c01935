package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trading_engine/internal/core"
)

const (
	streamBaseURL        = "wss://fstream.binance.com/stream"
	streamTestnetBaseURL = "wss://stream.binancefuture.com/stream"

	streamReconnectDelay = 5 * time.Second
	streamReadDelay      = 2 * time.Second
)

// markPriceEvent is the markPrice payload inside a combined-stream frame
type markPriceEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	} `json:"data"`
}

// StartPriceStream subscribes to the mark-price stream for the given symbols
// and keeps the adapter's price cache warm. The goroutine reconnects on any
// read failure and exits when the context is canceled.
func (e *BinanceExchange) StartPriceStream(ctx context.Context, symbols []string, testnet bool) error {
	if len(symbols) == 0 {
		return fmt.Errorf("price stream needs at least one symbol")
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@markPrice@1s")
	}
	base := streamBaseURL
	if testnet {
		base = streamTestnetBaseURL
	}
	url := base + "?streams=" + strings.Join(streams, "/")

	go e.runPriceStream(ctx, url)
	return nil
}

func (e *BinanceExchange) runPriceStream(ctx context.Context, url string) {
	log := e.logger.WithField("stream", "mark_price")
	for {
		select {
		case <-ctx.Done():
			log.Info("Price stream stopped")
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			log.Warn("Price stream connect failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(streamReconnectDelay):
			}
			continue
		}
		log.Info("Price stream connected")

		e.readPriceStream(ctx, conn, log)
		conn.Close()

		select {
		case <-ctx.Done():
			log.Info("Price stream stopped")
			return
		case <-time.After(streamReadDelay):
		}
	}
}

func (e *BinanceExchange) readPriceStream(ctx context.Context, conn *websocket.Conn, log core.ILogger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn("Price stream read error, reconnecting", "error", err)
			return
		}

		var event markPriceEvent
		if err := json.Unmarshal(message, &event); err != nil {
			log.Debug("Price stream frame skipped", "error", err)
			continue
		}
		if event.Data.Symbol == "" {
			continue
		}
		price, err := decimal.NewFromString(event.Data.Price)
		if err != nil || !price.IsPositive() {
			continue
		}
		e.setStreamPrice(event.Data.Symbol, price)
	}
}

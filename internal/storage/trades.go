package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
)

// tradeHeader is the fixed column order of trades.csv
var tradeHeader = []string{
	"timestamp", "strategy_id", "side", "price", "quantity", "z",
	"notional", "gf_before", "gf_after", "commission", "order_id",
	"limit_price", "cycle_info",
}

// AppendTrade appends one fill row to the strategy's trade log. Rows are
// write-once; the file is never rewritten.
func (s *FileStore) AppendTrade(trade *core.Trade) error {
	dir := s.strategyDir(trade.StrategyID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create strategy dir: %v", apperrors.ErrPersistence, err)
	}
	path := filepath.Join(dir, "trades.csv")

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open trades %s: %v", apperrors.ErrPersistence, trade.StrategyID, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(tradeHeader); err != nil {
			return fmt.Errorf("%w: write trades header: %v", apperrors.ErrPersistence, err)
		}
	}

	row := []string{
		trade.Timestamp.UTC().Format(time.RFC3339Nano),
		trade.StrategyID,
		string(trade.Side),
		trade.Price.String(),
		trade.Quantity.String(),
		strconv.FormatInt(trade.Z, 10),
		trade.Notional.String(),
		trade.GFBefore.String(),
		trade.GFAfter.String(),
		trade.Commission.String(),
		trade.OrderID,
		trade.LimitPrice.String(),
		trade.CycleInfo,
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("%w: write trade row: %v", apperrors.ErrPersistence, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("%w: flush trade row: %v", apperrors.ErrPersistence, err)
	}
	return f.Sync()
}

// LoadTrades reads the trade rows for a strategy at or after the given time.
// A missing log yields an empty slice.
func (s *FileStore) LoadTrades(strategyID string, since time.Time) ([]*core.Trade, error) {
	path := filepath.Join(s.strategyDir(strategyID), "trades.csv")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open trades %s: %v", apperrors.ErrPersistence, strategyID, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(tradeHeader)

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: read trades %s: %v", apperrors.ErrPersistence, strategyID, err)
	}

	var trades []*core.Trade
	for i, rec := range records {
		if i == 0 && rec[0] == "timestamp" {
			continue
		}
		trade, err := parseTradeRow(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: trades %s row %d: %v", apperrors.ErrPersistence, strategyID, i, err)
		}
		if trade.Timestamp.Before(since) {
			continue
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

func parseTradeRow(rec []string) (*core.Trade, error) {
	ts, err := time.Parse(time.RFC3339Nano, rec[0])
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %v", rec[0], err)
	}

	z, err := strconv.ParseInt(rec[5], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad z %q: %v", rec[5], err)
	}

	dec := func(field, s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bad %s %q: %v", field, s, err)
		}
		return d, nil
	}

	trade := &core.Trade{
		Timestamp:  ts,
		StrategyID: rec[1],
		Side:       core.Side(rec[2]),
		OrderID:    rec[10],
		CycleInfo:  rec[12],
		Z:          z,
	}

	if trade.Price, err = dec("price", rec[3]); err != nil {
		return nil, err
	}
	if trade.Quantity, err = dec("quantity", rec[4]); err != nil {
		return nil, err
	}
	if trade.Notional, err = dec("notional", rec[6]); err != nil {
		return nil, err
	}
	if trade.GFBefore, err = dec("gf_before", rec[7]); err != nil {
		return nil, err
	}
	if trade.GFAfter, err = dec("gf_after", rec[8]); err != nil {
		return nil, err
	}
	if trade.Commission, err = dec("commission", rec[9]); err != nil {
		return nil, err
	}
	if trade.LimitPrice, err = dec("limit_price", rec[11]); err != nil {
		return nil, err
	}
	return trade, nil
}

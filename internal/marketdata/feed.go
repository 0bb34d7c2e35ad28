// Package marketdata provides the price sources the engine marks and fills
// against.
package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownSymbol = errors.New("symbol not supported")
	ErrNoPrice       = errors.New("no price available")
)

// PriceFeed returns the latest traded price of a symbol.
type PriceFeed interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// CandleSource returns OHLC history. The live engine never reads it; it is
// exposed for charting and backtest tooling.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, interval time.Duration, limit int) ([]Candle, error)
}

type Candle struct {
	Time  time.Time       `json:"time"`
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// Quote is a price with its provenance. Stale is set when the source failed
// and the price came from the last-known cache.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
	Stale  bool            `json:"stale"`
}

func aggregateCandles(base []Candle, interval time.Duration) []Candle {
	if interval <= time.Minute {
		out := make([]Candle, len(base))
		copy(out, base)
		return out
	}
	out := make([]Candle, 0, len(base))
	var cur *Candle
	for _, c := range base {
		bucket := c.Time.Truncate(interval)
		if cur == nil || !cur.Time.Equal(bucket) {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &Candle{Time: bucket, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close}
			continue
		}
		if c.High.GreaterThan(cur.High) {
			cur.High = c.High
		}
		if c.Low.LessThan(cur.Low) {
			cur.Low = c.Low
		}
		cur.Close = c.Close
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func trimCandles(candles []Candle, limit int) []Candle {
	if limit <= 0 || len(candles) <= limit {
		return candles
	}
	return candles[len(candles)-limit:]
}

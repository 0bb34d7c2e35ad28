package marketdata

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Static serves prices set by hand. Tests drive ticks and outages through it.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	errs   map[string]error
	calls  map[string]int
}

func NewStatic() *Static {
	return &Static{
		prices: make(map[string]decimal.Decimal),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[strings.ToUpper(symbol)] = price
	delete(s.errs, strings.ToUpper(symbol))
	s.mu.Unlock()
}

// Fail makes every lookup of symbol return err until the next Set.
func (s *Static) Fail(symbol string, err error) {
	s.mu.Lock()
	s.errs[strings.ToUpper(symbol)] = err
	s.mu.Unlock()
}

func (s *Static) Calls(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[strings.ToUpper(symbol)]
}

func (s *Static) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	symbol = strings.ToUpper(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[symbol]++
	if err := s.errs[symbol]; err != nil {
		return decimal.Zero, err
	}
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, ErrUnknownSymbol
	}
	return p, nil
}

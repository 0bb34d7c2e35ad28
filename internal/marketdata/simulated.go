package marketdata

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"lv-paperdesk/internal/clock"

	"github.com/shopspring/decimal"
)

const maxSimulatedCandles = 5000

type SymbolParams struct {
	StartPrice decimal.Decimal
	Volatility float64
}

type simSymbol struct {
	params  SymbolParams
	price   float64
	candles []Candle
}

// Simulated is a seeded random-walk feed that also keeps one-minute candles
// of the path it generated.
type Simulated struct {
	clock clock.Clock

	mu      sync.RWMutex
	rng     *rand.Rand
	symbols map[string]*simSymbol
}

func NewSimulated(clk clock.Clock, seed int64, symbols map[string]SymbolParams) *Simulated {
	s := &Simulated{
		clock:   clk,
		rng:     rand.New(rand.NewSource(seed)),
		symbols: make(map[string]*simSymbol, len(symbols)),
	}
	now := clk.Now()
	for sym, p := range symbols {
		start, _ := p.StartPrice.Float64()
		st := &simSymbol{params: p, price: start}
		st.record(now, start)
		s.symbols[strings.ToUpper(sym)] = st
	}
	return s
}

func (s *Simulated) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Simulated) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, ErrUnknownSymbol
	}
	return decimal.NewFromFloat(st.price).Round(8), nil
}

// Step advances every symbol by one log-normal step.
func (s *Simulated) Step() {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		names = append(names, sym)
	}
	sort.Strings(names)
	for _, sym := range names {
		st := s.symbols[sym]
		shock := s.rng.NormFloat64() * st.params.Volatility
		st.price *= math.Exp(shock)
		st.record(now, st.price)
	}
}

// Run steps the walk every interval until ctx is done.
func (s *Simulated) Run(ctx context.Context, interval time.Duration) {
	t := s.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			s.Step()
		}
	}
}

func (s *Simulated) Candles(ctx context.Context, symbol string, interval time.Duration, limit int) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	st, ok := s.symbols[strings.ToUpper(symbol)]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrUnknownSymbol
	}
	base := make([]Candle, len(st.candles))
	copy(base, st.candles)
	s.mu.RUnlock()
	return trimCandles(aggregateCandles(base, interval), limit), nil
}

func (st *simSymbol) record(at time.Time, price float64) {
	p := decimal.NewFromFloat(price).Round(8)
	bucket := at.Truncate(time.Minute)
	if n := len(st.candles); n > 0 && st.candles[n-1].Time.Equal(bucket) {
		last := &st.candles[n-1]
		last.Close = p
		if p.GreaterThan(last.High) {
			last.High = p
		}
		if p.LessThan(last.Low) {
			last.Low = p
		}
		return
	}
	st.candles = append(st.candles, Candle{Time: bucket, Open: p, High: p, Low: p, Close: p})
	if len(st.candles) > maxSimulatedCandles {
		st.candles = st.candles[len(st.candles)-maxSimulatedCandles:]
	}
}

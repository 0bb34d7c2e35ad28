// Package ticker drives mark-to-market, trigger evaluation and resting
// order execution from a recurring price poll.
package ticker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lv-paperdesk/internal/clock"
	"lv-paperdesk/internal/logging"
	"lv-paperdesk/internal/marketdata"
	"lv-paperdesk/internal/orders"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type Quoter interface {
	Quote(ctx context.Context, symbol string) (marketdata.Quote, error)
}

// Engine is the part of the order simulator a tick drives.
type Engine interface {
	OnPrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) (orders.TickResult, error)
	ExpireOrders(ctx context.Context) (int, error)
	ActiveSymbols(ctx context.Context) ([]string, error)
}

type Options struct {
	Interval time.Duration
	// Workers bounds how many symbols are processed at once.
	Workers int
	// Symbols are always polled, in addition to symbols with exposure.
	Symbols []string
}

type Loop struct {
	feed   Quoter
	engine Engine
	clock  clock.Clock
	opts   Options
	log    *slog.Logger

	last atomic.Int64
}

func New(feed Quoter, engine Engine, clk clock.Clock, opts Options, log *slog.Logger) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Loop{feed: feed, engine: engine, clock: clk, opts: opts, log: log}
}

// Summary counts what one tick did across symbols.
type Summary struct {
	Symbols   int
	Applied   int
	Failed    int
	Marked    int
	Triggered int
	Filled    int
	Expired   int
}

// Tick polls every symbol once. Symbols run concurrently up to Workers; a
// symbol whose price cannot be fetched or applied is logged and skipped
// without affecting the others.
func (l *Loop) Tick(ctx context.Context) (Summary, error) {
	var sum Summary
	expired, err := l.engine.ExpireOrders(ctx)
	sum.Expired = expired
	if err != nil {
		l.log.Error("expire orders", "err", err)
	}
	symbols, err := l.symbols(ctx)
	if err != nil {
		return sum, err
	}
	sum.Symbols = len(symbols)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(l.opts.Workers)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			res, err := l.apply(ctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				return nil
			}
			sum.Applied++
			sum.Marked += res.Marked
			sum.Triggered += len(res.Triggered)
			sum.Filled += len(res.Filled)
			sum.Expired += res.Expired
			return nil
		})
	}
	_ = g.Wait()
	l.last.Store(l.clock.Now().UnixNano())
	if sum.Triggered > 0 || sum.Filled > 0 || sum.Failed > 0 {
		l.log.Info("tick", "symbols", sum.Symbols, "failed", sum.Failed, "triggered", sum.Triggered, "filled", sum.Filled, "expired", sum.Expired)
	}
	return sum, nil
}

func (l *Loop) apply(ctx context.Context, symbol string) (orders.TickResult, error) {
	q, err := l.feed.Quote(ctx, symbol)
	if err != nil {
		l.log.Warn("price unavailable, symbol skipped this tick", "symbol", symbol, "err", err)
		return orders.TickResult{}, err
	}
	if q.Stale {
		l.log.Warn("applying stale price", "symbol", symbol, "price", q.Price.String(), "at", q.At)
	}
	res, err := l.engine.OnPrice(ctx, symbol, q.Price, q.At)
	if err != nil {
		if errors.Is(err, orders.ErrStaleTick) {
			l.log.Debug("tick skipped", "symbol", symbol, "err", err)
		} else {
			l.log.Warn("apply tick", "symbol", symbol, "err", err)
		}
		return res, err
	}
	return res, nil
}

func (l *Loop) symbols(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, s := range l.opts.Symbols {
		seen[strings.ToUpper(s)] = struct{}{}
	}
	active, err := l.engine.ActiveSymbols(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range active {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// LastTick is when the most recent tick finished, zero before the first.
func (l *Loop) LastTick() time.Time {
	n := l.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Handle stops a running loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the schedule and waits for an in-flight tick to finish.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start runs Tick on every interval until the context is cancelled or the
// handle is stopped. A tick in progress always runs to completion.
func (l *Loop) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	t := l.clock.NewTicker(l.opts.Interval)
	go func() {
		defer close(h.done)
		defer t.Stop()
		l.log.Info("tick loop started", "interval", l.opts.Interval.String(), "workers", l.opts.Workers)
		for {
			select {
			case <-ctx.Done():
				l.log.Info("tick loop stopped")
				return
			case <-t.Chan():
				if _, err := l.Tick(context.WithoutCancel(ctx)); err != nil {
					l.log.Error("tick", "err", err)
				}
			}
		}
	}()
	return h
}

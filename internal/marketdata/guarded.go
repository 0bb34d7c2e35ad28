package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lv-paperdesk/internal/clock"
	"lv-paperdesk/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

type GuardOptions struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	// StaleMaxAge enables the last-known fallback. Zero means a failed
	// fetch is an error.
	StaleMaxAge time.Duration
}

// Guarded wraps a PriceFeed with a per-attempt timeout, bounded retries with
// exponential backoff and a last-known price cache.
type Guarded struct {
	src   PriceFeed
	clock clock.Clock
	opts  GuardOptions
	log   *slog.Logger

	mu   sync.RWMutex
	last map[string]Quote
}

func NewGuarded(src PriceFeed, clk clock.Clock, opts GuardOptions, log *slog.Logger) *Guarded {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Guarded{src: src, clock: clk, opts: opts, log: log, last: make(map[string]Quote)}
}

func (g *Guarded) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, err := g.Quote(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// Quote fetches a fresh price. When every attempt fails and a cached price
// younger than StaleMaxAge exists, that price is returned flagged Stale.
func (g *Guarded) Quote(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var price decimal.Decimal
	err := g.retry(ctx, symbol, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
		p, err := g.src.CurrentPrice(attemptCtx, symbol)
		if err != nil {
			return err
		}
		if !p.IsPositive() {
			return fmt.Errorf("%w: non-positive price %s", ErrNoPrice, p)
		}
		price = p
		return nil
	})
	now := g.clock.Now()
	if err == nil {
		q := Quote{Symbol: symbol, Price: price, At: now}
		g.mu.Lock()
		g.last[symbol] = q
		g.mu.Unlock()
		return q, nil
	}
	if g.opts.StaleMaxAge > 0 {
		if q, ok := g.LastKnown(symbol); ok && now.Sub(q.At) <= g.opts.StaleMaxAge {
			g.log.Warn("serving stale price", "symbol", symbol, "age", now.Sub(q.At).String(), "err", err)
			q.Stale = true
			return q, nil
		}
	}
	return Quote{}, err
}

func (g *Guarded) LastKnown(symbol string) (Quote, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	q, ok := g.last[strings.ToUpper(symbol)]
	return q, ok
}

// retry runs fn up to Retries+1 times, doubling the pause from RetryDelay.
func (g *Guarded) retry(ctx context.Context, symbol string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.RetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = g.opts.RetryDelay << g.opts.Retries
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.opts.Retries)), ctx)
	return backoff.RetryNotifyWithTimer(fn, policy, func(err error, next time.Duration) {
		g.log.Debug("price fetch retry", "symbol", symbol, "in", next.String(), "err", err)
	}, &retryTimer{clock: g.clock})
}

// retryTimer drives backoff pauses from the service clock.
type retryTimer struct {
	clock clock.Clock
	t     clockwork.Timer
}

func (r *retryTimer) Start(d time.Duration) {
	if r.t == nil {
		r.t = r.clock.NewTimer(d)
		return
	}
	r.t.Reset(d)
}

func (r *retryTimer) Stop() {
	if r.t != nil {
		r.t.Stop()
	}
}

func (r *retryTimer) C() <-chan time.Time { return r.t.Chan() }

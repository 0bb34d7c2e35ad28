// Package clock abstracts wall-clock time so scheduled work can be driven
// deterministically in tests. It is a thin layer over clockwork that adds a
// context-aware Sleep and keeps every timestamp in UTC.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
	NewTimer(d time.Duration) clockwork.Timer
	Sleep(ctx context.Context, d time.Duration) error
}

type base struct {
	c clockwork.Clock
}

func (b base) Now() time.Time { return b.c.Now().UTC() }

func (b base) NewTicker(d time.Duration) clockwork.Ticker { return b.c.NewTicker(d) }

func (b base) NewTimer(d time.Duration) clockwork.Timer { return b.c.NewTimer(d) }

// Sleep blocks for d or until ctx is done, whichever comes first.
func (b base) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := b.c.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}

func Real() Clock {
	return base{c: clockwork.NewRealClock()}
}

// Fake is a manually advanced clock. Tickers fire and sleepers wake only when
// Advance moves time past their deadline.
type Fake struct {
	base
	fc clockwork.FakeClock
}

func NewFake(start time.Time) *Fake {
	fc := clockwork.NewFakeClockAt(start)
	return &Fake{base: base{c: fc}, fc: fc}
}

func (f *Fake) Advance(d time.Duration) { f.fc.Advance(d) }

// BlockUntil waits until n tickers, timers or sleepers are registered.
func (f *Fake) BlockUntil(n int) { f.fc.BlockUntil(n) }

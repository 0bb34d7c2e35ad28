package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewFake(start)
	tk := c.NewTicker(time.Second)

	select {
	case <-tk.Chan():
		t.Fatal("ticker fired before advance")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-tk.Chan():
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}

	tk.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-tk.Chan():
		t.Fatal("stopped ticker fired")
	default:
	}
	assert.True(t, start.Add(6*time.Second).Equal(c.Now()))
}

func TestFakeSleepWakesOnAdvance(t *testing.T) {
	c := NewFake(time.Unix(0, 0).UTC())
	done := make(chan error, 1)
	go func() { done <- c.Sleep(context.Background(), 100*time.Millisecond) }()

	c.BlockUntil(1)
	c.Advance(100 * time.Millisecond)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleeper not woken")
	}
}

func TestSleepHonoursContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Real().Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, Real().Sleep(context.Background(), 0))

	err = NewFake(time.Unix(0, 0)).Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNowIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	c := NewFake(time.Date(2026, 1, 2, 3, 0, 0, 0, loc))
	assert.Equal(t, time.UTC, c.Now().Location())
	assert.Equal(t, 0, c.Now().Hour())
}

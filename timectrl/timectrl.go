package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source of the round scheduler. Injecting it keeps round
// pacing testable without real sleeps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

// Wall returns a Clock backed by the system clock.
func Wall() Clock { return wallClock{} }

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FakeClock is a manually driven Clock. Sleep advances the clock instantly
// and records the requested duration.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFakeClock returns a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now implements Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep implements Clock.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

// Advance moves the clock forward by d, simulating work.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns every duration passed to Sleep so far.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// Pacer holds rounds to a fixed length. Rounds that overrun are not
// compensated; the next round simply starts late.
type Pacer struct {
	Clock       Clock
	RoundLength time.Duration
}

// NewPacer constructs a Pacer. A nil clock means the wall clock.
func NewPacer(clock Clock, roundLength time.Duration) *Pacer {
	if clock == nil {
		clock = Wall()
	}
	return &Pacer{Clock: clock, RoundLength: roundLength}
}

// Remaining is the idle time left in a round that started at start.
func (p *Pacer) Remaining(start time.Time) time.Duration {
	elapsed := p.Clock.Now().Sub(start)
	if elapsed >= p.RoundLength {
		return 0
	}
	return p.RoundLength - elapsed
}

// WaitRoundEnd sleeps out the rest of the round and returns the time slept.
func (p *Pacer) WaitRoundEnd(ctx context.Context, start time.Time) (time.Duration, error) {
	rest := p.Remaining(start)
	if rest <= 0 {
		return 0, nil
	}
	if err := p.Clock.Sleep(ctx, rest); err != nil {
		return 0, err
	}
	return rest, nil
}

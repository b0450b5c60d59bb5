package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeClock advances only when slept on
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	Sleeps []time.Duration
	// OnSleep runs after each sleep, before it returns
	OnSleep func(n int)
}

// NewFakeClock creates a clock frozen at start
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.now = c.now.Add(d)
	c.Sleeps = append(c.Sleeps, d)
	n := len(c.Sleeps)
	hook := c.OnSleep
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

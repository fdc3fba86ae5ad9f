// Package clock abstracts the simulated network latency of a charge so callers
// can swap wall-clock waits for deterministic gates in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Delay blocks for the duration of one simulated round trip.
type Delay interface {
	Wait(ctx context.Context) error
}

// DelayFunc adapts a function to Delay.
type DelayFunc func(ctx context.Context) error

func (f DelayFunc) Wait(ctx context.Context) error { return f(ctx) }

// None returns immediately.
var None Delay = DelayFunc(func(ctx context.Context) error { return ctx.Err() })

// Fixed waits d of wall-clock time, or until ctx is done.
func Fixed(d time.Duration) Delay {
	if d <= 0 {
		return None
	}
	return DelayFunc(func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Gate is a Delay that holds every waiter until Release is called.
// Arrived lets tests observe that a waiter is parked before releasing it.
type Gate struct {
	mu       sync.Mutex
	open     chan struct{}
	released bool
	arrived  int
	consumed int
	changed  chan struct{}
}

// NewGate returns a closed gate.
func NewGate() *Gate {
	return &Gate{
		open:    make(chan struct{}),
		changed: make(chan struct{}),
	}
}

func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.arrived++
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()

	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arrived blocks until n more waiters have reached the gate or ctx is done.
func (g *Gate) Arrived(ctx context.Context, n int) error {
	for {
		g.mu.Lock()
		if g.arrived-g.consumed >= n {
			g.consumed += n
			g.mu.Unlock()
			return nil
		}
		changed := g.changed
		g.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release lets all current and future waiters through.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.released {
		close(g.open)
		g.released = true
	}
}

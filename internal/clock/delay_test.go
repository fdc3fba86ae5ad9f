package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNone(t *testing.T) {
	require.NoError(t, None.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, None.Wait(ctx), context.Canceled)
}

func TestFixed(t *testing.T) {
	require.NoError(t, Fixed(0).Wait(context.Background()))

	start := time.Now()
	require.NoError(t, Fixed(5*time.Millisecond).Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Fixed(time.Hour).Wait(ctx), context.Canceled)
}

func TestGate(t *testing.T) {
	g := NewGate()
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- g.Wait(ctx) }()
	}
	require.NoError(t, g.Arrived(ctx, 2))

	select {
	case <-errs:
		t.Fatal("waiter passed a closed gate")
	default:
	}

	g.Release()
	g.Release()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	require.NoError(t, g.Wait(ctx), "released gate stays open")
}

func TestGate_Cancel(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.Canceled)
	assert.ErrorIs(t, g.Arrived(ctx, 5), context.Canceled)
}

func TestGate_ManyWaiters(t *testing.T) {
	g := NewGate()
	ctx := context.Background()
	const waiters = 2000

	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() { errs <- g.Wait(ctx) }()
	}
	require.NoError(t, g.Arrived(ctx, waiters))

	g.Release()
	for i := 0; i < waiters; i++ {
		require.NoError(t, <-errs)
	}
}

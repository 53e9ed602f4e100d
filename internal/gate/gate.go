// Package gate implements the Capacity Gate: an optional asynchronous
// counting semaphore that backpressures submissions to the configured pool
// size. Built on golang.org/x/sync/semaphore rather than a hand-rolled
// channel-based semaphore.
package gate

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate backpressures submissions to N concurrent operations. A nil *Gate is
// a valid, disabled gate: Acquire/Release are no-ops and Available always
// reports (0, false); capacity is then enforced by the slot pool alone.
type Gate struct {
	sem       *semaphore.Weighted
	available atomic.Int64
}

// New returns an enabled Gate with n initial permits.
func New(n int) *Gate {
	g := &Gate{sem: semaphore.NewWeighted(int64(n))}
	g.available.Store(int64(n))
	return g
}

// Acquire blocks for one permit, honoring ctx cancellation. The underlying
// weighted semaphore guarantees that if ctx is done before a permit is
// granted, no permit is consumed — acquisition is cancellation-safe.
func (g *Gate) Acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.available.Add(-1)
	return nil
}

// Release returns one permit. Safe to call on a nil (disabled) Gate.
func (g *Gate) Release() {
	if g == nil {
		return
	}
	g.sem.Release(1)
	g.available.Add(1)
}

// Available reports the current permit count and whether the gate is
// enabled. golang.org/x/sync/semaphore.Weighted does not expose its
// internal count, so Gate mirrors it in an atomic counter kept alongside
// every Acquire/Release.
func (g *Gate) Available() (int, bool) {
	if g == nil {
		return 0, false
	}
	return int(g.available.Load()), true
}

// TryAcquire attempts to acquire a permit without blocking. It is used only
// by tests; the submission path never calls it, and with the gate disabled
// submissions go straight to the slot pool instead.
func (g *Gate) TryAcquire() bool {
	if g == nil {
		return false
	}
	if g.sem.TryAcquire(1) {
		g.available.Add(-1)
		return true
	}
	return false
}

package slotpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTakeReadyEmptyReturnsFalse(t *testing.T) {
	p := NewPool(2, &sync.Mutex{})
	_, ok := p.TakeReady()
	require.True(t, ok)
	_, ok = p.TakeReady()
	require.True(t, ok)
	_, ok = p.TakeReady()
	require.False(t, ok, "pool of size 2 must report empty on the third take")
}

func TestSlotConservationAcrossLifecycle(t *testing.T) {
	const n = 8
	p := NewPool(n, &sync.Mutex{})

	held := make([]*Slot, 0, n)
	for i := 0; i < n; i++ {
		s, ok := p.TakeReady()
		require.True(t, ok)
		held = append(held, s)
	}
	ready, outstanding := p.Counts()
	require.Equal(t, 0, ready)
	require.Equal(t, 0, outstanding)
	require.Equal(t, n, len(held))

	// Half complete normally (back to ready), half are cancelled while
	// still outstanding in the "kernel".
	for i := 0; i < n/2; i++ {
		p.ReturnInFlightToReady(held[i])
	}
	for i := n / 2; i < n; i++ {
		p.MoveToOutstanding(held[i])
	}

	ready, outstanding = p.Counts()
	require.Equal(t, n/2, ready)
	require.Equal(t, n/2, outstanding)
	require.Equal(t, n, ready+outstanding, "P1: ready+outstanding must equal pool size when nothing is held")

	// The "kernel" finally completes the outstanding half.
	for i := n / 2; i < n; i++ {
		addr := held[i].Addr()
		got := p.ReturnOutstandingToReady(addr)
		require.Same(t, held[i], got)
	}

	ready, outstanding = p.Counts()
	require.Equal(t, n, ready)
	require.Equal(t, 0, outstanding)
}

func TestReturnOutstandingToReadyPanicsOnUnknownCookie(t *testing.T) {
	p := NewPool(1, &sync.Mutex{})
	require.Panics(t, func() {
		p.ReturnOutstandingToReady(0xdeadbeef)
	})
}

func TestSlotAddressStableAcrossListMoves(t *testing.T) {
	p := NewPool(1, &sync.Mutex{})
	s, _ := p.TakeReady()
	addr := s.Addr()

	p.MoveToOutstanding(s)
	require.Equal(t, addr, s.Addr())

	got := p.ReturnOutstandingToReady(addr)
	require.Equal(t, addr, got.Addr())
}

func TestSendToWaiterReportsFalseWhenNoWaiterRegistered(t *testing.T) {
	s := &Slot{}
	require.False(t, s.SendToWaiter(0), "a freshly constructed slot has no live waiter")
}

func TestArmSendToWaiterRoundTrip(t *testing.T) {
	s := &Slot{}
	ch := s.Arm(nil)
	require.True(t, s.SendToWaiter(42))
	r := <-ch
	require.Equal(t, int64(42), r.Res)
}

func TestMarkAbandonedBeforeCompletion(t *testing.T) {
	s := &Slot{}
	s.Arm(nil)
	_, got := s.MarkAbandoned()
	require.False(t, got, "no result queued yet, slot must be reported as genuinely outstanding")
}

func TestMarkAbandonedAfterRaceWithCompletion(t *testing.T) {
	s := &Slot{}
	s.Arm(nil)
	require.True(t, s.SendToWaiter(7))
	r, got := s.MarkAbandoned()
	require.True(t, got, "a result was already queued when cancellation observed the slot")
	require.Equal(t, int64(7), r.Res)
}

func TestAbandonOutstandingBeforeCompletionParksOnOutstandingList(t *testing.T) {
	p := NewPool(1, &sync.Mutex{})
	s, _ := p.TakeReady()
	s.Arm(nil)

	_, delivered := p.AbandonOutstanding(s)
	require.False(t, delivered, "no result queued yet, slot must be reported as genuinely outstanding")

	ready, outstanding := p.Counts()
	require.Equal(t, 0, ready)
	require.Equal(t, 1, outstanding, "AbandonOutstanding must park the slot atomically with marking it gone")
}

func TestAbandonOutstandingAfterRaceWithCompletion(t *testing.T) {
	p := NewPool(1, &sync.Mutex{})
	s, _ := p.TakeReady()
	s.Arm(nil)
	require.True(t, s.SendToWaiter(7))

	r, delivered := p.AbandonOutstanding(s)
	require.True(t, delivered, "a result was already queued when cancellation observed the slot")
	require.Equal(t, int64(7), r.Res)

	ready, outstanding := p.Counts()
	require.Equal(t, 0, ready, "a delivered slot is reclaimed by the caller via ReturnInFlightToReady, not by AbandonOutstanding")
	require.Equal(t, 0, outstanding)
}

func TestSingleThreadedPoolUsesNoopLock(t *testing.T) {
	p := NewPool(4, NoopLock{})
	s, ok := p.TakeReady()
	require.True(t, ok)
	p.ReturnInFlightToReady(s)
	ready, _ := p.Counts()
	require.Equal(t, 4, ready)
}

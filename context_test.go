//go:build linux

package kaio

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/kaio/internal/aio"
	"github.com/joeycumines/kaio/internal/aio/aiotest"
)

type fakeBuffer struct {
	addr uintptr
	len  int
	tok  *fakeToken
}

func newFakeBuffer(n int) *fakeBuffer {
	b := make([]byte, n)
	return &fakeBuffer{addr: uintptr(len(b)) + 1, len: n, tok: &fakeToken{}}
}

func (b *fakeBuffer) Addr() uintptr      { return b.addr }
func (b *fakeBuffer) Len() int           { return b.len }
func (b *fakeBuffer) Token() BufferToken { return b.tok }

type fakeToken struct{ released bool }

func (t *fakeToken) Release() { t.released = true }

func newTestContext(t *testing.T, n int, opts ...Option) (*Context, *Handle, *aiotest.Fake) {
	t.Helper()
	fake := aiotest.NewFake()
	all := append([]Option{withSyscaller(fake, fake)}, opts...)
	c, h, err := New(n, all...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, h, fake
}

func TestSubmitRequestSuccessRoundTrip(t *testing.T) {
	_, h, fake := newTestContext(t, 4)

	buf := newFakeBuffer(16)
	resCh := make(chan struct {
		n   int64
		err error
	}, 1)
	go func() {
		n, err := h.SubmitRequest(context.Background(), 3, RawCommand{
			Opcode: OpPread,
			Offset: 0,
			Buf:    buf,
			Length: 16,
		})
		resCh <- struct {
			n   int64
			err error
		}{n, err}
	}()

	var cb aio.Iocb
	require.Eventually(t, func() bool {
		cb = fake.LastSubmitted()
		return cb.AioFildes == 3
	}, time.Second, time.Millisecond)
	fake.Complete(&cb, 16)

	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		require.Equal(t, int64(16), r.n)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SubmitRequest")
	}
	require.True(t, buf.tok.released)
}

func TestSubmitRequestKernelErrorResult(t *testing.T) {
	_, h, fake := newTestContext(t, 4)

	buf := newFakeBuffer(16)
	resCh := make(chan error, 1)
	go func() {
		_, err := h.SubmitRequest(context.Background(), 3, RawCommand{
			Opcode: OpPread, Buf: buf, Length: 16,
		})
		resCh <- err
	}()

	var cb aio.Iocb
	require.Eventually(t, func() bool {
		cb = fake.LastSubmitted()
		return cb.AioFildes == 3
	}, time.Second, time.Millisecond)
	fake.Complete(&cb, -5) // -EIO

	err := <-resCh
	var kerr *KernelResultError
	require.ErrorAs(t, err, &kerr)
}

func TestSubmitRequestCancellationBeforeCompletionIsReclaimedLater(t *testing.T) {
	c, h, fake := newTestContext(t, 2)

	buf := newFakeBuffer(16)
	ctx, cancel := context.WithCancel(context.Background())

	resCh := make(chan error, 1)
	go func() {
		_, err := h.SubmitRequest(ctx, 3, RawCommand{Opcode: OpPread, Buf: buf, Length: 16})
		resCh <- err
	}()

	var cb aio.Iocb
	require.Eventually(t, func() bool {
		cb = fake.LastSubmitted()
		return cb.AioFildes == 3
	}, time.Second, time.Millisecond)

	avail, ok := c.AvailableSlots()
	require.True(t, ok)
	require.Equal(t, 1, avail) // one permit held by the in-flight op

	cancel()
	err := <-resCh
	require.ErrorIs(t, err, context.Canceled)

	// the slot is parked outstanding, not yet returned: no permit released
	// until the simulated kernel completion actually arrives.
	avail, _ = c.AvailableSlots()
	require.Equal(t, 1, avail)

	fake.Complete(&cb, 16)

	require.Eventually(t, func() bool {
		avail, _ := c.AvailableSlots()
		return avail == 2
	}, time.Second, time.Millisecond)
	require.True(t, buf.tok.released)
}

func TestSubmitRequestCancellationWinsRaceAfterCompletion(t *testing.T) {
	_, h, fake := newTestContext(t, 2, WithoutCapacityGate())

	buf := newFakeBuffer(16)
	ctx, cancel := context.WithCancel(context.Background())
	// Already cancelled. With the gate disabled there is no permit acquire to
	// fail first, so the operation is still submitted; cancellation then wins
	// the select before any completion is queued, the slot is parked
	// outstanding, and the completion below is reclaimed by the loop.
	cancel()

	_, err := h.SubmitRequest(ctx, 3, RawCommand{Opcode: OpPread, Buf: buf, Length: 16})
	require.Error(t, err)

	cb := fake.LastSubmitted()
	fake.Complete(&cb, 16)
	time.Sleep(10 * time.Millisecond) // let the completion loop reclaim
}

func TestSubmitRequestRejectsUndersizedBuffer(t *testing.T) {
	_, h, _ := newTestContext(t, 2)
	buf := newFakeBuffer(4)
	_, err := h.SubmitRequest(context.Background(), 3, RawCommand{Opcode: OpPwrite, Buf: buf, Length: 16})
	require.Error(t, err)
}

func TestSubmitRequestRejectsMissingBufferForReadWrite(t *testing.T) {
	_, h, _ := newTestContext(t, 2)
	_, err := h.SubmitRequest(context.Background(), 3, RawCommand{Opcode: OpPwrite, Length: 16})
	require.Error(t, err)
}

func TestSyncOpcodesNeedNoBuffer(t *testing.T) {
	_, h, fake := newTestContext(t, 2)
	resCh := make(chan error, 1)
	go func() {
		_, err := h.SubmitRequest(context.Background(), 3, RawCommand{Opcode: OpFsync})
		resCh <- err
	}()
	var cb aio.Iocb
	require.Eventually(t, func() bool {
		cb = fake.LastSubmitted()
		return cb.AioFildes == 3
	}, time.Second, time.Millisecond)
	fake.Complete(&cb, 0)
	require.NoError(t, <-resCh)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _, _ := newTestContext(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
}

func TestCloseWaitsForInFlightOperations(t *testing.T) {
	c, h, fake := newTestContext(t, 2)

	buf := newFakeBuffer(16)
	submitted := make(chan struct{})
	resCh := make(chan error, 1)
	go func() {
		close(submitted)
		_, err := h.SubmitRequest(context.Background(), 3, RawCommand{Opcode: OpPread, Buf: buf, Length: 16})
		resCh <- err
	}()
	<-submitted

	var cb aio.Iocb
	require.Eventually(t, func() bool {
		cb = fake.LastSubmitted()
		return cb.AioFildes == 3
	}, time.Second, time.Millisecond)

	closeDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		closeDone <- c.Close(ctx)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned before the in-flight operation was reclaimed")
	case <-time.After(50 * time.Millisecond):
	}

	fake.Complete(&cb, 16)
	require.NoError(t, <-resCh)
	require.NoError(t, <-closeDone)
}

func TestHandleReturnsErrStoppedOnceContextIsUnreachable(t *testing.T) {
	fake := aiotest.NewFake()
	var h *Handle
	func() {
		_, hh, err := New(2, withSyscaller(fake, fake))
		require.NoError(t, err)
		h = hh
	}()

	deadline := time.Now().Add(2 * time.Second)
	var ok bool
	for time.Now().Before(deadline) {
		runtime.GC()
		if _, ok = h.AvailableSlots(); !ok {
			break
		}
	}
	require.False(t, ok, "expected the Context to become unreachable once the test function returned")

	_, err := h.SubmitRequest(context.Background(), 1, RawCommand{Opcode: OpFsync})
	require.ErrorIs(t, err, ErrStopped)
}

func TestHandleCloneSharesTheSameUnderlyingContext(t *testing.T) {
	c, h, _ := newTestContext(t, 3)
	clone := h.Clone()
	a1, ok1 := h.AvailableSlots()
	a2, ok2 := clone.AvailableSlots()
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, a1, a2)
	require.Equal(t, 3, c.numSlots)
}

func TestSubmitAfterCapacityExceededWithGateDisabled(t *testing.T) {
	_, h, fake := newTestContext(t, 1, WithoutCapacityGate())

	buf := newFakeBuffer(16)
	resCh := make(chan error, 1)
	go func() {
		_, err := h.SubmitRequest(context.Background(), 3, RawCommand{Opcode: OpPread, Buf: buf, Length: 16})
		resCh <- err
	}()
	var cb aio.Iocb
	require.Eventually(t, func() bool {
		cb = fake.LastSubmitted()
		return cb.AioFildes == 3
	}, time.Second, time.Millisecond)

	_, err := h.SubmitRequest(context.Background(), 4, RawCommand{Opcode: OpPread, Buf: newFakeBuffer(16), Length: 16})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	fake.Complete(&cb, 16)
	require.NoError(t, <-resCh)
}

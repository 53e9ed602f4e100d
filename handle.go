//go:build linux

package kaio

import (
	"context"
	"fmt"
	"syscall"
	"weak"

	"github.com/joeycumines/kaio/internal/aio"
	"github.com/joeycumines/kaio/internal/slotpool"
)

// Handle is a cloneable, weak reference to a Context, used by callers to
// submit operations and query remaining capacity without keeping the
// Context alive on their own. Submitting after the context has been
// dropped or closed yields ErrStopped deterministically.
type Handle struct {
	ref weak.Pointer[Context]
}

// Clone returns an independent Handle pointing at the same Context. Cheap:
// a weak pointer is already a small value copy.
func (h *Handle) Clone() *Handle {
	return &Handle{ref: h.ref}
}

// AvailableSlots returns the gate's current permit count, or (0, false) if
// the context is gone or its capacity gate is disabled.
func (h *Handle) AvailableSlots() (int, bool) {
	c := h.ref.Value()
	if c == nil {
		return 0, false
	}
	return c.AvailableSlots()
}

// SubmitRequest acquires a slot, builds the control block described by
// cmd, invokes io_submit, and waits for the completion (or for ctx to be
// cancelled). On cancellation, the two-step protocol in the slot pool
// guarantees the slot is reclaimed exactly once, whether that happens here
// (the result had already arrived) or later, in the completion loop (the
// kernel operation was still outstanding).
func (h *Handle) SubmitRequest(ctx context.Context, fd int, cmd RawCommand) (int64, error) {
	c := h.ref.Value()
	if c == nil {
		return 0, ErrStopped
	}
	select {
	case <-c.loopDone:
		// Closed, or the completion loop ended on a fatal error.
		return 0, ErrStopped
	default:
	}
	c.checkOwnerGoroutine()

	if err := validateCommand(cmd); err != nil {
		return 0, err
	}

	if c.gate != nil {
		if err := c.gate.Acquire(ctx); err != nil {
			return 0, err
		}
	}

	slot, ok := c.pool.TakeReady()
	if !ok {
		if c.gate != nil {
			panic("kaio: capacity gate granted a permit but no ready slot was available")
		}
		return 0, ErrCapacityExceeded
	}

	var tok BufferToken
	var bufAddr uintptr
	var bufLen uint64
	if cmd.Buf != nil {
		tok = cmd.Buf.Token()
		bufAddr = cmd.Buf.Addr()
		bufLen = cmd.Length
	}

	ch := slot.Arm(tok)
	slot.CB = aio.Iocb{
		AioData:      uint64(slot.Addr()),
		AioResfd:     uint32(c.notifier.Fd()),
		AioFlags:     aio.IOCBFlagResfd,
		AioFildes:    uint32(fd),
		AioOffset:    int64(cmd.Offset),
		AioBuf:       uint64(bufAddr),
		AioNbytes:    bufLen,
		AioLioOpcode: uint16(cmd.Opcode),
		AioRWFlags:   cmd.Flags,
	}

	c.opsWG.Add(1)
	c.logger.Log(LogEntry{Level: LevelDebug, Category: "submit", NumSlots: c.numSlots, Message: fmt.Sprintf("io_submit fd=%d op=%s offset=%d", fd, cmd.Opcode, cmd.Offset)})

	res, err := c.sys.IOSubmit(c.handle, &slot.CB)
	if err != nil || res != 1 {
		slot.TakeBufferToken()
		c.pool.ReturnInFlightToReady(slot)
		c.gate.Release()
		c.opsWG.Done()

		var errno syscall.Errno
		if e, ok := err.(syscall.Errno); ok {
			errno = e
		}
		c.logger.Log(LogEntry{Level: LevelWarn, Category: "submit", NumSlots: c.numSlots, Message: "io_submit failed", Err: err})
		return 0, &SubmitError{Errno: errno}
	}

	select {
	case r := <-ch:
		return c.reclaim(slot, r)
	case <-ctx.Done():
		return c.cancelSubmission(slot, ctx.Err())
	case <-c.loopDone:
		return c.cancelSubmission(slot, ErrStopped)
	}
}

// validateCommand enforces the preconditions placed on the caller: sync
// opcodes carry no buffer, read/write opcodes must carry one whose
// capacity is at least the requested transfer length.
func validateCommand(cmd RawCommand) error {
	if cmd.Opcode.needsBuffer() {
		if cmd.Buf == nil {
			return fmt.Errorf("kaio: opcode %s requires a buffer", cmd.Opcode)
		}
		if cmd.Length > uint64(cmd.Buf.Len()) {
			return fmt.Errorf("kaio: requested transfer length %d exceeds buffer capacity %d", cmd.Length, cmd.Buf.Len())
		}
	}
	return nil
}

// reclaim returns a completed slot to ready, releases its buffer token and
// capacity permit, and translates the kernel's signed result into either a
// byte count or a KernelResultError.
func (c *Context) reclaim(slot *slotpool.Slot, r slotpool.Result) (int64, error) {
	slot.TakeBufferToken()
	c.pool.ReturnInFlightToReady(slot)
	c.gate.Release()
	c.opsWG.Done()

	if r.Res < 0 {
		return 0, &KernelResultError{Errno: syscall.Errno(-r.Res)}
	}
	return r.Res, nil
}

// cancelSubmission implements the two-step cancellation protocol: if a
// result had already been queued by the completion loop when we looked,
// treat this exactly like the success path (the operation did complete, we
// just noticed late); otherwise the slot is parked on the outstanding list
// for the completion loop to reclaim once the kernel actually finishes.
// Pool.AbandonOutstanding performs the "still live" check and the park in
// one critical section spanning both the pool lock and the slot lock, so
// the completion loop can never observe a waiter that has gone away but
// whose slot isn't on the outstanding list yet.
func (c *Context) cancelSubmission(slot *slotpool.Slot, cancelErr error) (int64, error) {
	if r, delivered := c.pool.AbandonOutstanding(slot); delivered {
		return c.reclaim(slot, r)
	}
	c.logger.Log(LogEntry{Level: LevelDebug, Category: "submit", NumSlots: c.numSlots, Message: "operation cancelled, slot parked outstanding"})
	return 0, cancelErr
}

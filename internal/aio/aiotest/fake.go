// Package aiotest provides a fake aio.Syscaller plus a matching fake event
// notifier so the submission, completion, and cancellation machinery in
// package kaio can be tested deterministically without real kernel AIO
// support (CI sandboxes commonly run with io_setup returning ENOSYS or
// EPERM).
package aiotest

import (
	"context"
	"sync"

	"github.com/joeycumines/kaio/internal/aio"
)

// Fake is an in-memory aio.Syscaller that doubles as the event notifier the
// completion loop awaits. Complete simulates the kernel finishing a
// previously submitted control block, mirroring the real eventfd/io_getevents
// pairing: Next reports how many completions are ready, IOGetevents drains
// exactly that many.
type Fake struct {
	mu      sync.Mutex
	cond    *sync.Cond
	nextCtx aio.ContextT
	ready   []aio.Event
	pending uint64
	closed  bool
	fatal   error
	lastCB  aio.Iocb
}

// NewFake returns a ready-to-use Fake.
func NewFake() *Fake {
	f := &Fake{nextCtx: 1}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) IOSetup(nr int) (aio.ContextT, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.nextCtx
	f.nextCtx++
	return c, nil
}

func (f *Fake) IODestroy(ctx aio.ContextT) {}

func (f *Fake) IOSubmit(ctx aio.ContextT, cb *aio.Iocb) (int64, error) {
	f.mu.Lock()
	f.lastCB = *cb
	f.mu.Unlock()
	return 1, nil
}

// LastSubmitted returns a copy of the most recently submitted control
// block, for tests that need to echo its AioData cookie back via Complete.
func (f *Fake) LastSubmitted() aio.Iocb {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCB
}

// Complete simulates the kernel finishing the operation described by cb,
// making res available to the next Next/IOGetevents pair.
func (f *Fake) Complete(cb *aio.Iocb, res int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, aio.Event{Data: cb.AioData, Res: res})
	f.pending++
	f.cond.Broadcast()
}

// Fail makes the next Next call return err, simulating an eventfd read
// error ending the completion loop.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fatal = err
	f.cond.Broadcast()
}

// Next implements the notifier contract the completion loop depends on:
// block until at least one completion is pending, then return and reset the
// accumulated count.
func (f *Fake) Next(ctx context.Context) (uint64, error) {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		})
		defer stop()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pending == 0 && f.fatal == nil && !f.closed {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		f.cond.Wait()
	}
	if f.fatal != nil {
		return 0, f.fatal
	}
	if f.closed && f.pending == 0 {
		return 0, context.Canceled
	}
	n := f.pending
	f.pending = 0
	return n, nil
}

func (f *Fake) IOGetevents(ctx aio.ContextT, minNr, maxNr int, events []aio.Event, timeout *aio.Timespec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.ready)
	if n > maxNr {
		n = maxNr
	}
	if n > len(events) {
		n = len(events)
	}
	copy(events, f.ready[:n])
	f.ready = f.ready[n:]
	return n, nil
}

// Fd satisfies the notifier contract's descriptor accessor; the fake has no
// real file descriptor.
func (f *Fake) Fd() int { return -1 }

// Close unblocks any Next callers, for test teardown.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
	return nil
}

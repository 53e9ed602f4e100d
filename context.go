//go:build linux

// Package kaio exposes Linux kernel-level asynchronous I/O
// (io_setup/io_submit/io_getevents) as operations on a cooperative Go
// runtime built from goroutines and channels: a fixed-size pool of
// in-kernel control blocks is dispatched by Context, kernel completions are
// routed back to the originating caller by a background completion loop,
// and a weak Handle lets callers submit work without keeping the context
// alive on their own.
package kaio

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/joeycumines/kaio/internal/aio"
	"github.com/joeycumines/kaio/internal/gate"
	"github.com/joeycumines/kaio/internal/slotpool"
)

// notifier is the Event Notifier contract the completion loop depends on:
// a lazy sequence of positive completion counts. eventfd.Notifier is the
// production implementation; aiotest.Fake satisfies it for tests that
// can't rely on real kernel AIO support.
type notifier interface {
	Next(ctx context.Context) (uint64, error)
	Fd() int
	Close() error
}

// destroyState serializes io_destroy to exactly one call, shared between
// Close and the GC safety-net cleanup registered in New, without either of
// them holding a strong reference to the Context itself.
type destroyState struct {
	once      sync.Once
	sys       aio.Syscaller
	ctxHandle aio.ContextT
}

func (d *destroyState) destroy() {
	d.once.Do(func() { d.sys.IODestroy(d.ctxHandle) })
}

// loopState is every piece of shared data the background completion loop
// needs. It is deliberately its own type, holding no reference to Context:
// a goroutine running a method bound to *Context would keep the Context
// strongly reachable forever (method values capture their receiver), which
// would defeat weak.Make in New and mean a forgotten Close never lets the
// Context become collectible. loopState instead shares the same pool,
// gate, and syscaller objects Context also points to, with no path back.
type loopState struct {
	sys      aio.Syscaller
	notifier notifier
	handle   aio.ContextT
	pool     *slotpool.Pool
	gate     *gate.Gate
	numSlots int
	logger   Logger

	loopCtx  context.Context
	loopDone chan struct{}
	loopErr  *atomic.Value // error
	opsWG    *sync.WaitGroup
}

// run awaits the event notifier, harvests exactly as many completions as it
// reported, and routes each to its slot's waiter. It exits when the
// notifier's stream ends (a fatal I/O error, recorded in loopErr) or when
// Close cancels loopCtx. Close only cancels loopCtx once every submitted
// operation has been reclaimed (see Close), so the loop never exits while a
// caller is still blocked waiting for a completion it routes.
func (l *loopState) run() {
	defer close(l.loopDone)

	events := make([]aio.Event, l.numSlots)
	var zeroTimeout aio.Timespec

	for {
		k, err := l.notifier.Next(l.loopCtx)
		if err != nil {
			if l.loopCtx.Err() != nil {
				l.logger.Log(LogEntry{Level: LevelInfo, Category: "shutdown", NumSlots: l.numSlots, Message: "completion loop stopping on shutdown signal"})
				return
			}
			l.loopErr.Store(err)
			l.logger.Log(LogEntry{Level: LevelError, Category: "shutdown", NumSlots: l.numSlots, Message: "event notifier ended", Err: err})
			return
		}
		if k == 0 || int(k) > l.numSlots {
			panic(fmt.Sprintf("kaio: event notifier reported %d completions, expected 1..%d", k, l.numSlots))
		}

		n, err := l.sys.IOGetevents(l.handle, int(k), int(k), events[:k], &zeroTimeout)
		if err != nil {
			l.loopErr.Store(err)
			l.logger.Log(LogEntry{Level: LevelError, Category: "complete", NumSlots: l.numSlots, Message: "io_getevents failed", Err: err})
			return
		}
		if n != int(k) {
			panic(fmt.Sprintf("kaio: io_getevents returned %d events, kernel announced %d via eventfd", n, k))
		}

		for i := 0; i < n; i++ {
			l.deliver(events[i])
		}
	}
}

func (l *loopState) deliver(e aio.Event) {
	slot := l.pool.SlotForAddr(uintptr(e.Data))
	if slot.SendToWaiter(e.Res) {
		return
	}
	// The waiter abandoned the operation (its Wait Future was cancelled)
	// before this completion arrived. Reclaim the slot ourselves: drop the
	// buffer token now that the kernel has finished with it, move the slot
	// back to ready, and release the capacity permit it was holding.
	slot.TakeBufferToken()
	l.pool.ReturnOutstandingToReady(uintptr(e.Data))
	l.gate.Release()
	l.opsWG.Done()
	l.logger.Log(LogEntry{Level: LevelDebug, Category: "complete", NumSlots: l.numSlots, Message: "reclaimed outstanding slot for abandoned operation"})
}

// Context owns the kernel AIO context handle, the event notifier, the slot
// pool, and the optional capacity gate. Submissions hold it via Handle's
// weak pointer; the background completion loop holds only loopState, never
// Context itself, so a Context with no outstanding Handle references and
// no caller left awaiting Close becomes collectible, and runtime.AddCleanup
// tears down the kernel handle even if Close is never called.
type Context struct {
	sys      aio.Syscaller
	notifier notifier
	handle   aio.ContextT
	pool     *slotpool.Pool
	gate     *gate.Gate
	numSlots int
	logger   Logger

	singleThreaded   bool
	threadAssertions bool
	ownerGoroutine   uint64

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	loopErr    *atomic.Value

	opsWG   *sync.WaitGroup // submitted operations, incremented at submit, decremented at reclaim; excludes the loop itself
	destroy *destroyState

	closeOnce sync.Once
	closeDone chan struct{}
	closeErr  error
}

// New creates a kernel AIO context able to hold numSlots concurrent
// operations, returning the owning Context, a cloneable weak Handle for
// submitting work, and an error if the kernel context could not be
// created.
func New(numSlots int, opts ...Option) (*Context, *Handle, error) {
	if numSlots <= 0 {
		return nil, nil, fmt.Errorf("kaio: numSlots must be positive, got %d", numSlots)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	sys := o.syscaller
	notif := o.notifier
	if sys == nil {
		sys = aio.RawSyscaller{}
	}
	if notif == nil {
		n, err := newRealNotifier()
		if err != nil {
			return nil, nil, fmt.Errorf("kaio: creating event notifier: %w", err)
		}
		notif = n
	}

	handle, err := sys.IOSetup(numSlots)
	if err != nil {
		_ = notif.Close()
		return nil, nil, fmt.Errorf("kaio: io_setup: %w", err)
	}

	var lock sync.Locker
	if o.singleThreaded {
		lock = slotpool.NoopLock{}
	} else {
		lock = &sync.Mutex{}
	}
	pool := slotpool.NewPool(numSlots, lock)

	var g *gate.Gate
	if o.useGate {
		g = gate.New(numSlots)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	loopErr := &atomic.Value{}
	opsWG := &sync.WaitGroup{}

	c := &Context{
		sys:              sys,
		notifier:         notif,
		handle:           handle,
		pool:             pool,
		gate:             g,
		numSlots:         numSlots,
		logger:           o.logger,
		singleThreaded:   o.singleThreaded,
		threadAssertions: o.threadAssertions,
		loopCancel:       loopCancel,
		loopDone:         make(chan struct{}),
		loopErr:          loopErr,
		opsWG:            opsWG,
		destroy:          &destroyState{sys: sys, ctxHandle: handle},
		closeDone:        make(chan struct{}),
	}
	if o.threadAssertions {
		c.ownerGoroutine = getGoroutineID()
	}

	loop := &loopState{
		sys:      sys,
		notifier: notif,
		handle:   handle,
		pool:     pool,
		gate:     g,
		numSlots: numSlots,
		logger:   o.logger,
		loopCtx:  loopCtx,
		loopDone: c.loopDone,
		loopErr:  loopErr,
		opsWG:    opsWG,
	}
	go loop.run()

	// Safety net: if the strong Context is ever dropped without Close
	// having been awaited, the kernel handle is still eventually reclaimed.
	// The cleanup closure must not capture c itself (that would defeat
	// garbage collection), so it only captures the shared destroyState —
	// the analogue of the original Drop impl's unconditional io_destroy,
	// realized as a GC-triggered last resort rather than the primary path.
	runtime.AddCleanup(c, func(d *destroyState) { d.destroy() }, c.destroy)

	h := &Handle{ref: weak.Make(c)}
	return c, h, nil
}

func (c *Context) checkOwnerGoroutine() {
	if !c.singleThreaded || !c.threadAssertions {
		return
	}
	if got := getGoroutineID(); got != c.ownerGoroutine {
		panic(fmt.Sprintf("kaio: single-threaded context accessed from goroutine %d, owned by %d", got, c.ownerGoroutine))
	}
}

// AvailableSlots returns the gate's current permit count, or (0, false) if
// the capacity gate is disabled.
func (c *Context) AvailableSlots() (int, bool) {
	return c.gate.Available()
}

// Close waits, honoring ctx, for every submitted operation to be reclaimed,
// only then stops the completion loop and destroys the kernel AIO context.
// The completion loop must stay alive until that drain completes: it is the
// only goroutine that ever calls io_getevents, so a submitter still blocked
// waiting for a completion (handle.go's SubmitRequest select) would hang
// forever if the loop stopped first. If ctx expires before the drain
// finishes, Close returns ctx.Err() without tearing anything down, leaving
// the context open for in-flight operations to finish and for Close to be
// retried. It is safe to call more than once, including concurrently; the
// teardown itself runs exactly once, and every caller observes its result.
func (c *Context) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		go func() {
			defer close(c.closeDone)
			c.opsWG.Wait()
			c.loopCancel()
			<-c.loopDone
			_ = c.notifier.Close()
			c.destroy.destroy()
			if err, ok := c.loopErr.Load().(error); ok && err != nil {
				c.closeErr = err
			}
		}()
	})

	select {
	case <-c.closeDone:
		return c.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getGoroutineID parses the current goroutine's id out of a runtime stack
// trace. Used only behind WithThreadAssertions, since it is too costly for
// the default path.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	const prefix = "goroutine "
	for i := len(prefix); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

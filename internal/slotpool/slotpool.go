// Package slotpool implements the fixed-capacity pool of kernel AIO control
// blocks: a ready list of slots available for submission and an outstanding
// list of slots submitted to the kernel whose completion has not yet been
// reconciled with their originating waiter.
//
// Slots are intrusively linked (the link pointers live on the Slot itself),
// so unlinking a slot from either list is O(1) once the slot is known.
// Resolving the raw address the kernel echoes back on completion to its
// slot is not: ReturnOutstandingToReady scans the outstanding list and
// SlotForAddr scans every slot in the pool.
package slotpool

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/joeycumines/kaio/internal/aio"
)

// BufferToken is a cloneable handle that keeps a caller's I/O buffer pinned
// for as long as the kernel might still touch it via DMA. Dropped (Release)
// only at slot reclaim, never at cancellation, so the buffer cannot be freed
// while the kernel's operation is still outstanding.
type BufferToken interface {
	Release()
}

// Result is the value delivered to a slot's waiter: the completion's signed
// res field.
type Result struct {
	Res int64
}

// Slot pairs one kernel control block with one completion channel and one
// buffer lifetime token. Its address, taken once at allocation, is used as
// the echo cookie the kernel returns in io_event.data, so a Slot must never
// be moved or freed until the owning Pool is torn down.
type Slot struct {
	// CB is the kernel control block. It is reused across operations; the
	// pool never allocates a new one once the pool itself is constructed.
	CB aio.Iocb

	mu       sync.Mutex
	ch       chan Result
	live     bool // a waiter currently owns ch and expects exactly one send
	buf      BufferToken
	inList   *List
	prev, nx *Slot
}

// Addr returns the slot's stable address, used as the aio_data echo cookie.
func (s *Slot) Addr() uintptr { return uintptr(unsafe.Pointer(s)) }

// Arm prepares the slot for a new submission: assigns a fresh, buffered
// result channel with capacity 1 (the Go analogue of a oneshot channel) and
// records the buffer token to hold until reclaim.
func (s *Slot) Arm(buf BufferToken) chan Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = make(chan Result, 1)
	s.live = true
	s.buf = buf
	return s.ch
}

// SendToWaiter delivers a completion value to the slot's registered waiter.
// It reports false if the waiter has already walked away (its Wait Future
// was cancelled first and won the race under the slot's lock), in which
// case the caller (the completion loop) is responsible for reclaiming the
// slot via Pool.ReturnOutstandingToReady instead of expecting anyone to
// drain the channel.
func (s *Slot) SendToWaiter(res int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		return false
	}
	s.live = false
	s.ch <- Result{Res: res} // capacity 1, exactly one send per arm: never blocks
	return true
}

// MarkAbandoned reports whether a result was already queued for s (in which
// case SendToWaiter won the race under the lock, and the caller should
// treat this exactly like the success path and reclaim immediately) or
// whether s's waiter is simply gone. It does not itself move s onto the
// outstanding list: calling it and then separately calling
// MoveToOutstanding leaves a window where the completion loop can observe
// s marked gone but not yet parked. Pool.AbandonOutstanding closes that
// window by doing both under one critical section; callers cancelling a
// live submission should use that instead of this pair directly.
func (s *Slot) MarkAbandoned() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live {
		s.live = false
		return Result{}, false
	}
	// live already false: SendToWaiter ran first and queued a value for us.
	select {
	case r := <-s.ch:
		return r, true
	default:
		panic("slotpool: waiter marked gone but no result was queued")
	}
}

// TakeBufferToken releases and returns the slot's buffer token, clearing it
// from the slot. Called at reclaim, on both the success and the
// waiter-gone paths.
func (s *Slot) TakeBufferToken() BufferToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buf
	s.buf = nil
	if b != nil {
		b.Release()
	}
	return b
}

// List is an intrusive doubly linked list of slots.
type List struct {
	head, tail *Slot
	n          int
}

func (l *List) pushBack(s *Slot) {
	s.inList = l
	s.prev, s.nx = l.tail, nil
	if l.tail != nil {
		l.tail.nx = s
	} else {
		l.head = s
	}
	l.tail = s
	l.n++
}

func (l *List) popFront() *Slot {
	s := l.head
	if s == nil {
		return nil
	}
	l.remove(s)
	return s
}

func (l *List) remove(s *Slot) {
	if s.inList != l {
		panic("slotpool: remove called with slot not in this list")
	}
	if s.prev != nil {
		s.prev.nx = s.nx
	} else {
		l.head = s.nx
	}
	if s.nx != nil {
		s.nx.prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.nx, s.inList = nil, nil, nil
	l.n--
}

// Len reports the number of slots currently in the list.
func (l *List) Len() int { return l.n }

// NoopLock is a zero-cost sync.Locker for the single-threaded Pool variant:
// it exists purely so the same Pool code compiles against either a real
// mutex or nothing, without duplicating the list logic. Using it is a
// contract the caller must uphold: all Pool methods must then be called
// from a single goroutine.
type NoopLock struct{}

func (NoopLock) Lock()   {}
func (NoopLock) Unlock() {}

// Pool is the fixed-capacity set of pre-allocated slots, partitioned into
// Ready and Outstanding. Locking is abstracted behind sync.Locker so the
// multi-threaded variant can supply a real sync.Mutex and the
// single-threaded variant can supply NoopLock.
type Pool struct {
	lock   sync.Locker
	ready  List
	out    List
	all    []*Slot
	pinner runtime.Pinner
	size   int
}

// NewPool pre-allocates n slots, all starting in the ready list, and pins
// each one so its address (used by the kernel as an opaque cookie) cannot
// be relocated by a future moving garbage collector.
func NewPool(n int, lock sync.Locker) *Pool {
	p := &Pool{lock: lock, size: n, all: make([]*Slot, 0, n)}
	for i := 0; i < n; i++ {
		s := &Slot{}
		p.pinner.Pin(s)
		p.all = append(p.all, s)
		p.ready.pushBack(s)
	}
	return p
}

// Size returns the configured pool capacity.
func (p *Pool) Size() int { return p.size }

// TakeReady pops the front of the ready list, or reports false if empty.
func (p *Pool) TakeReady() (*Slot, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	s := p.ready.popFront()
	return s, s != nil
}

// ReturnInFlightToReady pushes a slot that never reached the outstanding
// list back onto ready: the submission-failure path and the path where a
// live operation observes its own completion.
func (p *Pool) ReturnInFlightToReady(s *Slot) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.ready.pushBack(s)
}

// MoveToOutstanding parks a slot whose operation was cancelled after a
// successful io_submit but before its completion was observed.
func (p *Pool) MoveToOutstanding(s *Slot) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.out.pushBack(s)
}

// AbandonOutstanding is called by a cancelling waiter. If the slot's waiter
// is still live, it is marked gone and parked on the outstanding list in
// the same critical section, holding both the pool lock and the slot lock,
// so the completion loop (which only ever takes the slot lock in
// Slot.SendToWaiter, then the pool lock in ReturnOutstandingToReady, never
// both at once) can never observe a slot whose waiter is already gone but
// that isn't on the outstanding list yet. If SendToWaiter had already sent
// a result before this call acquired the slot lock, that result is drained
// from the channel and returned with delivered=true, exactly like the
// success path.
func (p *Pool) AbandonOutstanding(s *Slot) (r Result, delivered bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live {
		s.live = false
		p.out.pushBack(s)
		return Result{}, false
	}
	select {
	case r := <-s.ch:
		return r, true
	default:
		panic("slotpool: waiter marked gone but no result was queued")
	}
}

// ReturnOutstandingToReady locates the slot at addr in the outstanding list
// and moves it to ready. Called by the completion loop when it delivers a
// completion whose waiter has already gone away.
func (p *Pool) ReturnOutstandingToReady(addr uintptr) *Slot {
	p.lock.Lock()
	defer p.lock.Unlock()
	for s := p.out.head; s != nil; s = s.nx {
		if s.Addr() == addr {
			p.out.remove(s)
			p.ready.pushBack(s)
			return s
		}
	}
	panic("slotpool: completion cookie does not identify a slot in the outstanding list")
}

// SlotForAddr resolves a completion cookie to its slot without mutating
// list membership; used by the completion loop to deliver a value to a
// still-live waiter (whose slot is held by the operation, not by either
// list).
func (p *Pool) SlotForAddr(addr uintptr) *Slot {
	for _, s := range p.all {
		if s.Addr() == addr {
			return s
		}
	}
	panic("slotpool: completion cookie does not identify a valid slot")
}

// Counts returns (ready, outstanding) list lengths, for P1/P2-style
// property checks in tests.
func (p *Pool) Counts() (ready, outstanding int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.ready.Len(), p.out.Len()
}

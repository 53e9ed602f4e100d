//go:build linux

// Package fs provides O_DIRECT file access and pinned, DMA-safe buffers
// for use with a kaio.Context. It is a minimal reference implementation of
// the out-of-scope collaborators the core engine assumes exist, not the
// engine itself.
package fs

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/kaio"
)

// LockedBuf is a fixed-capacity, page-aligned buffer locked into RAM with
// mlock(2), so the kernel's direct-memory-access AIO read/write never races
// a page being swapped out from under it. Grounded on the original
// implementation's LockedBuf (mmap anonymous + mlock), realized here with
// golang.org/x/sys/unix instead of a cgo mlock wrapper.
type LockedBuf struct {
	data   []byte
	refs   atomic.Int64
	closed atomic.Bool
}

// NewLockedBuf allocates and locks a buffer of the given size.
func NewLockedBuf(size int) (*LockedBuf, error) {
	if size <= 0 {
		return nil, fmt.Errorf("kaio/fs: buffer size must be positive, got %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("kaio/fs: mmap: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("kaio/fs: mlock: %w", err)
	}
	return &LockedBuf{data: data}, nil
}

// Addr returns the buffer's base address, valid until Close.
func (b *LockedBuf) Addr() uintptr { return addrOf(b.data) }

// Len returns the buffer's capacity in bytes.
func (b *LockedBuf) Len() int { return len(b.data) }

// Bytes exposes the underlying memory for the caller to fill or read after
// an operation completes. Concurrent access while an operation is
// in-flight is the caller's responsibility, exactly as with a raw pwrite
// buffer.
func (b *LockedBuf) Bytes() []byte { return b.data }

// Token returns a cloneable handle that keeps the buffer pinned until
// Release is called on it. kaio holds exactly one token per in-flight
// operation, released only at reclaim.
func (b *LockedBuf) Token() kaio.BufferToken {
	b.refs.Add(1)
	return &bufToken{buf: b}
}

func (b *LockedBuf) release() {
	b.refs.Add(-1)
}

// Close unmaps and unlocks the buffer. It is the caller's responsibility to
// ensure no kaio operation still holds a token referencing it; Close
// panics if one does, since freeing memory the kernel may still be
// DMA-writing into would be silent corruption, not a recoverable error.
func (b *LockedBuf) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := b.refs.Load(); n != 0 {
		panic(fmt.Sprintf("kaio/fs: LockedBuf closed with %d outstanding token(s)", n))
	}
	if err := unix.Munlock(b.data); err != nil {
		return fmt.Errorf("kaio/fs: munlock: %w", err)
	}
	if err := unix.Munmap(b.data); err != nil {
		return fmt.Errorf("kaio/fs: munmap: %w", err)
	}
	return nil
}

type bufToken struct {
	buf      *LockedBuf
	released atomic.Bool
}

func (t *bufToken) Release() {
	if t.released.CompareAndSwap(false, true) {
		t.buf.release()
	}
}

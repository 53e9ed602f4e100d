package kaio

import "github.com/joeycumines/kaio/internal/slotpool"

// BufferToken is a cloneable handle that keeps a locked buffer's memory
// pinned for as long as the kernel might still touch it via DMA. Release is
// called exactly once, by the slot that holds it, at reclaim — never by
// cancellation alone, since the kernel operation cannot be aborted.
type BufferToken = slotpool.BufferToken

// LockedBuffer is the interface the core accepts from the out-of-scope
// locked-buffer utility: a page-aligned region of memory pinned via mlock,
// addressable by kernel DMA. The fs package provides a minimal reference
// implementation; callers are free to supply their own.
type LockedBuffer interface {
	// Addr returns the buffer's address, valid for the lifetime of Token().
	Addr() uintptr
	// Len returns the buffer's capacity in bytes.
	Len() int
	// Token returns a cloneable handle keeping the buffer pinned until
	// Release is called on it.
	Token() BufferToken
}

// RawCommand describes one kernel AIO operation. Sync commands (OpFdsync,
// OpFsync) carry no buffer. Read and write commands must carry a buffer
// whose capacity is at least Length bytes; this precondition is checked at
// the call site, not by the kernel, since the kernel silently accepts short
// reads/writes rather than an error.
type RawCommand struct {
	Opcode Opcode
	Offset uint64
	Buf    LockedBuffer
	Length uint64
	Flags  uint32
}

package kaio

import "github.com/joeycumines/kaio/internal/aio"

// Opcode identifies which kernel AIO operation a RawCommand describes.
type Opcode uint16

const (
	// OpPread reads from the target file descriptor at Offset into Buf.
	OpPread Opcode = Opcode(aio.OpPread)
	// OpPwrite writes Buf to the target file descriptor at Offset.
	OpPwrite Opcode = Opcode(aio.OpPwrite)
	// OpFdsync synchronizes data only (like fdatasync(2)). Carries no buffer.
	OpFdsync Opcode = Opcode(aio.OpFdsync)
	// OpFsync synchronizes data and metadata (like fsync(2)). Carries no buffer.
	OpFsync Opcode = Opcode(aio.OpFsync)
)

func (o Opcode) String() string {
	switch o {
	case OpPread:
		return "pread"
	case OpPwrite:
		return "pwrite"
	case OpFdsync:
		return "fdsync"
	case OpFsync:
		return "fsync"
	default:
		return "unknown"
	}
}

// needsBuffer reports whether the opcode requires RawCommand.Buf to be set.
func (o Opcode) needsBuffer() bool {
	return o == OpPread || o == OpPwrite
}

// ReadFlags and WriteFlags are per-I/O RWF_* bitmasks, mapped 1:1 onto the
// kernel's preadv2/pwritev2 flags. Validating that a caller didn't combine
// a write-only flag with a read opcode (or vice versa) is the caller's
// responsibility per the kernel AIO contract; an invalid combination
// surfaces as a negative res, translated to a KernelResultError.
const (
	// FlagHiPri requests a high priority request, polled if possible. Valid
	// for both reads and writes.
	FlagHiPri uint32 = aio.RWFHiPri
	// FlagNoWait asks the kernel to fail with EAGAIN rather than block.
	// Valid for both reads and writes.
	FlagNoWait uint32 = aio.RWFNoWait
	// FlagDSync is the per-I/O equivalent of O_DSYNC. Write only.
	FlagDSync uint32 = aio.RWFDSync
	// FlagSync is the per-I/O equivalent of O_SYNC. Write only.
	FlagSync uint32 = aio.RWFSync
	// FlagAppend ignores Offset and appends to the end of the file. Write only.
	FlagAppend uint32 = aio.RWFAppend
)

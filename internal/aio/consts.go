package aio

// Opcode identifies the operation a control block describes, bit-exact to
// the kernel's IOCB_CMD_* constants.
type Opcode uint16

const (
	OpPread  Opcode = 0
	OpPwrite Opcode = 1
	OpFsync  Opcode = 2
	OpFdsync Opcode = 3
)

// Control-block flags. IOCBFlagResfd requests eventfd notification on
// completion; it is always set by this package since the completion loop
// depends on it.
const (
	IOCBFlagResfd uint32 = 1 << 0
)

// RWF_* flags for preadv2/pwritev2, per-I/O, mapped directly onto
// RawCommand.Flags by the submission path.
const (
	RWFHiPri  uint32 = 0x01
	RWFDSync  uint32 = 0x02
	RWFSync   uint32 = 0x04
	RWFNoWait uint32 = 0x08
	RWFAppend uint32 = 0x10
)

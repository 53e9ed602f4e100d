//go:build linux

package fs

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/kaio"
)

// File is a thin O_DIRECT file handle driven through a kaio.Handle. Open
// and create both always set O_DIRECT, and optionally O_SYNC.
type File struct {
	fd int
}

// OpenDirect opens path for reading with O_DIRECT set, and O_SYNC as well
// if sync is true.
func OpenDirect(path string, sync bool) (*File, error) {
	return openDirect(path, os.O_RDONLY, 0, sync)
}

// CreateDirect creates or truncates path for reading and writing with
// O_DIRECT set, and O_SYNC as well if sync is true.
func CreateDirect(path string, sync bool) (*File, error) {
	return openDirect(path, os.O_RDWR|os.O_CREAT|os.O_TRUNC, 0o644, sync)
}

func openDirect(path string, flags int, perm uint32, sync bool) (*File, error) {
	flags |= unix.O_DIRECT
	if sync {
		flags |= unix.O_SYNC
	}
	fd, err := unix.Open(path, flags, perm)
	if err != nil {
		return nil, fmt.Errorf("kaio/fs: open %q: %w", path, err)
	}
	return &File{fd: fd}, nil
}

// Fd returns the underlying file descriptor, for use as SubmitRequest's fd
// argument.
func (f *File) Fd() int { return f.fd }

// Close closes the underlying file descriptor. It does not wait for, or
// cancel, any operation still in flight against this file through a
// kaio.Handle; callers must do that themselves first.
func (f *File) Close() error {
	return unix.Close(f.fd)
}

// SetLen truncates or extends the file to size bytes.
func (f *File) SetLen(size int64) error {
	return unix.Ftruncate(f.fd, size)
}

// ReadAt issues an AIO pread at offset into buf[:length], returning the
// number of bytes read.
func (f *File) ReadAt(ctx context.Context, h *kaio.Handle, offset uint64, buf *LockedBuf, length uint64, flags uint32) (int64, error) {
	if length > uint64(buf.Len()) {
		return 0, fmt.Errorf("kaio/fs: read length %d exceeds buffer capacity %d", length, buf.Len())
	}
	return h.SubmitRequest(ctx, f.fd, kaio.RawCommand{
		Opcode: kaio.OpPread,
		Offset: offset,
		Buf:    buf,
		Length: length,
		Flags:  flags,
	})
}

// WriteAt issues an AIO pwrite of buf[:length] at offset, returning the
// number of bytes written.
func (f *File) WriteAt(ctx context.Context, h *kaio.Handle, offset uint64, buf *LockedBuf, length uint64, flags uint32) (int64, error) {
	if length > uint64(buf.Len()) {
		return 0, fmt.Errorf("kaio/fs: write length %d exceeds buffer capacity %d", length, buf.Len())
	}
	return h.SubmitRequest(ctx, f.fd, kaio.RawCommand{
		Opcode: kaio.OpPwrite,
		Offset: offset,
		Buf:    buf,
		Length: length,
		Flags:  flags,
	})
}

// SyncAll issues an AIO fsync (data and metadata).
func (f *File) SyncAll(ctx context.Context, h *kaio.Handle) error {
	_, err := h.SubmitRequest(ctx, f.fd, kaio.RawCommand{Opcode: kaio.OpFsync})
	return err
}

// SyncData issues an AIO fdatasync (data only).
func (f *File) SyncData(ctx context.Context, h *kaio.Handle) error {
	_, err := h.SubmitRequest(ctx, f.fd, kaio.RawCommand{Opcode: kaio.OpFdsync})
	return err
}

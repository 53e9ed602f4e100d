//go:build linux

package aio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RawSyscaller issues the real io_setup/io_destroy/io_submit/io_getevents
// syscalls. golang.org/x/sys/unix does not wrap the legacy AIO family, so
// this package calls unix.Syscall directly against the per-arch numbers in
// syscall_linux_*.go.
type RawSyscaller struct{}

var _ Syscaller = RawSyscaller{}

func (RawSyscaller) IOSetup(nr int) (ContextT, error) {
	var ctx ContextT
	_, _, errno := unix.Syscall(sysIOSetup, uintptr(nr), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return 0, errno
	}
	return ctx, nil
}

func (RawSyscaller) IODestroy(ctx ContextT) {
	r, _, errno := unix.Syscall(sysIODestroy, uintptr(ctx), 0, 0)
	if errno != 0 || r != 0 {
		panic(fmt.Sprintf("aio: io_destroy returned r=%d errno=%v, expected 0", r, errno))
	}
}

func (RawSyscaller) IOSubmit(ctx ContextT, cb *Iocb) (int64, error) {
	iocbp := [1]*Iocb{cb}
	r, _, errno := unix.Syscall(sysIOSubmit, uintptr(ctx), 1, uintptr(unsafe.Pointer(&iocbp[0])))
	if errno != 0 {
		return 0, errno
	}
	return int64(r), nil
}

func (RawSyscaller) IOGetevents(ctx ContextT, minNr, maxNr int, events []Event, timeout *Timespec) (int, error) {
	if maxNr > len(events) {
		maxNr = len(events)
	}
	var eventsPtr unsafe.Pointer
	if maxNr > 0 {
		eventsPtr = unsafe.Pointer(&events[0])
	}
	r, _, errno := unix.Syscall6(sysIOGetevents,
		uintptr(ctx), uintptr(minNr), uintptr(maxNr),
		uintptr(eventsPtr), uintptr(unsafe.Pointer(timeout)), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

//go:build linux

// Package eventfd exposes a Linux eventfd(2) counter as a lazy sequence of
// positive integers, each being the number of kernel AIO completions
// available to harvest. It is the Event Notifier of the submission/
// completion engine: non-blocking, close-on-exec, without semaphore
// semantics, drained in a single 8-byte read per wakeup.
//
// Readiness is delivered via a private epoll instance scoped to this one
// file descriptor (epoll_create1/epoll_ctl/epoll_wait) rather than a
// busy-poll loop.
package eventfd

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Notifier wraps a non-blocking, non-semaphore eventfd and a dedicated
// epoll instance used only to learn when a read would no longer block.
type Notifier struct {
	fd   int
	epfd int
}

// New creates an eventfd initialized to zero, in EFD_NONBLOCK|EFD_CLOEXEC
// mode, and a private epoll instance registered against its read
// direction.
func New() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: create: %w", err)
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("eventfd: epoll_create1: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(fd)
		return nil, fmt.Errorf("eventfd: epoll_ctl: %w", err)
	}
	return &Notifier{fd: fd, epfd: epfd}, nil
}

// Fd returns the raw eventfd, for use as the AIO control block's
// aio_resfd.
func (n *Notifier) Fd() int { return n.fd }

// Next blocks until the eventfd's counter is non-zero, then consumes the
// entire counter in one read and returns it. A partial read or an observed
// zero value is a fatal invariant violation per the kernel's eventfd
// contract and panics rather than returning an error.
func (n *Notifier) Next(ctx context.Context) (uint64, error) {
	var buf [8]byte
	for {
		m, err := unix.Read(n.fd, buf[:])
		if err == nil {
			if m != 8 {
				panic(fmt.Sprintf("eventfd: partial read of %d bytes, expected 8", m))
			}
			v := binary.LittleEndian.Uint64(buf[:])
			if v == 0 {
				panic("eventfd: read returned zero, which eventfd never legitimately produces")
			}
			return v, nil
		}
		if err != unix.EAGAIN {
			return 0, err
		}
		// Not ready: arm readiness once and wait for it, re-arming
		// immediately after every EAGAIN so we never busy-spin.
		if err := n.waitReadable(ctx); err != nil {
			return 0, err
		}
	}
}

// waitReadable blocks until the eventfd is readable or ctx is done. It
// polls epoll_wait with a bounded timeout so cancellation is observed
// promptly without needing a second fd to interrupt the wait.
func (n *Notifier) waitReadable(ctx context.Context) error {
	var events [1]unix.EpollEvent
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		k, err := unix.EpollWait(n.epfd, events[:], 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if k > 0 {
			return nil
		}
	}
}

// Close releases the eventfd and its epoll instance.
func (n *Notifier) Close() error {
	err1 := unix.Close(n.epfd)
	err2 := unix.Close(n.fd)
	if err1 != nil {
		return err1
	}
	return err2
}

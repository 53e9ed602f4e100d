package kaio

import (
	"fmt"
	"syscall"
)

// ErrStopped is returned when a submission is attempted after the context
// has been closed, or dropped, before the operation could reach io_submit.
var ErrStopped = fmt.Errorf("kaio: context stopped")

// ErrCapacityExceeded is returned when the capacity gate is disabled and no
// ready slot is available at submission time.
var ErrCapacityExceeded = fmt.Errorf("kaio: capacity exceeded")

// SubmitError reports that io_submit returned something other than 1. All
// resources acquired for the attempt (permit, slot, buffer token) are
// released before this error is returned.
type SubmitError struct {
	Errno syscall.Errno
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("kaio: io_submit failed: %s", e.Errno)
}

func (e *SubmitError) Unwrap() error { return e.Errno }

// KernelResultError reports that a completion arrived with a negative res
// field; Errno is its negation, the kernel's reported failure reason for
// the operation itself (distinct from SubmitError, which is a failure to
// even queue the operation).
type KernelResultError struct {
	Errno syscall.Errno
}

func (e *KernelResultError) Error() string {
	return fmt.Sprintf("kaio: operation failed: %s", e.Errno)
}

func (e *KernelResultError) Unwrap() error { return e.Errno }

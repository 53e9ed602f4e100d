// Package aio wraps the Linux kernel AIO system call family
// (io_setup/io_destroy/io_submit/io_getevents) that golang.org/x/sys/unix
// does not expose directly. It pins the iocb/io_event struct layouts to the
// kernel uABI and exposes a small Syscaller interface so the rest of the
// module can be exercised against a fake in tests that don't have AIO
// support available.
package aio

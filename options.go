//go:build linux

package kaio

import "github.com/joeycumines/kaio/internal/aio"

// options collects New's construction-time configuration, following the
// functional-options pattern rather than a sprawling constructor
// signature.
type options struct {
	useGate          bool
	singleThreaded   bool
	threadAssertions bool
	logger           Logger
	syscaller        aio.Syscaller
	notifier         notifier
}

func defaultOptions() *options {
	return &options{
		useGate: true,
		logger:  NewNoOpLogger(),
	}
}

// Option configures a Context at construction time.
type Option func(*options)

// WithoutCapacityGate disables the capacity gate; submissions past the
// pool's slot count fail synchronously with ErrCapacityExceeded instead of
// waiting for a permit.
func WithoutCapacityGate() Option {
	return func(o *options) { o.useGate = false }
}

// WithSingleThreaded selects the single-threaded Pool variant: list
// operations use a zero-cost NoopLock instead of a real mutex. Callers
// must then ensure every SubmitRequest for this Context runs on the same
// goroutine that called New, and consider pairing this with
// WithThreadAssertions during development.
func WithSingleThreaded() Option {
	return func(o *options) { o.singleThreaded = true }
}

// WithThreadAssertions enables a runtime check (goroutine-id comparison)
// that every SubmitRequest call on a single-threaded Context originates from
// its owning goroutine; other methods are not checked. Off by default to avoid the stack-trace-parsing cost
// in production.
func WithThreadAssertions() Option {
	return func(o *options) { o.threadAssertions = true }
}

// WithLogger installs a structured Logger for the context's lifecycle and
// completion-loop diagnostics. The default is a no-op logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// withSyscaller overrides the aio.Syscaller used for io_setup/io_submit/
// io_getevents/io_destroy, and the notifier used for the eventfd wakeup
// stream. Unexported: production callers always get the real kernel
// syscalls and a real eventfd; only this package's own tests (and any test
// helper package under internal/) need to swap in a fake.
func withSyscaller(sys aio.Syscaller, n notifier) Option {
	return func(o *options) {
		o.syscaller = sys
		o.notifier = n
	}
}

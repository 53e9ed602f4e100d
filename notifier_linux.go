//go:build linux

package kaio

import "github.com/joeycumines/kaio/internal/eventfd"

// newRealNotifier constructs the production Event Notifier, kept in its
// own file so the single place referencing internal/eventfd is easy to
// swap out from tests via withSyscaller.
func newRealNotifier() (notifier, error) {
	return eventfd.New()
}

// Package term switches the controlling terminal in and out of raw mode
// for the guest console.
package term

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether stdin is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SetRawMode puts stdin in raw mode so that every key, Ctrl-C included,
// reaches the guest. The returned func restores the previous mode and may
// be called more than once.
func SetRawMode() (func(), error) {
	fd := int(os.Stdin.Fd())

	old, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}, err
	}

	return func() {
		_ = term.Restore(fd, old)
	}, nil
}

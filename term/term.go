// Package term switches the controlling terminal into raw mode for an
// interactive guest console session and restores it on exit.
package term

import (
	"golang.org/x/sys/unix"
)

// SetRawMode disables ECHO, ICANON, ISIG, IXON, and ICRNL on fd 0 while
// keeping OPOST (so '\n' still becomes '\r\n' on output), per §4.9. It
// returns a restore func that undoes the change; callers defer it.
func SetRawMode() (func(), error) {
	old, err := unix.IoctlGetTermios(0, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	saved := *old
	t := *old

	t.Iflag &^= unix.IXON | unix.ICRNL
	t.Lflag &^= unix.ECHO | unix.ICANON | unix.ISIG
	t.Oflag |= unix.OPOST

	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(0, unix.TCSETS, &t); err != nil {
		return func() {}, err
	}

	return func() {
		_ = unix.IoctlSetTermios(0, unix.TCSETS, &saved)
	}, nil
}

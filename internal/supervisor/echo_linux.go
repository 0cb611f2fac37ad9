package supervisor

import (
	"os"

	"golang.org/x/sys/unix"
)

// disableEcho turns off local echo so answered secrets never appear in the
// job output.
func disableEcho(tty *os.File) error {
	fd := int(tty.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Lflag &^= unix.ECHO
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

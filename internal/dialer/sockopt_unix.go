//go:build unix

package dialer

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setReuseAddr applies SO_REUSEADDR to the outbound socket before bind, so
// an AddressPool member that just released a similar ephemeral pair can be
// reused immediately instead of spuriously failing bind under load.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

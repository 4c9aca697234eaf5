//go:build windows

package dialer

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// setReuseAddr applies SO_REUSEADDR to the outbound socket before bind,
// mirroring the unix behavior.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

//go:build linux

package devices

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// userTimeoutControl bounds how long unacknowledged data may sit on a device
// socket before the kernel drops the connection.
func userTimeoutControl(timeout time.Duration) func(network, address string, c syscall.RawConn) error {
	ms := int(timeout / time.Millisecond)
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

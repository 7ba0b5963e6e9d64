//go:build linux

package latency

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// probeSocketControl closes probe sockets with RST so long runs do not pile
// up TIME_WAIT entries, and disables Nagle for the tiny ping requests.
func probeSocketControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	controlErr := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0}); err != nil {
			sockErr = err
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if controlErr != nil {
		return controlErr
	}
	return sockErr
}

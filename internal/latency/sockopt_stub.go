//go:build !linux

package latency

import "syscall"

func probeSocketControl(network, address string, c syscall.RawConn) error {
	return nil
}

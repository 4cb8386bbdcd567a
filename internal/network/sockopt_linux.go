//go:build linux

package network

import (
	"net"
	"syscall"
)

// listenConfig returns a net.ListenConfig that sets SO_REUSEADDR before
// binding, so a restarted relay can rebind a port still in TIME_WAIT, and
// sizes the kernel socket buffers when bufferSize is positive.
func listenConfig(bufferSize int) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if opErr != nil || bufferSize <= 0 {
					return
				}
				if opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, bufferSize); opErr != nil {
					return
				}
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, bufferSize)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}

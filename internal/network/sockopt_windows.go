//go:build windows

package network

import (
	"net"
	"syscall"
)

// listenConfig returns a net.ListenConfig that sets SO_REUSEADDR before
// binding and sizes the socket buffers when bufferSize is positive. Errors
// are ignored; Windows applies the options best effort.
func listenConfig(bufferSize int) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				h := syscall.Handle(fd)
				syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if bufferSize > 0 {
					syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_RCVBUF, bufferSize)
					syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_SNDBUF, bufferSize)
				}
			})
		},
	}
}

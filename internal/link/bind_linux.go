// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package link

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// newBoundDialer returns a dialer whose sockets use SO_BINDTODEVICE.
func newBoundDialer(iface, network string) (*net.Dialer, error) {
	return &net.Dialer{Control: bindToDevice(iface)}, nil
}

// newBoundListenConfig returns a listen config whose sockets use SO_BINDTODEVICE.
func newBoundListenConfig(iface, address string) (*net.ListenConfig, string, error) {
	return &net.ListenConfig{Control: bindToDevice(iface)}, address, nil
}

// bindToDevice returns a socket control function binding to iface.
func bindToDevice(iface string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
		})
		if err != nil {
			return err
		}
		return serr
	}
}

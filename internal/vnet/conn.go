//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package vnet

import (
	"net"
	"strings"
	"syscall"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

// stackError associates the suffix of a netstack error message with
// the corresponding syscall or net error.
type stackError struct {
	suffix string
	err    error
}

// stackErrors lists the netstack errors the relays need to recognize.
//
// See https://github.com/google/gvisor/blob/master/pkg/tcpip/errors.go
var stackErrors = []stackError{
	{"connection was refused", syscall.ECONNREFUSED},
	{"connection reset by peer", syscall.ECONNRESET},
	{"connection aborted", syscall.ECONNABORTED},
	{"no route to host", syscall.EHOSTUNREACH},
	{"network is unreachable", syscall.ENETUNREACH},
	{"host is down", syscall.EHOSTDOWN},
	{"machine is not on the network", syscall.ENETDOWN},
	{"operation timed out", syscall.ETIMEDOUT},
	{"endpoint is closed for receive", net.ErrClosed},
	{"endpoint is closed for send", net.ErrClosed},
	{"endpoint is in invalid state", syscall.EINVAL},
}

// mapStackError converts a netstack error so that callers can use
// [errors.Is] with syscall errors and [net.ErrClosed].
//
// Deadline errors are returned unchanged so [net.Error] still reports
// Timeout.
func mapStackError(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return err
	}
	message := err.Error()
	for _, entry := range stackErrors {
		if strings.HasSuffix(message, entry.suffix) {
			return entry.err
		}
	}
	return err
}

// tcpConn is a netstack TCP conn with mapped errors.
type tcpConn struct {
	*gonet.TCPConn
}

var _ net.Conn = tcpConn{}

func (c tcpConn) Read(buff []byte) (int, error) {
	count, err := c.TCPConn.Read(buff)
	return count, mapStackError(err)
}

func (c tcpConn) Write(data []byte) (int, error) {
	count, err := c.TCPConn.Write(data)
	return count, mapStackError(err)
}

// CloseWrite shuts down the sending side.
func (c tcpConn) CloseWrite() error {
	return mapStackError(c.TCPConn.CloseWrite())
}

// udpConn is a netstack UDP socket with mapped errors.
//
// It serves both as a connected [net.Conn] and as a [net.PacketConn].
type udpConn struct {
	*gonet.UDPConn
}

var (
	_ net.Conn       = udpConn{}
	_ net.PacketConn = udpConn{}
)

func (c udpConn) Read(buff []byte) (int, error) {
	count, err := c.UDPConn.Read(buff)
	return count, mapStackError(err)
}

func (c udpConn) Write(data []byte) (int, error) {
	count, err := c.UDPConn.Write(data)
	return count, mapStackError(err)
}

func (c udpConn) ReadFrom(buff []byte) (int, net.Addr, error) {
	count, addr, err := c.UDPConn.ReadFrom(buff)
	return count, addr, mapStackError(err)
}

func (c udpConn) WriteTo(pkt []byte, addr net.Addr) (int, error) {
	count, err := c.UDPConn.WriteTo(pkt, addr)
	return count, mapStackError(err)
}

// tcpListener is a netstack TCP listener returning [tcpConn].
type tcpListener struct {
	*gonet.TCPListener
}

var _ net.Listener = tcpListener{}

func (l tcpListener) Accept() (net.Conn, error) {
	conn, err := l.TCPListener.Accept()
	if err != nil {
		return nil, mapStackError(err)
	}
	return tcpConn{conn.(*gonet.TCPConn)}, nil
}

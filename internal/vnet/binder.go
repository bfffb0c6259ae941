//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package vnet

import (
	"context"
	"net"
	"net/netip"
	"syscall"

	"github.com/swoet/dualwan/internal/link"
)

// Binder opens sockets on a [*Stack], which plays the role of a link.
//
// Only IP literal endpoints are supported. An empty or unspecified
// local host binds to the stack address.
//
// Construct using [NewBinder].
type Binder struct {
	// stack is the stack to use.
	stack *Stack
}

// NewBinder creates a new [*Binder].
func NewBinder(stack *Stack) *Binder {
	return &Binder{stack: stack}
}

var _ link.Binder = &Binder{}

// DialContext implements [link.Binder].
func (b *Binder) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	// 1. parse the address
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}

	// 2. dial using either TCP or UDP
	switch network {
	case "tcp", "tcp4", "tcp6":
		conn, err := b.stack.DialTCP(ctx, addrport)
		if err != nil {
			return nil, mapStackError(err)
		}
		return tcpConn{conn}, nil

	case "udp", "udp4", "udp6":
		conn, err := b.stack.DialUDP(addrport)
		if err != nil {
			return nil, mapStackError(err)
		}
		return udpConn{conn}, nil

	default:
		return nil, syscall.EPROTOTYPE
	}
}

// ListenPacket implements [link.Binder].
func (b *Binder) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	// 1. reject networks different from udp
	switch network {
	case "udp", "udp4", "udp6":
	default:
		return nil, syscall.EPROTOTYPE
	}

	// 2. resolve the local address
	addrport, err := b.localAddrPort(address)
	if err != nil {
		return nil, err
	}

	// 3. create the socket
	pconn, err := b.stack.ListenUDP(addrport)
	if err != nil {
		return nil, mapStackError(err)
	}
	return udpConn{pconn}, nil
}

// Listen creates a listening TCP socket.
func (b *Binder) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	// 1. reject networks different from tcp
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, syscall.EPROTOTYPE
	}

	// 2. resolve the local address
	addrport, err := b.localAddrPort(address)
	if err != nil {
		return nil, err
	}

	// 3. create the listener
	listener, err := b.stack.ListenTCP(addrport)
	if err != nil {
		return nil, mapStackError(err)
	}
	return tcpListener{listener}, nil
}

// localAddrPort parses a local "host:port" where host may be empty.
func (b *Binder) localAddrPort(address string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return netip.AddrPort{}, err
	}
	var addr netip.Addr
	if host != "" {
		if addr, err = netip.ParseAddr(host); err != nil {
			return netip.AddrPort{}, err
		}
	}
	return netip.ParseAddrPort(net.JoinHostPort(b.stack.localAddr(addr).String(), port))
}

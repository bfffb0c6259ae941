//
// SPDX-License-Identifier: MIT
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/gvisor.go
// Adapted from: https://github.com/WireGuard/wireguard-go
//

package vnet

import (
	"context"
	"errors"
	"net/netip"
	"slices"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// Stack is a gVisor network stack with a single NIC.
//
// Construct using [NewStack] or [*World.NewStack].
type Stack struct {
	// addrs contains the configured addresses.
	addrs []netip.Addr

	// ns is the gVisor stack.
	ns *stack.Stack
}

// stackNICID is the ID of the single NIC.
const stackNICID = 1

// NewStack creates a new [*Stack] using the given link endpoint and addresses.
func NewStack(nic stack.LinkEndpoint, addrs ...netip.Addr) (*Stack, error) {
	// 1. create the network stack
	ns := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			ipv6.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
			icmp.NewProtocol4,
			icmp.NewProtocol6,
		},
		HandleLocal: true,
	})

	// 2. attach the NIC
	if err := ns.CreateNIC(stackNICID, nic); err != nil {
		ns.Destroy()
		return nil, errors.New(err.String())
	}

	// 3. configure the addresses
	for _, addr := range addrs {
		if err := ns.AddProtocolAddress(stackNICID, stackProtocolAddress(addr), stack.AddressProperties{}); err != nil {
			ns.Destroy()
			return nil, errors.New(err.String())
		}
	}

	// 4. route everything through the NIC
	ns.AddRoute(tcpip.Route{Destination: header.IPv4EmptySubnet, NIC: stackNICID})
	ns.AddRoute(tcpip.Route{Destination: header.IPv6EmptySubnet, NIC: stackNICID})

	return &Stack{addrs: slices.Clone(addrs), ns: ns}, nil
}

func stackProtocolAddress(addr netip.Addr) tcpip.ProtocolAddress {
	return tcpip.ProtocolAddress{
		Protocol:          protocolOf(addr),
		AddressWithPrefix: tcpip.AddrFromSlice(addr.AsSlice()).WithPrefix(),
	}
}

// Addrs returns the configured addresses.
func (sx *Stack) Addrs() []netip.Addr {
	return slices.Clone(sx.addrs)
}

// localAddr returns the first configured address of the same family as
// addr, or addr itself when it is specified.
func (sx *Stack) localAddr(addr netip.Addr) netip.Addr {
	if addr.IsValid() && !addr.IsUnspecified() {
		return addr
	}
	for _, candidate := range sx.addrs {
		if candidate.Is4() == (!addr.IsValid() || addr.Is4()) {
			return candidate
		}
	}
	return addr
}

// DialTCP establishes a new [*gonet.TCPConn].
func (sx *Stack) DialTCP(ctx context.Context, addr netip.AddrPort) (*gonet.TCPConn, error) {
	return gonet.DialContextTCP(ctx, sx.ns, stackFullAddress(addr), protocolOf(addr.Addr()))
}

// ListenTCP creates a new [*gonet.TCPListener].
func (sx *Stack) ListenTCP(addr netip.AddrPort) (*gonet.TCPListener, error) {
	return gonet.ListenTCP(sx.ns, stackFullAddress(addr), protocolOf(addr.Addr()))
}

// DialUDP creates a new connected [*gonet.UDPConn].
func (sx *Stack) DialUDP(addr netip.AddrPort) (*gonet.UDPConn, error) {
	raddr := stackFullAddress(addr)
	return gonet.DialUDP(sx.ns, nil, &raddr, protocolOf(addr.Addr()))
}

// ListenUDP creates a new unconnected [*gonet.UDPConn].
func (sx *Stack) ListenUDP(addr netip.AddrPort) (*gonet.UDPConn, error) {
	laddr := stackFullAddress(addr)
	return gonet.DialUDP(sx.ns, &laddr, nil, protocolOf(addr.Addr()))
}

func stackFullAddress(epnt netip.AddrPort) tcpip.FullAddress {
	return tcpip.FullAddress{
		NIC:  stackNICID,
		Addr: tcpip.AddrFromSlice(epnt.Addr().AsSlice()),
		Port: epnt.Port(),
	}
}

// Close destroys the stack and waits for the NIC teardown.
func (sx *Stack) Close() {
	sx.ns.Destroy()
}

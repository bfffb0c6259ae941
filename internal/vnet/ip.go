// SPDX-License-Identifier: GPL-3.0-or-later

package vnet

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
)

// ipInfo is what the NICs and the [*World] need from an IP header.
type ipInfo struct {
	proto tcpip.NetworkProtocolNumber
	src   netip.Addr
	dst   netip.Addr
}

// parseIP reads the fixed IP header of pkt. It fails for anything
// shorter than a minimal IPv4 or IPv6 header.
func parseIP(pkt []byte) (ipInfo, bool) {
	if len(pkt) == 0 {
		return ipInfo{}, false
	}
	switch header.IPVersion(pkt) {
	case header.IPv4Version:
		if len(pkt) < header.IPv4MinimumSize {
			return ipInfo{}, false
		}
		ip := header.IPv4(pkt)
		return ipInfo{
			proto: ipv4.ProtocolNumber,
			src:   netip.AddrFrom4(ip.SourceAddress().As4()),
			dst:   netip.AddrFrom4(ip.DestinationAddress().As4()),
		}, true

	case header.IPv6Version:
		if len(pkt) < header.IPv6MinimumSize {
			return ipInfo{}, false
		}
		ip := header.IPv6(pkt)
		return ipInfo{
			proto: ipv6.ProtocolNumber,
			src:   netip.AddrFrom16(ip.SourceAddress().As16()),
			dst:   netip.AddrFrom16(ip.DestinationAddress().As16()),
		}, true

	default:
		return ipInfo{}, false
	}
}

// protocolOf returns the network protocol carrying addr.
func protocolOf(addr netip.Addr) tcpip.NetworkProtocolNumber {
	if addr.Is4() {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}

// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// FlowKey identifies a client-to-server conversation.
//
// The protocol is implied by the table holding the key.
type FlowKey struct {
	// Client is the address and port on the virtual interface side.
	Client netip.AddrPort

	// Server is the remote address and port.
	Server netip.AddrPort
}

// String implements [fmt.Stringer].
func (k FlowKey) String() string {
	return fmt.Sprintf("%s->%s", k.Client, k.Server)
}

// Packet is a parsed IPv4 packet.
//
// At most one of TCP and UDP is non-nil.
type Packet struct {
	// IP is the IPv4 header.
	IP IPv4Header

	// TCP is the TCP header when IP.Protocol is [ProtocolTCP].
	TCP *TCPHeader

	// UDP is the UDP header when IP.Protocol is [ProtocolUDP].
	UDP *UDPHeader

	// Payload is the transport payload, or the IP payload for other protocols.
	Payload []byte
}

// Parse parses an IPv4 packet and, for TCP and UDP, its transport header.
//
// The returned [*Packet] aliases b.
func Parse(b []byte) (*Packet, error) {
	ip, err := ParseIPv4(b)
	if err != nil {
		return nil, err
	}
	pkt := &Packet{IP: ip}
	switch ip.Protocol {
	case ProtocolTCP:
		tcp, err := ParseTCP(b, ip)
		if err != nil {
			return nil, err
		}
		pkt.TCP = &tcp
		pkt.Payload = TCPPayload(b, ip, tcp)

	case ProtocolUDP:
		udp, err := ParseUDP(b, ip)
		if err != nil {
			return nil, err
		}
		pkt.UDP = &udp
		pkt.Payload = UDPPayload(b, ip, udp)

	default:
		pkt.Payload = b[ip.HeaderLen():ip.TotalLength]
	}
	return pkt, nil
}

// Flow returns the [FlowKey] of a TCP or UDP packet as seen from the client.
func (p *Packet) Flow() FlowKey {
	var sport, dport uint16
	switch {
	case p.TCP != nil:
		sport, dport = p.TCP.SrcPort, p.TCP.DstPort
	case p.UDP != nil:
		sport, dport = p.UDP.SrcPort, p.UDP.DstPort
	}
	return FlowKey{
		Client: netip.AddrPortFrom(p.IP.Src, sport),
		Server: netip.AddrPortFrom(p.IP.Dst, dport),
	}
}

// TCPSegment describes a whole TCP/IPv4 packet to build.
type TCPSegment struct {
	// Src is the source endpoint.
	Src netip.AddrPort

	// Dst is the destination endpoint.
	Dst netip.AddrPort

	// Seq is the sequence number.
	Seq uint32

	// Ack is the acknowledgment number.
	Ack uint32

	// Flags contains the control bits.
	Flags TCPFlags

	// Window is the advertised receive window.
	Window uint16

	// Payload is the optional payload.
	Payload []byte
}

// Marshal returns the IPv4 packet carrying the segment.
func (s TCPSegment) Marshal() []byte {
	const hlen = header.IPv4MinimumSize + header.TCPMinimumSize
	b := make([]byte, hlen+len(s.Payload))
	encodeIPv4(b, IPv4Header{
		TotalLength: uint16(len(b)),
		Flags:       IPv4FlagDontFragment,
		TTL:         DefaultTTL,
		Protocol:    ProtocolTCP,
		Src:         s.Src.Addr(),
		Dst:         s.Dst.Addr(),
	})
	encodeTCP(b[header.IPv4MinimumSize:], TCPHeader{
		SrcPort: s.Src.Port(),
		DstPort: s.Dst.Port(),
		Seq:     s.Seq,
		Ack:     s.Ack,
		Flags:   s.Flags,
		Window:  s.Window,
	}, s.Src.Addr(), s.Dst.Addr(), s.Payload)
	return b
}

// UDPDatagram describes a whole UDP/IPv4 packet to build.
type UDPDatagram struct {
	// Src is the source endpoint.
	Src netip.AddrPort

	// Dst is the destination endpoint.
	Dst netip.AddrPort

	// Payload is the datagram payload.
	Payload []byte
}

// Marshal returns the IPv4 packet carrying the datagram.
func (d UDPDatagram) Marshal() []byte {
	const hlen = header.IPv4MinimumSize + header.UDPMinimumSize
	b := make([]byte, hlen+len(d.Payload))
	encodeIPv4(b, IPv4Header{
		TotalLength: uint16(len(b)),
		Flags:       IPv4FlagDontFragment,
		TTL:         DefaultTTL,
		Protocol:    ProtocolUDP,
		Src:         d.Src.Addr(),
		Dst:         d.Dst.Addr(),
	})
	encodeUDP(b[header.IPv4MinimumSize:], UDPHeader{
		SrcPort: d.Src.Port(),
		DstPort: d.Dst.Port(),
	}, d.Src.Addr(), d.Dst.Addr(), d.Payload)
	return b
}

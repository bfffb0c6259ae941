// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// UDPHeader contains the decoded fields of a UDP header.
type UDPHeader struct {
	// SrcPort is the source port.
	SrcPort uint16

	// DstPort is the destination port.
	DstPort uint16

	// Length is the length of header and payload in bytes.
	Length uint16

	// Checksum is the datagram checksum, zero when the sender did not compute it.
	Checksum uint16
}

// ParseUDP parses the UDP header following the IPv4 header ip in b.
//
// The b argument is the whole IPv4 packet that ip was parsed from.
func ParseUDP(b []byte, ip IPv4Header) (UDPHeader, error) {
	seg, err := transportSegment(b, ip)
	if err != nil {
		return UDPHeader{}, err
	}
	if len(seg) < header.UDPMinimumSize {
		return UDPHeader{}, ErrTruncated
	}
	udp := header.UDP(seg)
	length := int(udp.Length())
	if length < header.UDPMinimumSize || length > len(seg) {
		return UDPHeader{}, ErrBadLength
	}
	return UDPHeader{
		SrcPort:  udp.SourcePort(),
		DstPort:  udp.DestinationPort(),
		Length:   uint16(length),
		Checksum: udp.Checksum(),
	}, nil
}

// UDPPayload returns the slice of b carrying the UDP payload.
//
// The headers must come from [ParseIPv4] and [ParseUDP] on the same b.
func UDPPayload(b []byte, ip IPv4Header, udp UDPHeader) []byte {
	off := ip.HeaderLen()
	return b[off+header.UDPMinimumSize : off+int(udp.Length)]
}

// BuildUDP returns the UDP header h followed by payload, with the checksum
// computed over the pseudo-header for src and dst.
//
// The Length and Checksum fields of h are ignored. A computed checksum
// of zero is transmitted as 0xffff since zero means "not computed".
func BuildUDP(h UDPHeader, src, dst netip.Addr, payload []byte) []byte {
	seg := make([]byte, header.UDPMinimumSize+len(payload))
	encodeUDP(seg, h, src, dst, payload)
	return seg
}

// encodeUDP writes the header and the payload into seg.
func encodeUDP(seg []byte, h UDPHeader, src, dst netip.Addr, payload []byte) {
	udp := header.UDP(seg)
	udp.Encode(&header.UDPFields{
		SrcPort:  h.SrcPort,
		DstPort:  h.DstPort,
		Length:   uint16(len(seg)),
		Checksum: 0,
	})
	copy(seg[header.UDPMinimumSize:], payload)
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		tcpip.AddrFrom4(src.As4()), tcpip.AddrFrom4(dst.As4()), uint16(len(seg)))
	xsum = checksum.Checksum(payload, xsum)
	value := ^udp.CalculateChecksum(xsum)
	if value == 0 {
		value = 0xffff
	}
	udp.SetChecksum(value)
}

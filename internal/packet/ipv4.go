// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Transport protocol numbers carried in the IPv4 protocol field.
const (
	// ProtocolTCP is the IPv4 protocol number of TCP.
	ProtocolTCP = uint8(header.TCPProtocolNumber)

	// ProtocolUDP is the IPv4 protocol number of UDP.
	ProtocolUDP = uint8(header.UDPProtocolNumber)
)

// DefaultTTL is the TTL of the packets we build.
const DefaultTTL = 64

// IPv4FlagDontFragment is the don't-fragment bit of [IPv4Header.Flags].
const IPv4FlagDontFragment = header.IPv4FlagDontFragment

// IPv4Header contains the decoded fields of an IPv4 header.
type IPv4Header struct {
	// Version is the IP version, always 4 once parsed.
	Version uint8

	// IHL is the header length in 32-bit words.
	IHL uint8

	// TOS is the type of service byte.
	TOS uint8

	// TotalLength is the length of header and payload in bytes.
	TotalLength uint16

	// ID is the identification field.
	ID uint16

	// Flags contains the three flag bits.
	Flags uint8

	// FragmentOffset is the fragment offset in bytes.
	FragmentOffset uint16

	// TTL is the time to live.
	TTL uint8

	// Protocol is the transport protocol number.
	Protocol uint8

	// Checksum is the header checksum.
	Checksum uint16

	// Src is the source address.
	Src netip.Addr

	// Dst is the destination address.
	Dst netip.Addr
}

// HeaderLen returns the header length in bytes.
func (h IPv4Header) HeaderLen() int {
	return int(h.IHL) * 4
}

// ParseIPv4 parses the IPv4 header at the beginning of b.
//
// The returned header guarantees that HeaderLen() <= TotalLength <= len(b).
func ParseIPv4(b []byte) (IPv4Header, error) {
	// 1. make sure we can read the fixed part of the header
	if len(b) < header.IPv4MinimumSize {
		return IPv4Header{}, ErrTruncated
	}
	if header.IPVersion(b) != header.IPv4Version {
		return IPv4Header{}, ErrNotIPv4
	}

	// 2. validate the header length
	ip := header.IPv4(b)
	hlen := int(ip.HeaderLength())
	if hlen < header.IPv4MinimumSize {
		return IPv4Header{}, ErrBadHeader
	}
	if hlen > len(b) {
		return IPv4Header{}, ErrTruncated
	}

	// 3. validate the total length
	total := int(ip.TotalLength())
	if total < hlen || total > len(b) {
		return IPv4Header{}, ErrBadLength
	}

	// 4. decode the fields
	tos, _ := ip.TOS()
	return IPv4Header{
		Version:        header.IPv4Version,
		IHL:            uint8(hlen / 4),
		TOS:            tos,
		TotalLength:    uint16(total),
		ID:             ip.ID(),
		Flags:          ip.Flags(),
		FragmentOffset: ip.FragmentOffset(),
		TTL:            ip.TTL(),
		Protocol:       ip.Protocol(),
		Checksum:       ip.Checksum(),
		Src:            netip.AddrFrom4([4]byte(b[12:16])),
		Dst:            netip.AddrFrom4([4]byte(b[16:20])),
	}, nil
}

// BuildIPv4 returns the 20-byte encoding of h with a freshly computed checksum.
//
// The Version, IHL and Checksum fields of h are ignored. Both addresses
// must be IPv4 addresses.
func BuildIPv4(h IPv4Header) []byte {
	b := make([]byte, header.IPv4MinimumSize)
	encodeIPv4(b, h)
	return b
}

// encodeIPv4 writes h into b[:20] and computes the checksum.
func encodeIPv4(b []byte, h IPv4Header) {
	ip := header.IPv4(b)
	ip.Encode(&header.IPv4Fields{
		TOS:            h.TOS,
		TotalLength:    h.TotalLength,
		ID:             h.ID,
		Flags:          h.Flags,
		FragmentOffset: h.FragmentOffset,
		TTL:            h.TTL,
		Protocol:       h.Protocol,
		Checksum:       0,
		SrcAddr:        tcpip.AddrFrom4(h.Src.As4()),
		DstAddr:        tcpip.AddrFrom4(h.Dst.As4()),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
}

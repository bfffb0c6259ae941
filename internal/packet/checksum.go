// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Checksum returns the 16-bit one's complement sum of b added to initial,
// with carries folded back into the low 16 bits.
//
// The value written into a header is the complement of this sum.
func Checksum(b []byte, initial uint16) uint16 {
	return checksum.Checksum(b, initial)
}

// PseudoHeaderChecksum returns the sum of the IPv4 pseudo-header used
// by TCP and UDP checksums.
func PseudoHeaderChecksum(ip IPv4Header, length uint16) uint16 {
	return header.PseudoHeaderChecksum(tcpip.TransportProtocolNumber(ip.Protocol),
		tcpip.AddrFrom4(ip.Src.As4()), tcpip.AddrFrom4(ip.Dst.As4()), length)
}

// VerifyChecksums returns whether the IPv4 header checksum and, for TCP
// and UDP, the transport checksum of pkt are correct.
//
// A UDP checksum of zero is accepted. The router never calls this
// function because inbound checksums are not validated.
func VerifyChecksums(pkt []byte) bool {
	// 1. parse and verify the IPv4 header
	ip, err := ParseIPv4(pkt)
	if err != nil {
		return false
	}
	if Checksum(pkt[:ip.HeaderLen()], 0) != 0xffff {
		return false
	}

	// 2. verify the transport checksum, if any
	seg := pkt[ip.HeaderLen():ip.TotalLength]
	switch ip.Protocol {
	case ProtocolTCP:
	case ProtocolUDP:
		if len(seg) >= header.UDPMinimumSize && header.UDP(seg).Checksum() == 0 {
			return true
		}
	default:
		return true
	}
	return Checksum(seg, PseudoHeaderChecksum(ip, uint16(len(seg)))) == 0xffff
}

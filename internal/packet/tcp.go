// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// TCPFlags contains the TCP control bits.
type TCPFlags uint8

// TCP control bits, in wire order.
const (
	FlagFIN = TCPFlags(header.TCPFlagFin)
	FlagSYN = TCPFlags(header.TCPFlagSyn)
	FlagRST = TCPFlags(header.TCPFlagRst)
	FlagPSH = TCPFlags(header.TCPFlagPsh)
	FlagACK = TCPFlags(header.TCPFlagAck)
	FlagURG = TCPFlags(header.TCPFlagUrg)
)

// Has returns whether all the bits in o are set.
func (f TCPFlags) Has(o TCPFlags) bool {
	return f&o == o
}

// String implements [fmt.Stringer].
func (f TCPFlags) String() string {
	return header.TCPFlags(f).String()
}

// TCPHeader contains the decoded fields of a TCP header.
type TCPHeader struct {
	// SrcPort is the source port.
	SrcPort uint16

	// DstPort is the destination port.
	DstPort uint16

	// Seq is the sequence number.
	Seq uint32

	// Ack is the acknowledgment number.
	Ack uint32

	// DataOffset is the header length in 32-bit words.
	DataOffset uint8

	// Flags contains the control bits.
	Flags TCPFlags

	// Window is the advertised receive window.
	Window uint16

	// Checksum is the segment checksum.
	Checksum uint16

	// Urgent is the urgent pointer.
	Urgent uint16
}

// HeaderLen returns the header length in bytes.
func (h TCPHeader) HeaderLen() int {
	return int(h.DataOffset) * 4
}

// SYN returns whether the SYN bit is set.
func (h TCPHeader) SYN() bool { return h.Flags.Has(FlagSYN) }

// ACK returns whether the ACK bit is set.
func (h TCPHeader) ACK() bool { return h.Flags.Has(FlagACK) }

// FIN returns whether the FIN bit is set.
func (h TCPHeader) FIN() bool { return h.Flags.Has(FlagFIN) }

// RST returns whether the RST bit is set.
func (h TCPHeader) RST() bool { return h.Flags.Has(FlagRST) }

// ParseTCP parses the TCP header following the IPv4 header ip in b.
//
// The b argument is the whole IPv4 packet that ip was parsed from.
func ParseTCP(b []byte, ip IPv4Header) (TCPHeader, error) {
	// 1. isolate the segment using the IPv4 lengths
	seg, err := transportSegment(b, ip)
	if err != nil {
		return TCPHeader{}, err
	}
	if len(seg) < header.TCPMinimumSize {
		return TCPHeader{}, ErrTruncated
	}

	// 2. validate the data offset
	tcp := header.TCP(seg)
	doff := int(tcp.DataOffset())
	if doff < header.TCPMinimumSize || doff > len(seg) {
		return TCPHeader{}, ErrBadHeader
	}

	// 3. decode the fields
	return TCPHeader{
		SrcPort:    tcp.SourcePort(),
		DstPort:    tcp.DestinationPort(),
		Seq:        tcp.SequenceNumber(),
		Ack:        tcp.AckNumber(),
		DataOffset: uint8(doff / 4),
		Flags:      TCPFlags(tcp.Flags()),
		Window:     tcp.WindowSize(),
		Checksum:   tcp.Checksum(),
		Urgent:     tcp.UrgentPointer(),
	}, nil
}

// TCPPayload returns the slice of b carrying the TCP payload.
//
// The headers must come from [ParseIPv4] and [ParseTCP] on the same b.
func TCPPayload(b []byte, ip IPv4Header, tcp TCPHeader) []byte {
	return b[ip.HeaderLen()+tcp.HeaderLen() : ip.TotalLength]
}

// BuildTCP returns the TCP header h followed by payload, with the checksum
// computed over the pseudo-header for src and dst.
//
// The DataOffset and Checksum fields of h are ignored because the
// header is always encoded without options.
func BuildTCP(h TCPHeader, src, dst netip.Addr, payload []byte) []byte {
	seg := make([]byte, header.TCPMinimumSize+len(payload))
	encodeTCP(seg, h, src, dst, payload)
	return seg
}

// encodeTCP writes the header and the payload into seg.
func encodeTCP(seg []byte, h TCPHeader, src, dst netip.Addr, payload []byte) {
	tcp := header.TCP(seg)
	tcp.Encode(&header.TCPFields{
		SrcPort:       h.SrcPort,
		DstPort:       h.DstPort,
		SeqNum:        h.Seq,
		AckNum:        h.Ack,
		DataOffset:    header.TCPMinimumSize,
		Flags:         header.TCPFlags(h.Flags),
		WindowSize:    h.Window,
		Checksum:      0,
		UrgentPointer: h.Urgent,
	})
	copy(seg[header.TCPMinimumSize:], payload)
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		tcpip.AddrFrom4(src.As4()), tcpip.AddrFrom4(dst.As4()), uint16(len(seg)))
	xsum = checksum.Checksum(payload, xsum)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))
}

// transportSegment returns the bytes following the IPv4 header up to the total length.
func transportSegment(b []byte, ip IPv4Header) ([]byte, error) {
	hlen, total := ip.HeaderLen(), int(ip.TotalLength)
	if hlen < header.IPv4MinimumSize || total < hlen || total > len(b) {
		return nil, ErrBadLength
	}
	return b[hlen:total], nil
}

// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import "errors"

var (
	// ErrTruncated indicates that the buffer is shorter than the header.
	ErrTruncated = errors.New("packet: truncated")

	// ErrNotIPv4 indicates that the IP version is not 4.
	ErrNotIPv4 = errors.New("packet: not an IPv4 packet")

	// ErrBadHeader indicates an inconsistent header length field.
	ErrBadHeader = errors.New("packet: bad header length")

	// ErrBadLength indicates an inconsistent total or datagram length.
	ErrBadLength = errors.New("packet: bad length")
)

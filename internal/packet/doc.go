// SPDX-License-Identifier: GPL-3.0-or-later

// Package packet parses and builds the IPv4, TCP and UDP headers seen on
// the virtual interface, including the Internet checksums.
//
// Parsing never validates inbound checksums and never mutates the buffer
// it is given. Building always produces IPv4 headers without options and
// TCP headers without options.
//
// The wire layout is delegated to gVisor's [header] package.
//
// [header]: https://pkg.go.dev/gvisor.dev/gvisor/pkg/tcpip/header
package packet

// SPDX-License-Identifier: GPL-3.0-or-later

// Package vnet is an in-process network built on gVisor for exercising
// the router without a real TUN device or real uplinks.
//
// A [*World] moves raw IP packets between the [*Stack] instances attached
// to it. Typical use creates one stack per uplink (for example a wifi
// stack at 192.0.2.10 and a cellular stack at 198.51.100.10) plus one
// stack per remote server, then calls [*World.Run] to forward packets.
// [*World.Impair] delays or blackholes the traffic of an address so that
// an uplink can look slow or dead to the quality monitor.
//
// A [*Binder] exposes a [*Stack] as a link binder, and a [*Tap] is the
// device side: a stack whose packets are read and written as an
// [io.ReadWriteCloser], like a TUN file descriptor.
//
// We don't model L2 frames or multiple hops.
package vnet

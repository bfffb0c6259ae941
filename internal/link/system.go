// SPDX-License-Identifier: GPL-3.0-or-later

package link

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
)

// System is a [Registry] backed by the host network interfaces.
//
// Availability is computed on every [*System.Links] call: a link is
// available when its interface is up and has a non-loopback IPv4 address.
//
// Construct using [NewSystem].
type System struct {
	// links contains the configured links sorted by ID.
	links []Link

	// lookup returns the state of an interface.
	lookup func(name string) (interfaceState, error)
}

// interfaceState is the subset of interface state we care about.
type interfaceState struct {
	up   bool
	addr net.IP
}

// NewSystem creates a [*System] registry for the given links.
//
// The Available field of the links is ignored. When no link is
// marked as default, the first one by ID is.
func NewSystem(links []Link) (*System, error) {
	seen := make(map[string]bool)
	sorted := slices.Clone(links)
	for _, l := range sorted {
		if l.ID == "" || l.Interface == "" {
			return nil, fmt.Errorf("link: link needs both ID and interface: %+v", l)
		}
		if seen[l.ID] {
			return nil, fmt.Errorf("link: duplicate link ID: %s", l.ID)
		}
		seen[l.ID] = true
	}
	slices.SortFunc(sorted, func(a, b Link) int {
		return strings.Compare(a.ID, b.ID)
	})
	if len(sorted) > 0 && !slices.ContainsFunc(sorted, func(l Link) bool { return l.Default }) {
		sorted[0].Default = true
	}
	return &System{links: sorted, lookup: systemLookup}, nil
}

var _ Registry = &System{}

// Links implements [Registry].
func (s *System) Links() []Link {
	out := slices.Clone(s.links)
	for idx := range out {
		state, err := s.lookup(out[idx].Interface)
		out[idx].Available = err == nil && state.up && state.addr != nil
	}
	return out
}

// Binder implements [Registry].
func (s *System) Binder(id string) (Binder, error) {
	for _, l := range s.links {
		if l.ID == id {
			return NewDeviceBinder(l.Interface), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownLink, id)
}

// systemLookup queries the interface using the net package.
func systemLookup(name string) (interfaceState, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return interfaceState{}, err
	}
	addr, err := InterfaceIPv4(name)
	if err != nil {
		return interfaceState{up: iface.Flags&net.FlagUp != 0}, nil
	}
	return interfaceState{up: iface.Flags&net.FlagUp != 0, addr: addr}, nil
}

// InterfaceIPv4 returns the first non-loopback IPv4 address of the named interface.
func InterfaceIPv4(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		return ip, nil
	}
	return nil, fmt.Errorf("link: no IPv4 address on %s", name)
}

// DeviceBinder is a [Binder] opening sockets bound to a network interface.
//
// Construct using [NewDeviceBinder].
type DeviceBinder struct {
	// Interface is the interface name.
	Interface string
}

// NewDeviceBinder creates a new [*DeviceBinder].
func NewDeviceBinder(iface string) *DeviceBinder {
	return &DeviceBinder{Interface: iface}
}

var _ Binder = &DeviceBinder{}

// DialContext implements [Binder].
func (b *DeviceBinder) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dialer, err := newBoundDialer(b.Interface, network)
	if err != nil {
		return nil, err
	}
	return dialer.DialContext(ctx, network, address)
}

// ListenPacket implements [Binder].
func (b *DeviceBinder) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	lc, address, err := newBoundListenConfig(b.Interface, address)
	if err != nil {
		return nil, err
	}
	return lc.ListenPacket(ctx, network, address)
}

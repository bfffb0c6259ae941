// SPDX-License-Identifier: GPL-3.0-or-later

// Package link models the independently routable network paths (links)
// the router may forward traffic over, and opens sockets bound to them.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Transport is the transport class of a link.
type Transport int

const (
	// TransportOther is any link that is neither wifi-like nor cellular-like.
	TransportOther Transport = iota

	// TransportWifi is a wifi-like link.
	TransportWifi

	// TransportCellular is a cellular-like link.
	TransportCellular
)

// String implements [fmt.Stringer].
func (t Transport) String() string {
	switch t {
	case TransportWifi:
		return "wifi"
	case TransportCellular:
		return "cellular"
	default:
		return "other"
	}
}

// ParseTransport parses the value returned by [Transport.String].
func ParseTransport(value string) (Transport, error) {
	switch strings.ToLower(value) {
	case "wifi":
		return TransportWifi, nil
	case "cellular":
		return TransportCellular, nil
	case "other":
		return TransportOther, nil
	default:
		return TransportOther, fmt.Errorf("link: unknown transport %q", value)
	}
}

// interfacePrefixes maps interface name prefixes to transports.
var interfacePrefixes = []struct {
	prefix    string
	transport Transport
}{
	{"wlan", TransportWifi},
	{"wlp", TransportWifi},
	{"wl", TransportWifi},
	{"wifi", TransportWifi},
	{"wwan", TransportCellular},
	{"rmnet", TransportCellular},
	{"ccmni", TransportCellular},
	{"ppp", TransportCellular},
	{"usb", TransportCellular},
	{"lte", TransportCellular},
}

// GuessTransport infers the transport from the interface name.
func GuessTransport(iface string) Transport {
	for _, entry := range interfacePrefixes {
		if strings.HasPrefix(iface, entry.prefix) {
			return entry.transport
		}
	}
	return TransportOther
}

// Link is a bindable network path.
type Link struct {
	// ID is the stable identifier.
	ID string

	// Interface is the name of the network interface.
	Interface string

	// Transport is the transport class.
	Transport Transport

	// Available indicates whether the link can currently carry traffic.
	Available bool

	// Default indicates the host's default active link.
	Default bool
}

// ErrNoLink indicates that no link is available.
var ErrNoLink = errors.New("link: no link available")

// ErrUnknownLink indicates that the link ID is not registered.
var ErrUnknownLink = errors.New("link: unknown link")

// Binder opens sockets bound to a specific link.
//
// The method signatures mirror [*net.Dialer] and [*net.ListenConfig].
type Binder interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
	ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error)
}

// Registry enumerates the links.
type Registry interface {
	// Links returns the links sorted by ID.
	Links() []Link

	// Binder returns the [Binder] for the given link ID.
	Binder(id string) (Binder, error)
}

// Default returns the default link of the registry.
//
// The link marked as default wins if available. Otherwise the first
// available link wins. With no available link, it returns [ErrNoLink].
func Default(reg Registry) (Link, error) {
	links := reg.Links()
	for _, l := range links {
		if l.Default && l.Available {
			return l, nil
		}
	}
	for _, l := range links {
		if l.Available {
			return l, nil
		}
	}
	return Link{}, ErrNoLink
}

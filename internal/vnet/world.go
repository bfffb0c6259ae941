// SPDX-License-Identifier: GPL-3.0-or-later

package vnet

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// DefaultMaxInflight is the default maximum number of queued packets.
const DefaultMaxInflight = 1024

// Enumerate common MTU values.
const (
	// MTUEthernet is the MTU used by Ethernet.
	MTUEthernet = 1500

	// MTUJumbo is the MTU used by jumbo frames.
	MTUJumbo = 9000
)

// Impairment describes how the [*World] degrades the traffic of an address.
type Impairment struct {
	// Down drops every packet from or to the address.
	Down bool

	// Delay postpones the delivery of every packet from or to the address.
	Delay time.Duration
}

// WorldOption is an option for [NewWorld].
type WorldOption func(cfg *worldConfig)

// worldConfig is the internal type modified by [WorldOption].
type worldConfig struct {
	maxInflight int
}

// WorldOptionMaxInflight sets the maximum number of queued packets.
//
// The default is [DefaultMaxInflight]. Packets sent while the queue is
// full are silently dropped.
func WorldOptionMaxInflight(value int) WorldOption {
	return func(cfg *worldConfig) {
		cfg.maxInflight = value
	}
}

// World connects the stacks attached to it.
//
// Construct using [NewWorld].
type World struct {
	// impairments contains the impairment per address.
	impairments map[netip.Addr]Impairment

	// inflight queues the packets sent by the attached NICs.
	inflight chan Frame

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// routes maps addresses to NICs.
	routes map[netip.Addr]*NIC
}

// NewWorld creates a new [*World].
func NewWorld(options ...WorldOption) *World {
	cfg := worldConfig{
		maxInflight: DefaultMaxInflight,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	return &World{
		impairments: make(map[netip.Addr]Impairment),
		inflight:    make(chan Frame, cfg.maxInflight),
		mu:          sync.RWMutex{},
		routes:      make(map[netip.Addr]*NIC),
	}
}

// NewNIC creates a [*NIC] sending its packets to the [*World].
func (w *World) NewNIC(mtu uint32) *NIC {
	return NewNIC(mtu, worldNetwork{w})
}

// AddRoute routes packets for the given addresses to nic.
//
// This method fails if an address is already in use.
func (w *World) AddRoute(nic *NIC, addrs ...netip.Addr) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, addr := range addrs {
		if _, found := w.routes[addr]; found {
			return fmt.Errorf("vnet: duplicate address: %s", addr)
		}
	}
	for _, addr := range addrs {
		w.routes[addr] = nic
	}
	return nil
}

// NewStack creates a [*Stack] with the given addresses attached to the [*World].
func (w *World) NewStack(mtu uint32, addrs ...netip.Addr) (*Stack, error) {
	nic := w.NewNIC(mtu)
	stack, err := NewStack(nic, addrs...)
	if err != nil {
		return nil, err
	}
	if err := w.AddRoute(nic, addrs...); err != nil {
		stack.Close()
		return nil, err
	}
	return stack, nil
}

// Impair sets the impairment of an address. The zero [Impairment] clears it.
func (w *World) Impair(addr netip.Addr, imp Impairment) {
	w.mu.Lock()
	if imp == (Impairment{}) {
		delete(w.impairments, addr)
	} else {
		w.impairments[addr] = imp
	}
	w.mu.Unlock()
}

// worldNetwork adapts the [*World] to be a [Network].
type worldNetwork struct {
	w *World
}

var _ Network = worldNetwork{}

// SendFrame implements [Network].
func (n worldNetwork) SendFrame(frame Frame) bool {
	select {
	case n.w.inflight <- frame:
		return true
	default:
		return false
	}
}

// InFlight returns the channel where the sent frames are posted.
func (w *World) InFlight() <-chan Frame {
	return w.inflight
}

// Run delivers the in-flight frames until ctx is done.
func (w *World) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-w.inflight:
			w.Deliver(frame)
		}
	}
}

// Deliver routes a frame to the NIC owning its destination address.
//
// It returns false when the frame cannot be parsed, has no route, or is
// dropped because of an [Impairment]. Delayed frames return true.
func (w *World) Deliver(frame Frame) bool {
	// 1. find source and destination
	info, ok := parseIP(frame.Packet)
	if !ok {
		return false
	}
	src, dst := info.src, info.dst

	// 2. find the route and the impairments
	w.mu.RLock()
	nic := w.routes[dst]
	impSrc := w.impairments[src]
	impDst := w.impairments[dst]
	w.mu.RUnlock()
	if nic == nil {
		return false
	}

	// 3. apply the impairments
	if impSrc.Down || impDst.Down {
		return false
	}
	if delay := impSrc.Delay + impDst.Delay; delay > 0 {
		time.AfterFunc(delay, func() {
			nic.InjectFrame(frame)
		})
		return true
	}

	// 4. deliver immediately
	return nic.InjectFrame(frame)
}

// SPDX-License-Identifier: GPL-3.0-or-later

package vnet

import (
	"sync"

	"github.com/bassosimone/runtimex"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// Frame is a raw IPv4 or IPv6 packet.
type Frame struct {
	Packet []byte
}

// Network carries the frames a [*NIC] sends. [*World] and [*Tap]
// are the two networks of this package.
type Network interface {
	SendFrame(frame Frame) bool
}

// nicState is the mutable part of a [*NIC].
type nicState struct {
	address    tcpip.LinkAddress
	closed     bool
	dispatcher stack.NetworkDispatcher
	mtu        uint32
	onClose    func()
}

// NIC plugs a gVisor [*Stack] into a [Network]. Outbound packets leave
// through WritePackets and inbound ones enter through [*NIC.InjectFrame].
//
// Construct using [NewNIC].
type NIC struct {
	mu      sync.Mutex
	network Network
	state   nicState
}

// NewNIC creates a [*NIC] attached to network, which may be nil.
func NewNIC(mtu uint32, network Network) *NIC {
	return &NIC{
		mu:      sync.Mutex{},
		network: network,
		state:   nicState{mtu: mtu},
	}
}

var _ stack.LinkEndpoint = &NIC{}

// snapshot returns a copy of the mutable state.
func (n *NIC) snapshot() nicState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// update runs fn on the mutable state under the lock.
func (n *NIC) update(fn func(st *nicState)) {
	n.mu.Lock()
	fn(&n.state)
	n.mu.Unlock()
}

// InjectFrame hands a copy of frame to the stack. It refuses frames
// that are not IP, exceed the MTU, or arrive while detached.
func (n *NIC) InjectFrame(frame Frame) bool {
	info, ok := parseIP(frame.Packet)
	if !ok {
		return false
	}
	st := n.snapshot()
	if st.closed || st.dispatcher == nil || uint32(len(frame.Packet)) > st.mtu {
		return false
	}
	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte{}, frame.Packet...)),
	})
	defer pkb.DecRef()
	st.dispatcher.DeliverNetworkPacket(info.proto, pkb)
	return true
}

// WritePackets implements [stack.LinkEndpoint] by sending every packet
// within the MTU to the network. It reports how many were accepted.
func (n *NIC) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	st := n.snapshot()
	if st.closed || n.network == nil {
		return 0, nil
	}
	var sent int
	for _, pb := range pkts.AsSlice() {
		frame := frameOf(pb)
		if len(frame.Packet) == 0 || uint32(len(frame.Packet)) > st.mtu {
			continue
		}
		if n.network.SendFrame(frame) {
			sent++
		}
	}
	return sent, nil
}

// frameOf copies the bytes of a packet buffer into a [Frame].
func frameOf(pb *stack.PacketBuffer) Frame {
	view := pb.ToView()
	defer view.Release()
	out := make([]byte, view.Size())
	_ = runtimex.PanicOnError1(view.Read(out))
	return Frame{Packet: out}
}

// Attach implements [stack.LinkEndpoint].
func (n *NIC) Attach(disp stack.NetworkDispatcher) {
	n.update(func(st *nicState) {
		if !st.closed {
			st.dispatcher = disp
		}
	})
}

// IsAttached implements [stack.LinkEndpoint].
func (n *NIC) IsAttached() bool {
	st := n.snapshot()
	return !st.closed && st.dispatcher != nil
}

// Close detaches the NIC and runs the close action once.
func (n *NIC) Close() {
	var action func()
	n.update(func(st *nicState) {
		if st.closed {
			return
		}
		action = st.onClose
		*st = nicState{address: st.address, closed: true, mtu: st.mtu}
	})
	if action != nil {
		action()
	}
}

// SetOnCloseAction implements [stack.LinkEndpoint].
func (n *NIC) SetOnCloseAction(action func()) {
	n.update(func(st *nicState) { st.onClose = action })
}

// LinkAddress implements [stack.LinkEndpoint].
func (n *NIC) LinkAddress() tcpip.LinkAddress {
	return n.snapshot().address
}

// SetLinkAddress implements [stack.LinkEndpoint].
func (n *NIC) SetLinkAddress(addr tcpip.LinkAddress) {
	n.update(func(st *nicState) { st.address = addr })
}

// MTU implements [stack.LinkEndpoint].
func (n *NIC) MTU() uint32 {
	return n.snapshot().mtu
}

// SetMTU implements [stack.LinkEndpoint].
func (n *NIC) SetMTU(mtu uint32) {
	n.update(func(st *nicState) { st.mtu = mtu })
}

// The frames carry no link header, so the remaining hooks are no-ops.

func (n *NIC) ARPHardwareType() header.ARPHardwareType { return header.ARPHardwareNone }
func (n *NIC) AddHeader(*stack.PacketBuffer) {}
func (n *NIC) Capabilities() stack.LinkEndpointCapabilities { return 0 }
func (n *NIC) MaxHeaderLength() uint16 { return 0 }
func (n *NIC) ParseHeader(*stack.PacketBuffer) bool { return true }
func (n *NIC) Wait() {}

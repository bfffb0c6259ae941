// SPDX-License-Identifier: GPL-3.0-or-later

package vnet_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swoet/dualwan/internal/vnet"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// countingDispatcher counts the delivered packets.
type countingDispatcher struct {
	count atomic.Uint32
}

func (d *countingDispatcher) DeliverNetworkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {
	d.count.Add(1)
}

func (d *countingDispatcher) DeliverLinkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {
	d.count.Add(1)
}

// recordingNetwork records the sent frames.
type recordingNetwork struct {
	frames []vnet.Frame
}

func (n *recordingNetwork) SendFrame(frame vnet.Frame) bool {
	n.frames = append(n.frames, frame)
	return true
}

func TestNICInterfaceMethods(t *testing.T) {
	nic := vnet.NewNIC(vnet.MTUEthernet, nil)

	assert.Equal(t, header.ARPHardwareNone, nic.ARPHardwareType())
	assert.Equal(t, uint16(0), nic.MaxHeaderLength())
	assert.Equal(t, uint32(vnet.MTUEthernet), nic.MTU())
	assert.Equal(t, tcpip.LinkAddress(""), nic.LinkAddress())
	assert.Equal(t, stack.LinkEndpointCapabilities(0), nic.Capabilities())

	nic.SetLinkAddress(tcpip.LinkAddress("tun"))
	assert.Equal(t, tcpip.LinkAddress("tun"), nic.LinkAddress())

	nic.SetMTU(vnet.MTUJumbo)
	assert.Equal(t, uint32(vnet.MTUJumbo), nic.MTU())

	pbuf := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData([]byte{0x45}),
	})
	defer pbuf.DecRef()
	assert.True(t, nic.ParseHeader(pbuf))
	nic.AddHeader(pbuf)

	assert.False(t, nic.IsAttached())
	nic.Attach(&countingDispatcher{})
	assert.True(t, nic.IsAttached())
	nic.Close()
	assert.False(t, nic.IsAttached())

	require.NotPanics(t, nic.Wait)
}

func TestNICCloseCallsHookOnce(t *testing.T) {
	nic := vnet.NewNIC(vnet.MTUEthernet, nil)
	called := atomic.Uint32{}
	nic.SetOnCloseAction(func() {
		called.Add(1)
	})
	nic.Close()
	nic.Close()
	assert.Equal(t, uint32(1), called.Load())

	nic.Attach(&countingDispatcher{})
	assert.False(t, nic.IsAttached())
	assert.Equal(t, uint32(vnet.MTUEthernet), nic.MTU())
}

func TestNICInjectFrame(t *testing.T) {
	ipv4 := make([]byte, 20)
	ipv4[0] = 0x45

	t.Run("delivers_ipv4", func(t *testing.T) {
		nic := vnet.NewNIC(vnet.MTUEthernet, nil)
		disp := &countingDispatcher{}
		nic.Attach(disp)
		assert.True(t, nic.InjectFrame(vnet.Frame{Packet: ipv4}))
		assert.Equal(t, uint32(1), disp.count.Load())
	})

	t.Run("zero_length", func(t *testing.T) {
		nic := vnet.NewNIC(vnet.MTUEthernet, nil)
		nic.Attach(&countingDispatcher{})
		assert.False(t, nic.InjectFrame(vnet.Frame{}))
	})

	t.Run("unknown_version", func(t *testing.T) {
		nic := vnet.NewNIC(vnet.MTUEthernet, nil)
		nic.Attach(&countingDispatcher{})
		assert.False(t, nic.InjectFrame(vnet.Frame{Packet: []byte{0x70}}))
	})

	t.Run("truncated_header", func(t *testing.T) {
		nic := vnet.NewNIC(vnet.MTUEthernet, nil)
		disp := &countingDispatcher{}
		nic.Attach(disp)
		assert.False(t, nic.InjectFrame(vnet.Frame{Packet: ipv4[:8]}))
		assert.False(t, nic.InjectFrame(vnet.Frame{Packet: []byte{0x60, 0, 0, 0}}))
		assert.Zero(t, disp.count.Load())
	})

	t.Run("not_attached", func(t *testing.T) {
		nic := vnet.NewNIC(vnet.MTUEthernet, nil)
		assert.False(t, nic.InjectFrame(vnet.Frame{Packet: ipv4}))
	})

	t.Run("closed", func(t *testing.T) {
		nic := vnet.NewNIC(vnet.MTUEthernet, nil)
		nic.Attach(&countingDispatcher{})
		nic.Close()
		assert.False(t, nic.InjectFrame(vnet.Frame{Packet: ipv4}))
	})

	t.Run("larger_than_mtu", func(t *testing.T) {
		nic := vnet.NewNIC(10, nil)
		disp := &countingDispatcher{}
		nic.Attach(disp)
		assert.False(t, nic.InjectFrame(vnet.Frame{Packet: ipv4}))
		assert.Zero(t, disp.count.Load())
	})
}

func TestNICWritePackets(t *testing.T) {
	makeList := func(payloads ...[]byte) stack.PacketBufferList {
		pkts := stack.PacketBufferList{}
		for _, p := range payloads {
			pkts.PushBack(stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(p),
			}))
		}
		return pkts
	}

	t.Run("sends_packets_within_mtu", func(t *testing.T) {
		network := &recordingNetwork{}
		nic := vnet.NewNIC(4, network)
		pkts := makeList([]byte{0x45, 1}, make([]byte, 5), []byte{0x45})
		defer pkts.DecRef()

		num, err := nic.WritePackets(pkts)

		require.True(t, err == nil)
		assert.Equal(t, 2, num)
		require.Len(t, network.frames, 2)
		assert.Equal(t, []byte{0x45, 1}, network.frames[0].Packet)
	})

	t.Run("no_network", func(t *testing.T) {
		nic := vnet.NewNIC(vnet.MTUEthernet, nil)
		pkts := makeList([]byte{0x45})
		defer pkts.DecRef()

		num, err := nic.WritePackets(pkts)

		require.True(t, err == nil)
		assert.Zero(t, num)
	})

	t.Run("closed", func(t *testing.T) {
		network := &recordingNetwork{}
		nic := vnet.NewNIC(vnet.MTUEthernet, network)
		nic.Close()
		pkts := makeList([]byte{0x45})
		defer pkts.DecRef()

		num, err := nic.WritePackets(pkts)

		require.True(t, err == nil)
		assert.Zero(t, num)
		assert.Empty(t, network.frames)
	})
}

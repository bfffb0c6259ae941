// SPDX-License-Identifier: GPL-3.0-or-later

package vnet

import (
	"io"
	"net"
	"net/netip"
	"sync"
)

// DefaultTapQueue is the number of packets a [*Tap] queues before dropping.
const DefaultTapQueue = 1024

// Tap is the device side of a [*Stack], behaving like a TUN file
// descriptor: Read returns the packets the stack sends and Write
// injects packets into the stack.
//
// Construct using [NewTap].
type Tap struct {
	// closed is closed by Close.
	closed chan struct{}

	// frames queues the packets sent by the stack.
	frames chan Frame

	// nic is the NIC between the tap and the stack.
	nic *NIC

	// once provides "once" semantics for Close.
	once sync.Once

	// stack is the stack behind the tap.
	stack *Stack
}

var _ io.ReadWriteCloser = &Tap{}

// NewTap creates a [*Tap] in front of a new [*Stack] with the given addresses.
func NewTap(mtu uint32, addrs ...netip.Addr) (*Tap, error) {
	tap := &Tap{
		closed: make(chan struct{}),
		frames: make(chan Frame, DefaultTapQueue),
		nic:    nil,
		once:   sync.Once{},
		stack:  nil,
	}
	tap.nic = NewNIC(mtu, tap)
	stack, err := NewStack(tap.nic, addrs...)
	if err != nil {
		return nil, err
	}
	tap.stack = stack
	return tap, nil
}

// Stack returns the [*Stack] behind the tap.
func (t *Tap) Stack() *Stack {
	return t.stack
}

// SendFrame implements [Network].
func (t *Tap) SendFrame(frame Frame) bool {
	select {
	case t.frames <- frame:
		return true
	default:
		return false
	}
}

// Read implements [io.Reader]. It blocks until the stack sends a packet.
//
// A packet larger than buff is truncated.
func (t *Tap) Read(buff []byte) (int, error) {
	select {
	case <-t.closed:
		return 0, net.ErrClosed
	default:
	}
	select {
	case frame := <-t.frames:
		return copy(buff, frame.Packet), nil
	case <-t.closed:
		return 0, net.ErrClosed
	}
}

// Write implements [io.Writer]. Packets the stack rejects are silently dropped.
func (t *Tap) Write(packet []byte) (int, error) {
	select {
	case <-t.closed:
		return 0, net.ErrClosed
	default:
	}
	t.nic.InjectFrame(Frame{Packet: packet})
	return len(packet), nil
}

// Close implements [io.Closer]. It also closes the stack.
func (t *Tap) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.stack.Close()
	})
	return nil
}

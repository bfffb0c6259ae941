// SPDX-License-Identifier: GPL-3.0-or-later

package tcprelay_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swoet/dualwan/internal/link"
	"github.com/swoet/dualwan/internal/packet"
	"github.com/swoet/dualwan/internal/tcprelay"
)

var (
	clientAddr = netip.MustParseAddrPort("10.0.0.2:40000")
	serverAddr = netip.MustParseAddrPort("93.184.216.34:443")
)

const (
	clientISN = 1000
	serverISN = 5000
)

// device records the packets written toward the client.
type device struct {
	packets chan *packet.Packet
}

func newDevice() *device {
	return &device{packets: make(chan *packet.Packet, 128)}
}

func (d *device) Write(b []byte) (int, error) {
	pkt, err := packet.Parse(append([]byte{}, b...))
	if err != nil {
		return 0, err
	}
	d.packets <- pkt
	return len(b), nil
}

// next returns the next packet written toward the client.
func (d *device) next(t *testing.T) *packet.Packet {
	t.Helper()
	select {
	case pkt := <-d.packets:
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatal("no packet written to the device")
		return nil
	}
}

// none checks that nothing is written for a while.
func (d *device) none(t *testing.T) {
	t.Helper()
	select {
	case pkt := <-d.packets:
		t.Fatalf("unexpected packet: %+v", pkt.TCP)
	case <-time.After(50 * time.Millisecond):
	}
}

// countingConn counts Close calls.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// pipeBinder is a [link.Binder] whose conns are in-memory pipes.
type pipeBinder struct {
	// gate, when not nil, delays dialing until closed.
	gate chan struct{}

	// err, when not nil, is returned by DialContext.
	err error

	// loopback uses loopback TCP conns, which support half-close.
	loopback bool

	mu      sync.Mutex
	dialed  []string
	clients []*countingConn
	servers chan net.Conn
}

func newPipeBinder() *pipeBinder {
	return &pipeBinder{servers: make(chan net.Conn, 16)}
}

func (b *pipeBinder) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	b.mu.Lock()
	b.dialed = append(b.dialed, network+"/"+address)
	b.mu.Unlock()
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	if b.loopback {
		client, server, err := loopbackPair(ctx)
		if err != nil {
			return nil, err
		}
		b.servers <- server
		return client, nil
	}
	client, server := net.Pipe()
	conn := &countingConn{Conn: client}
	b.mu.Lock()
	b.clients = append(b.clients, conn)
	b.mu.Unlock()
	b.servers <- server
	return conn, nil
}

// loopbackPair returns both ends of a loopback TCP connection.
func loopbackPair(ctx context.Context) (net.Conn, net.Conn, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer listener.Close()
	client, err := (&net.Dialer{}).DialContext(ctx, "tcp", listener.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	server, err := listener.Accept()
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, server, nil
}

func (b *pipeBinder) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	return nil, errors.New("not implemented")
}

func (b *pipeBinder) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dialed)
}

// server returns the upstream side of the next dialed conn.
func (b *pipeBinder) server(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-b.servers:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("nothing dialed")
		return nil
	}
}

// fixedSelector always returns the same link or error.
type fixedSelector struct {
	link link.Link
	err  error
}

func (s fixedSelector) SelectTCP(host string, port uint16) (link.Link, error) {
	return s.link, s.err
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fixture wires a relay to a recording device and a pipe binder.
type fixture struct {
	binder *pipeBinder
	clock  *fakeClock
	device *device
	relay  *tcprelay.Relay
}

func newFixture(t *testing.T, binder *pipeBinder, options ...tcprelay.Option) *fixture {
	reg := link.NewStatic()
	wifi := link.Link{ID: "wifi", Interface: "wlan0", Transport: link.TransportWifi, Available: true, Default: true}
	require.NoError(t, reg.Add(wifi, binder))
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	dev := newDevice()
	options = append([]tcprelay.Option{
		tcprelay.OptionClock(clock.Now),
		tcprelay.OptionISN(func() uint32 { return serverISN }),
	}, options...)
	relay := tcprelay.New(dev, reg, fixedSelector{link: wifi}, options...)
	t.Cleanup(func() { relay.Close() })
	return &fixture{binder: binder, clock: clock, device: dev, relay: relay}
}

// send hands a client segment to the relay.
func (f *fixture) send(t *testing.T, seq, ack uint32, flags packet.TCPFlags, window uint16, payload []byte) {
	t.Helper()
	raw := packet.TCPSegment{
		Src:     clientAddr,
		Dst:     serverAddr,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  window,
		Payload: payload,
	}.Marshal()
	pkt, err := packet.Parse(raw)
	require.NoError(t, err)
	f.relay.Handle(pkt)
}

// establish performs the handshake and returns the upstream conn.
func (f *fixture) establish(t *testing.T, window uint16) net.Conn {
	t.Helper()
	f.send(t, clientISN, 0, packet.FlagSYN, window, nil)
	server := f.binder.server(t)
	synack := f.device.next(t)
	require.True(t, synack.TCP.SYN() && synack.TCP.ACK())
	f.send(t, clientISN+1, serverISN+1, packet.FlagACK, window, nil)
	return server
}

// waitLen waits for the relay to contain n sessions.
func waitLen(t *testing.T, relay *tcprelay.Relay, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return relay.Len() == n }, 5*time.Second, time.Millisecond)
}

func TestNewFlowHandshake(t *testing.T) {
	f := newFixture(t, newPipeBinder())

	f.send(t, clientISN, 0, packet.FlagSYN, 65535, nil)

	synack := f.device.next(t)
	require.NotNil(t, synack.TCP)
	assert.Equal(t, serverAddr.Addr(), synack.IP.Src)
	assert.Equal(t, clientAddr.Addr(), synack.IP.Dst)
	assert.Equal(t, uint16(443), synack.TCP.SrcPort)
	assert.Equal(t, uint16(40000), synack.TCP.DstPort)
	assert.Equal(t, packet.FlagSYN|packet.FlagACK, synack.TCP.Flags)
	assert.Equal(t, uint32(serverISN), synack.TCP.Seq)
	assert.Equal(t, uint32(clientISN+1), synack.TCP.Ack)

	assert.Equal(t, []string{"tcp/93.184.216.34:443"}, f.binder.dialed)
	sessions := f.relay.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "wifi", sessions[0].Link)
	assert.Equal(t, tcprelay.StateEstablished, sessions[0].State)
	assert.Equal(t, packet.FlowKey{Client: clientAddr, Server: serverAddr}, sessions[0].Flow)
}

func TestRetransmittedSyn(t *testing.T) {
	t.Run("ignored_while_connecting", func(t *testing.T) {
		binder := newPipeBinder()
		binder.gate = make(chan struct{})
		f := newFixture(t, binder)

		f.send(t, clientISN, 0, packet.FlagSYN, 65535, nil)
		f.send(t, clientISN, 0, packet.FlagSYN, 65535, nil)
		f.device.none(t)
		assert.Equal(t, 1, f.relay.Len())
		assert.Equal(t, 1, binder.dialCount())
		assert.Equal(t, tcprelay.StateSynSent, f.relay.Sessions()[0].State)

		close(binder.gate)
		synack := f.device.next(t)
		assert.Equal(t, packet.FlagSYN|packet.FlagACK, synack.TCP.Flags)
		f.device.none(t)
	})

	t.Run("answered_when_established", func(t *testing.T) {
		f := newFixture(t, newPipeBinder())

		f.send(t, clientISN, 0, packet.FlagSYN, 65535, nil)
		first := f.device.next(t)
		f.send(t, clientISN, 0, packet.FlagSYN, 65535, nil)
		second := f.device.next(t)

		assert.Equal(t, first.TCP.Seq, second.TCP.Seq)
		assert.Equal(t, first.TCP.Ack, second.TCP.Ack)
		assert.Equal(t, 1, f.binder.dialCount())
	})
}

func TestClientData(t *testing.T) {
	f := newFixture(t, newPipeBinder())
	server := f.establish(t, 65535)

	// in-order data is written upstream and acknowledged
	f.send(t, clientISN+1, serverISN+1, packet.FlagACK|packet.FlagPSH, 65535, []byte("hello"))
	ack := f.device.next(t)
	assert.Equal(t, packet.FlagACK, ack.TCP.Flags)
	assert.Equal(t, uint32(clientISN+6), ack.TCP.Ack)
	assert.Equal(t, uint32(serverISN+1), ack.TCP.Seq)
	buf := make([]byte, 5)
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	// out-of-order data is re-acknowledged and dropped
	f.send(t, clientISN+100, serverISN+1, packet.FlagACK|packet.FlagPSH, 65535, []byte("late"))
	reack := f.device.next(t)
	assert.Equal(t, uint32(clientISN+6), reack.TCP.Ack)

	// a retransmission of accepted data is dropped as well
	f.send(t, clientISN+1, serverISN+1, packet.FlagACK|packet.FlagPSH, 65535, []byte("hello"))
	reack = f.device.next(t)
	assert.Equal(t, uint32(clientISN+6), reack.TCP.Ack)

	// the next in-order segment follows the first one upstream
	f.send(t, clientISN+6, serverISN+1, packet.FlagACK|packet.FlagPSH, 65535, []byte("world"))
	f.device.next(t)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))
}

func TestUpstreamDataHonorsWindow(t *testing.T) {
	f := newFixture(t, newPipeBinder())
	server := f.establish(t, 4)

	go func() {
		_, _ = server.Write([]byte("abcdefgh"))
	}()

	first := f.device.next(t)
	assert.Equal(t, packet.FlagPSH|packet.FlagACK, first.TCP.Flags)
	assert.Equal(t, uint32(serverISN+1), first.TCP.Seq)
	assert.Equal(t, "abcd", string(first.Payload))
	f.device.none(t)

	f.send(t, clientISN+1, serverISN+5, packet.FlagACK, 4, nil)
	second := f.device.next(t)
	assert.Equal(t, uint32(serverISN+5), second.TCP.Seq)
	assert.Equal(t, "efgh", string(second.Payload))
}

func TestUpstreamSegmentsRespectMSS(t *testing.T) {
	f := newFixture(t, newPipeBinder(), tcprelay.OptionMSS(3))
	server := f.establish(t, 65535)

	go func() {
		_, _ = server.Write([]byte("abcdefg"))
	}()

	var got []byte
	for len(got) < 7 {
		seg := f.device.next(t)
		assert.LessOrEqual(t, len(seg.Payload), 3)
		got = append(got, seg.Payload...)
	}
	assert.Equal(t, "abcdefg", string(got))
}

func TestClientClosesFirst(t *testing.T) {
	f := newFixture(t, newPipeBinder())
	server := f.establish(t, 65535)

	f.send(t, clientISN+1, serverISN+1, packet.FlagFIN|packet.FlagACK, 65535, nil)
	ack := f.device.next(t)
	assert.Equal(t, packet.FlagACK, ack.TCP.Flags)
	assert.Equal(t, uint32(clientISN+2), ack.TCP.Ack)
	assert.Equal(t, tcprelay.StateFinWait, f.relay.Sessions()[0].State)

	require.NoError(t, server.Close())
	fin := f.device.next(t)
	assert.Equal(t, packet.FlagFIN|packet.FlagACK, fin.TCP.Flags)
	assert.Equal(t, uint32(serverISN+1), fin.TCP.Seq)
	waitLen(t, f.relay, 0)
}

func TestDataWithFin(t *testing.T) {
	f := newFixture(t, newPipeBinder())
	server := f.establish(t, 65535)

	f.send(t, clientISN+1, serverISN+1, packet.FlagFIN|packet.FlagACK|packet.FlagPSH, 65535, []byte("bye"))

	ack := f.device.next(t)
	assert.Equal(t, uint32(clientISN+5), ack.TCP.Ack)
	buf := make([]byte, 3)
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(buf))
	assert.Equal(t, tcprelay.StateFinWait, f.relay.Sessions()[0].State)
}

func TestUpstreamClosesFirst(t *testing.T) {
	f := newFixture(t, newPipeBinder())
	server := f.establish(t, 65535)

	require.NoError(t, server.Close())
	fin := f.device.next(t)
	assert.Equal(t, packet.FlagFIN|packet.FlagACK, fin.TCP.Flags)
	assert.Equal(t, uint32(serverISN+1), fin.TCP.Seq)
	assert.Equal(t, uint32(clientISN+1), fin.TCP.Ack)
	require.Eventually(t, func() bool {
		sessions := f.relay.Sessions()
		return len(sessions) == 1 && sessions[0].State == tcprelay.StateCloseWait
	}, 5*time.Second, time.Millisecond)

	f.send(t, clientISN+1, serverISN+2, packet.FlagFIN|packet.FlagACK, 65535, nil)
	ack := f.device.next(t)
	assert.Equal(t, uint32(clientISN+2), ack.TCP.Ack)
	assert.Equal(t, uint32(serverISN+2), ack.TCP.Seq)
	waitLen(t, f.relay, 0)
}

func TestClientDataAfterUpstreamHalfClose(t *testing.T) {
	binder := newPipeBinder()
	binder.loopback = true
	f := newFixture(t, binder)
	server := f.establish(t, 65535).(*net.TCPConn)

	// 1. the upstream stops sending and the client sees the FIN
	require.NoError(t, server.CloseWrite())
	fin := f.device.next(t)
	assert.Equal(t, packet.FlagFIN|packet.FlagACK, fin.TCP.Flags)
	require.Eventually(t, func() bool {
		sessions := f.relay.Sessions()
		return len(sessions) == 1 && sessions[0].State == tcprelay.StateCloseWait
	}, 5*time.Second, time.Millisecond)

	// 2. the client sends its last bytes together with its FIN
	payload := []byte("last words")
	f.send(t, clientISN+1, serverISN+2, packet.FlagFIN|packet.FlagACK|packet.FlagPSH, 65535, payload)
	ack := f.device.next(t)
	assert.Equal(t, uint32(clientISN+1+len(payload)+1), ack.TCP.Ack)

	// 3. the bytes reach the upstream before it sees EOF
	require.NoError(t, server.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(data))
	waitLen(t, f.relay, 0)
}

func TestConnectFailure(t *testing.T) {
	binder := newPipeBinder()
	binder.err = errors.New("connection refused")
	f := newFixture(t, binder)

	f.send(t, clientISN, 0, packet.FlagSYN, 65535, nil)

	rst := f.device.next(t)
	assert.Equal(t, packet.FlagRST|packet.FlagACK, rst.TCP.Flags)
	assert.Equal(t, uint32(0), rst.TCP.Seq)
	assert.Equal(t, uint32(clientISN+1), rst.TCP.Ack)
	assert.Equal(t, serverAddr.Addr(), rst.IP.Src)
	waitLen(t, f.relay, 0)
	assert.Empty(t, binder.clients)
}

func TestConnectTimeout(t *testing.T) {
	binder := newPipeBinder()
	binder.gate = make(chan struct{})
	f := newFixture(t, binder, tcprelay.OptionConnectTimeout(20*time.Millisecond))

	f.send(t, clientISN, 0, packet.FlagSYN, 65535, nil)

	rst := f.device.next(t)
	assert.Equal(t, packet.FlagRST|packet.FlagACK, rst.TCP.Flags)
	waitLen(t, f.relay, 0)
}

func TestSelectionFailure(t *testing.T) {
	dev := newDevice()
	relay := tcprelay.New(dev, link.NewStatic(), fixedSelector{err: link.ErrNoLink})
	defer relay.Close()

	raw := packet.TCPSegment{Src: clientAddr, Dst: serverAddr, Seq: clientISN, Flags: packet.FlagSYN, Window: 65535}.Marshal()
	pkt, err := packet.Parse(raw)
	require.NoError(t, err)
	relay.Handle(pkt)

	rst := dev.next(t)
	assert.Equal(t, packet.FlagRST|packet.FlagACK, rst.TCP.Flags)
	assert.Equal(t, uint32(clientISN+1), rst.TCP.Ack)
	assert.Equal(t, 0, relay.Len())
}

func TestClientReset(t *testing.T) {
	f := newFixture(t, newPipeBinder())
	f.establish(t, 65535)

	f.send(t, clientISN+1, serverISN+1, packet.FlagRST, 0, nil)

	assert.Equal(t, 0, f.relay.Len())
	require.Len(t, f.binder.clients, 1)
	assert.Equal(t, int32(1), f.binder.clients[0].closes.Load())
	f.device.none(t)
}

func TestUnmatchedSegmentsAreDropped(t *testing.T) {
	f := newFixture(t, newPipeBinder())

	f.send(t, clientISN, serverISN, packet.FlagACK, 65535, []byte("stray"))
	f.send(t, clientISN, serverISN, packet.FlagRST, 0, nil)
	f.send(t, clientISN, serverISN, packet.FlagSYN|packet.FlagACK, 65535, nil)

	f.device.none(t)
	assert.Equal(t, 0, f.relay.Len())
	assert.Equal(t, 0, f.binder.dialCount())
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	f := newFixture(t, newPipeBinder())
	f.establish(t, 65535)

	f.clock.Advance(tcprelay.DefaultIdleTimeout)
	assert.Equal(t, 0, f.relay.Sweep())
	assert.Equal(t, 1, f.relay.Len())

	f.clock.Advance(time.Second)
	assert.Equal(t, 1, f.relay.Sweep())
	assert.Equal(t, 0, f.relay.Len())
	assert.Equal(t, 0, f.relay.Sweep())

	require.NoError(t, f.relay.Close())
	require.Len(t, f.binder.clients, 1)
	assert.Equal(t, int32(1), f.binder.clients[0].closes.Load())
}

func TestActivityDefersExpiry(t *testing.T) {
	f := newFixture(t, newPipeBinder())
	f.establish(t, 65535)

	f.clock.Advance(9 * time.Minute)
	f.send(t, clientISN+1, serverISN+1, packet.FlagACK, 65535, nil)
	f.clock.Advance(9 * time.Minute)

	assert.Equal(t, 0, f.relay.Sweep())
	assert.Equal(t, 1, f.relay.Len())
}

func TestCloseRefusesNewSessions(t *testing.T) {
	f := newFixture(t, newPipeBinder())
	f.establish(t, 65535)

	require.NoError(t, f.relay.Close())
	assert.Equal(t, 0, f.relay.Len())
	assert.Equal(t, int32(1), f.binder.clients[0].closes.Load())

	f.send(t, clientISN+7, 0, packet.FlagSYN, 65535, nil)
	assert.Equal(t, 0, f.relay.Len())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, newPipeBinder(), tcprelay.OptionSweepInterval(time.Millisecond))
	f.establish(t, 65535)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.relay.Run(ctx)
		close(done)
	}()
	f.clock.Advance(tcprelay.DefaultIdleTimeout + time.Second)
	waitLen(t, f.relay, 0)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "syn-sent", tcprelay.StateSynSent.String())
	assert.Equal(t, "established", tcprelay.StateEstablished.String())
	assert.Equal(t, "fin-wait", tcprelay.StateFinWait.String())
	assert.Equal(t, "close-wait", tcprelay.StateCloseWait.String())
	assert.Equal(t, "unknown", tcprelay.State(42).String())
}

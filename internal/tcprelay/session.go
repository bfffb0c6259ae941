// SPDX-License-Identifier: GPL-3.0-or-later

package tcprelay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/swoet/dualwan/internal/packet"
	"go.uber.org/zap"
)

// State is the state of a session.
type State int

// Session states. A removed session is gone from the table.
const (
	// StateSynSent means the outbound connect is in progress.
	StateSynSent State = iota

	// StateEstablished means bytes flow in both directions.
	StateEstablished

	// StateFinWait means the client has closed its side.
	StateFinWait

	// StateCloseWait means the upstream has closed its side.
	StateCloseWait
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateSynSent:
		return "syn-sent"
	case StateEstablished:
		return "established"
	case StateFinWait:
		return "fin-wait"
	case StateCloseWait:
		return "close-wait"
	default:
		return "unknown"
	}
}

// session is a relayed TCP connection.
type session struct {
	// ackch wakes the pump when the client acknowledges data.
	ackch chan struct{}

	// cancel cancels ctx.
	cancel context.CancelFunc

	// ctx is cancelled when the session is removed.
	ctx context.Context

	// finch is closed once the client FIN is accepted.
	finch chan struct{}

	// key identifies the session.
	key packet.FlowKey

	// link is the ID of the link carrying the session.
	link string

	// once provides "once" semantics for closing.
	once sync.Once

	// queue feeds the ordered writer.
	queue chan []byte

	// mu protects the fields below.
	mu sync.Mutex

	// clientAcked is the highest sequence acknowledged by the client.
	clientAcked uint32

	// clientISN is the client initial sequence number.
	clientISN uint32

	// clientNext is the next expected client sequence number.
	clientNext uint32

	// clientWindow is the latest client receive window.
	clientWindow uint16

	// conn is the upstream connection, nil while connecting.
	conn net.Conn

	// finReceived is true once the client FIN is accepted.
	finReceived bool

	// lastActive is the time of the latest activity.
	lastActive time.Time

	// serverISN is our initial sequence number.
	serverISN uint32

	// serverNext is the next sequence number we send.
	serverNext uint32

	// state is the session state.
	state State

	// writeClosed is true once the writer flushed the queue and
	// closed the upstream write side.
	writeClosed bool
}

// newSession creates a session in [StateSynSent] for the given SYN.
func newSession(ctx context.Context, cancel context.CancelFunc,
	key packet.FlowKey, linkID string, syn *packet.TCPHeader, queue int, now time.Time) *session {
	return &session{
		ackch:        make(chan struct{}, 1),
		cancel:       cancel,
		ctx:          ctx,
		finch:        make(chan struct{}),
		key:          key,
		link:         linkID,
		once:         sync.Once{},
		queue:        make(chan []byte, queue),
		mu:           sync.Mutex{},
		clientAcked:  0,
		clientISN:    syn.Seq,
		clientNext:   syn.Seq + 1,
		clientWindow: syn.Window,
		conn:         nil,
		finReceived:  false,
		lastActive:   now,
		serverISN:    0,
		serverNext:   0,
		state:        StateSynSent,
		writeClosed:  false,
	}
}

// closeLocked cancels the session and closes the upstream connection. It
// returns true the first time. The caller holds s.mu.
func (s *session) closeLocked() bool {
	var first bool
	s.once.Do(func() {
		first = true
		s.cancel()
		if s.conn != nil {
			s.conn.Close()
		}
	})
	return first
}

// segmentLocked returns a segment toward the client at the current sequence numbers.
func (s *session) segmentLocked(flags packet.TCPFlags, payload []byte) packet.TCPSegment {
	return packet.TCPSegment{
		Src:     s.key.Server,
		Dst:     s.key.Client,
		Seq:     s.serverNext,
		Ack:     s.clientNext,
		Flags:   flags,
		Window:  Window,
		Payload: payload,
	}
}

// emitSynAckLocked sends the SYN+ACK of the handshake.
func (r *Relay) emitSynAckLocked(s *session) {
	r.emit(packet.TCPSegment{
		Src:    s.key.Server,
		Dst:    s.key.Client,
		Seq:    s.serverISN,
		Ack:    s.clientISN + 1,
		Flags:  packet.FlagSYN | packet.FlagACK,
		Window: Window,
	})
}

// seqAfter returns whether a comes after b in sequence space.
func seqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

// handleLocked processes a client segment for an existing session.
func (r *Relay) handleLocked(s *session, tcp *packet.TCPHeader, payload []byte) {
	// 1. ignore segments for a session being removed
	if s.ctx.Err() != nil {
		return
	}
	s.lastActive = r.cfg.now()

	// 2. handle reset and handshake retransmissions
	if tcp.RST() {
		r.removeLocked(s, "rst")
		return
	}
	if tcp.SYN() {
		if s.state != StateSynSent {
			r.emitSynAckLocked(s)
		}
		return
	}
	if s.state == StateSynSent {
		return
	}

	// 3. track acknowledgments and the client window
	if tcp.ACK() {
		if seqAfter(tcp.Ack, s.clientAcked) && !seqAfter(tcp.Ack, s.serverNext) {
			s.clientAcked = tcp.Ack
		}
		s.clientWindow = tcp.Window
		select {
		case s.ackch <- struct{}{}:
		default:
		}
	}

	// 4. accept in-order data only
	if len(payload) > 0 {
		if s.finReceived || tcp.Seq != s.clientNext {
			r.emit(s.segmentLocked(packet.FlagACK, nil))
			return
		}
		select {
		case s.queue <- payload:
		default:
			// leave it unacknowledged so the client retransmits
			return
		}
		s.clientNext += uint32(len(payload))
		r.cfg.metrics.Relayed("tcp", "up", len(payload))
		if !tcp.FIN() {
			r.emit(s.segmentLocked(packet.FlagACK, nil))
		}
	}

	// 5. handle the client closing its side
	//
	// The session is removed by whichever of the writer and the pump
	// finishes last, so queued bytes reach upstream before the close.
	if tcp.FIN() && tcp.Seq+uint32(len(payload)) == s.clientNext && !s.finReceived {
		s.clientNext++
		s.finReceived = true
		r.emit(s.segmentLocked(packet.FlagACK, nil))
		close(s.finch)
		if s.state != StateCloseWait {
			s.state = StateFinWait
		}
	}
}

// writeLoop writes the client bytes upstream in order.
func (r *Relay) writeLoop(s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.queue:
			if !r.writeUpstream(s, data) {
				return
			}
		case <-s.finch:
			r.finishWrite(s)
			return
		}
	}
}

// finishWrite flushes the queue, closes the upstream write side and
// removes the session when the upstream has already closed too.
func (r *Relay) finishWrite(s *session) {
	// 1. flush whatever was queued before the FIN
	for drained := false; !drained; {
		select {
		case data := <-s.queue:
			if !r.writeUpstream(s, data) {
				return
			}
		default:
			drained = true
		}
	}

	// 2. half-close when the conn supports it
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	// 3. remove if the pump is done as well
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeClosed = true
	if s.state == StateCloseWait && s.ctx.Err() == nil {
		r.removeLocked(s, "closed")
	}
}

// writeUpstream writes data to the upstream conn and aborts the session
// on failure. It returns whether the write succeeded.
func (r *Relay) writeUpstream(s *session, data []byte) bool {
	if _, err := s.conn.Write(data); err != nil {
		r.abort(s, "upstream_write", err)
		return false
	}
	return true
}

// pumpLoop sends the upstream bytes to the client.
func (r *Relay) pumpLoop(s *session) {
	buf := make([]byte, r.cfg.mss)
	for {
		// 1. wait for the client to have room
		avail, ok := r.waitWindow(s)
		if !ok {
			return
		}

		// 2. read from upstream
		count, err := s.conn.Read(buf[:min(avail, len(buf))])

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}

		// 3. forward the bytes
		if count > 0 {
			r.emit(s.segmentLocked(packet.FlagPSH|packet.FlagACK, buf[:count]))
			s.serverNext += uint32(count)
			s.lastActive = r.cfg.now()
			r.cfg.metrics.Relayed("tcp", "down", count)
		}

		// 4. handle upstream EOF and errors
		switch {
		case err == nil:
			s.mu.Unlock()
			continue

		case errors.Is(err, io.EOF):
			r.emit(s.segmentLocked(packet.FlagFIN|packet.FlagACK, nil))
			s.serverNext++
			s.state = StateCloseWait
			if s.writeClosed {
				r.removeLocked(s, "closed")
			}
			s.mu.Unlock()
			return

		default:
			r.cfg.logger.Debug("upstream read failed", zap.Stringer("flow", s.key), zap.Error(err))
			r.emit(s.segmentLocked(packet.FlagRST|packet.FlagACK, nil))
			r.removeLocked(s, "upstream_read")
			s.mu.Unlock()
			return
		}
	}
}

// waitWindow blocks until the client window has room and returns the
// number of bytes we may send. It returns false once the session is gone.
func (r *Relay) waitWindow(s *session) (int, bool) {
	for {
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return 0, false
		}
		avail := int(s.clientWindow) - int(s.serverNext-s.clientAcked)
		s.mu.Unlock()
		if avail > 0 {
			return avail, true
		}
		select {
		case <-s.ackch:
		case <-s.ctx.Done():
			return 0, false
		}
	}
}

// abort resets the client and removes the session.
func (r *Relay) abort(s *session, reason string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	r.cfg.logger.Debug("aborting session", zap.Stringer("flow", s.key), zap.String("reason", reason), zap.Error(err))
	r.emit(s.segmentLocked(packet.FlagRST|packet.FlagACK, nil))
	r.removeLocked(s, reason)
}

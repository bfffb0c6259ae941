// SPDX-License-Identifier: GPL-3.0-or-later

// Package udprelay translates the UDP flows of the virtual interface
// into datagrams sent from sockets bound to a link.
//
// Each flow gets its own socket, pinned to the link chosen for its
// first datagram, and a listener turning the replies back into packets.
package udprelay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/swoet/dualwan/internal/link"
	"github.com/swoet/dualwan/internal/metrics"
	"github.com/swoet/dualwan/internal/packet"
	"go.uber.org/zap"
)

// Default relay settings.
const (
	// DefaultReceiveTimeout is how long a listener waits for a reply.
	DefaultReceiveTimeout = 30 * time.Second

	// DefaultIdleTimeout is the inactivity after which a session expires.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultSweepInterval is the time between two expiry sweeps.
	DefaultSweepInterval = 30 * time.Second

	// MaxDatagram is the size of the receive buffer.
	MaxDatagram = 65535
)

// Selector chooses the link of a new session.
//
// [*selector.Selector] implements this interface.
type Selector interface {
	SelectUDP(host string, port uint16) (link.Link, error)
}

// Option is an option for [New].
type Option func(cfg *config)

type config struct {
	idleTimeout    time.Duration
	logger         *zap.Logger
	metrics        *metrics.Collector
	now            func() time.Time
	receiveTimeout time.Duration
	sweepInterval  time.Duration
}

// OptionReceiveTimeout sets how long a listener waits for a reply.
func OptionReceiveTimeout(value time.Duration) Option {
	return func(cfg *config) {
		cfg.receiveTimeout = value
	}
}

// OptionIdleTimeout sets the inactivity after which a session expires.
func OptionIdleTimeout(value time.Duration) Option {
	return func(cfg *config) {
		cfg.idleTimeout = value
	}
}

// OptionSweepInterval sets the time between two expiry sweeps.
func OptionSweepInterval(value time.Duration) Option {
	return func(cfg *config) {
		cfg.sweepInterval = value
	}
}

// OptionLogger sets the logger.
func OptionLogger(value *zap.Logger) Option {
	return func(cfg *config) {
		cfg.logger = value
	}
}

// OptionMetrics sets the metrics collector.
func OptionMetrics(value *metrics.Collector) Option {
	return func(cfg *config) {
		cfg.metrics = value
	}
}

// OptionClock overrides the function returning the current time.
//
// The clock drives expiry only. Socket deadlines use the wall clock.
func OptionClock(now func() time.Time) Option {
	return func(cfg *config) {
		cfg.now = now
	}
}

// SessionInfo describes a session.
type SessionInfo struct {
	// Flow identifies the session.
	Flow packet.FlowKey

	// Link is the ID of the link carrying the session.
	Link string

	// LastActive is the time of the latest activity.
	LastActive time.Time
}

// session is a relayed UDP flow.
type session struct {
	cancel context.CancelFunc
	conn   net.PacketConn
	ctx    context.Context
	key    packet.FlowKey
	link   string
	once   sync.Once
	remote *net.UDPAddr

	// mu protects lastActive.
	mu         sync.Mutex
	lastActive time.Time
}

// touch records activity at now.
func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// idleSince returns the time of the latest activity.
func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// fromServer returns whether addr is the remote endpoint of the session.
func (s *session) fromServer(addr net.Addr) bool {
	var ap netip.AddrPort
	switch v := addr.(type) {
	case nil:
		return false
	case *net.UDPAddr:
		ap = v.AddrPort()
	default:
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return false
		}
		ap = parsed
	}
	return ap.Addr().Unmap() == s.key.Server.Addr() && ap.Port() == s.key.Server.Port()
}

// close closes the socket and returns true the first time.
func (s *session) close() bool {
	var first bool
	s.once.Do(func() {
		first = true
		s.cancel()
		s.conn.Close()
	})
	return first
}

// Relay relays the UDP flows of the virtual interface.
//
// Construct using [New].
type Relay struct {
	// cfg contains the configuration.
	cfg config

	// closed indicates that Close was called.
	closed bool

	// device receives the packets toward the client.
	device io.Writer

	// mu protects closed and sessions.
	mu sync.Mutex

	// registry is the link registry.
	registry link.Registry

	// selector chooses links.
	selector Selector

	// sessions contains the sessions.
	sessions map[packet.FlowKey]*session

	// wg tracks the listeners.
	wg sync.WaitGroup
}

// New creates a new [*Relay] writing client-bound packets to device.
func New(device io.Writer, registry link.Registry, selector Selector, options ...Option) *Relay {
	cfg := config{
		idleTimeout:    DefaultIdleTimeout,
		logger:         zap.NewNop(),
		metrics:        nil,
		now:            time.Now,
		receiveTimeout: DefaultReceiveTimeout,
		sweepInterval:  DefaultSweepInterval,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.Named("udprelay")
	return &Relay{
		cfg:      cfg,
		closed:   false,
		device:   device,
		mu:       sync.Mutex{},
		registry: registry,
		selector: selector,
		sessions: make(map[packet.FlowKey]*session),
		wg:       sync.WaitGroup{},
	}
}

// Handle processes a UDP packet read from the virtual interface.
func (r *Relay) Handle(pkt *packet.Packet) {
	if pkt.UDP == nil {
		return
	}
	key := pkt.Flow()

	r.mu.Lock()
	sess := r.sessions[key]
	r.mu.Unlock()

	if sess == nil {
		if sess = r.open(key); sess == nil {
			return
		}
	}
	r.send(sess, pkt.Payload)
}

// open creates the session of a new flow and starts its listener. It
// returns nil when the flow cannot be relayed.
func (r *Relay) open(key packet.FlowKey) *session {
	// 1. choose the link and open a socket on it
	l, err := r.selector.SelectUDP(key.Server.Addr().String(), key.Server.Port())
	var binder link.Binder
	if err == nil {
		binder, err = r.registry.Binder(l.ID)
	}
	if err != nil {
		r.cfg.logger.Warn("cannot select link", zap.Stringer("flow", key), zap.Error(err))
		r.cfg.metrics.PacketDropped("no_link")
		return nil
	}
	conn, err := binder.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		r.cfg.logger.Warn("cannot open socket",
			zap.Stringer("flow", key), zap.String("link", l.ID), zap.Error(err))
		r.cfg.metrics.PacketDropped("socket")
		return nil
	}

	// 2. insert unless someone else did it first, in which case we use
	// their session and discard our socket
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		cancel:     cancel,
		conn:       conn,
		ctx:        ctx,
		key:        key,
		link:       l.ID,
		once:       sync.Once{},
		remote:     net.UDPAddrFromAddrPort(key.Server),
		mu:         sync.Mutex{},
		lastActive: r.cfg.now(),
	}
	r.mu.Lock()
	if existing := r.sessions[key]; r.closed || existing != nil {
		r.mu.Unlock()
		sess.close()
		return existing
	}
	r.sessions[key] = sess
	r.cfg.metrics.SessionOpened("udp", l.ID)
	r.wg.Go(func() {
		r.listen(sess)
	})
	r.mu.Unlock()
	r.cfg.logger.Debug("session opened", zap.Stringer("flow", key), zap.String("link", l.ID))
	return sess
}

// send forwards a client payload upstream.
func (r *Relay) send(sess *session, payload []byte) {
	if _, err := sess.conn.WriteTo(payload, sess.remote); err != nil {
		r.cfg.logger.Debug("cannot send datagram", zap.Stringer("flow", sess.key), zap.Error(err))
		r.cfg.metrics.PacketDropped("udp_send")
		return
	}
	sess.touch(r.cfg.now())
	r.cfg.metrics.Relayed("udp", "up", len(payload))
}

// listen turns the replies of the session into packets toward the client.
func (r *Relay) listen(sess *session) {
	buf := make([]byte, MaxDatagram)
	for {
		_ = sess.conn.SetReadDeadline(time.Now().Add(r.cfg.receiveTimeout))
		count, from, err := sess.conn.ReadFrom(buf)
		if err != nil {
			reason := "receive_error"
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				reason = "receive_timeout"
			}
			r.remove(sess, reason)
			return
		}
		if !sess.fromServer(from) {
			r.cfg.logger.Debug("dropping datagram from unexpected source",
				zap.Stringer("flow", sess.key), zap.Stringer("source", from))
			r.cfg.metrics.PacketDropped("udp_foreign_source")
			continue
		}
		raw := packet.UDPDatagram{
			Src:     sess.key.Server,
			Dst:     sess.key.Client,
			Payload: buf[:count],
		}.Marshal()
		if _, err := r.device.Write(raw); err != nil {
			r.cfg.logger.Debug("cannot write to device", zap.Error(err))
		}
		sess.touch(r.cfg.now())
		r.cfg.metrics.Relayed("udp", "down", count)
	}
}

// remove removes the session and closes its socket.
func (r *Relay) remove(sess *session, reason string) {
	r.mu.Lock()
	if r.sessions[sess.key] == sess {
		delete(r.sessions, sess.key)
	}
	r.mu.Unlock()
	if sess.close() {
		r.cfg.metrics.SessionClosed("udp", reason)
		r.cfg.logger.Debug("session closed", zap.Stringer("flow", sess.key), zap.String("reason", reason))
	}
}

// Run sweeps expired sessions periodically until ctx is done and then
// closes every session.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep removes the sessions idle for longer than the idle timeout and
// returns how many it removed.
func (r *Relay) Sweep() int {
	now := r.cfg.now()
	var count int
	for _, sess := range r.snapshot() {
		if now.Sub(sess.idleSince()) > r.cfg.idleTimeout && sess.ctx.Err() == nil {
			r.remove(sess, "idle")
			count++
		}
	}
	return count
}

func (r *Relay) snapshot() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of sessions.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns information about the sessions, sorted by flow.
func (r *Relay) Sessions() []SessionInfo {
	var out []SessionInfo
	for _, sess := range r.snapshot() {
		out = append(out, SessionInfo{
			Flow:       sess.key,
			Link:       sess.link,
			LastActive: sess.idleSince(),
		})
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.Flow.Client.Compare(b.Flow.Client); c != 0 {
			return c
		}
		return a.Flow.Server.Compare(b.Flow.Server)
	})
	return out
}

// Close closes every session, refuses new ones and waits for the
// listeners to terminate.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	for _, sess := range r.snapshot() {
		r.remove(sess, "shutdown")
	}
	r.wg.Wait()
	return nil
}

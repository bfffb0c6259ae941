// SPDX-License-Identifier: GPL-3.0-or-later

// Package tcprelay terminates the TCP connections of the virtual
// interface and relays their bytes over sockets opened on a link.
//
// The relay speaks just enough TCP toward the client: it answers the
// handshake once the outbound connection succeeds, accepts in-order
// data only, acknowledges everything it accepts and honors the client
// receive window when sending.
package tcprelay

import (
	"context"
	"io"
	"math/rand/v2"
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
	// DefaultConnectTimeout bounds the outbound connect.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultIdleTimeout is the inactivity after which a session expires.
	DefaultIdleTimeout = 10 * time.Minute

	// DefaultSweepInterval is the time between two expiry sweeps.
	DefaultSweepInterval = 60 * time.Second

	// DefaultMSS is the largest payload sent in a single segment.
	DefaultMSS = 1460

	// DefaultQueue is the number of client segments queued per session.
	DefaultQueue = 256

	// Window is the receive window advertised to the client.
	Window = 65535
)

// Selector chooses the link of a new session.
//
// [*selector.Selector] implements this interface.
type Selector interface {
	SelectTCP(host string, port uint16) (link.Link, error)
}

// Option is an option for [New].
type Option func(cfg *config)

// config is the internal type modified by [Option].
type config struct {
	connectTimeout time.Duration
	idleTimeout    time.Duration
	isn            func() uint32
	logger         *zap.Logger
	metrics        *metrics.Collector
	mss            int
	now            func() time.Time
	queue          int
	sweepInterval  time.Duration
}

// OptionConnectTimeout sets the outbound connect timeout.
func OptionConnectTimeout(value time.Duration) Option {
	return func(cfg *config) {
		cfg.connectTimeout = value
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

// OptionMSS sets the largest payload sent in a single segment.
func OptionMSS(value int) Option {
	return func(cfg *config) {
		cfg.mss = value
	}
}

// OptionQueue sets the number of client segments queued per session.
func OptionQueue(value int) Option {
	return func(cfg *config) {
		cfg.queue = value
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
func OptionClock(now func() time.Time) Option {
	return func(cfg *config) {
		cfg.now = now
	}
}

// OptionISN overrides the generator of initial sequence numbers.
func OptionISN(isn func() uint32) Option {
	return func(cfg *config) {
		cfg.isn = isn
	}
}

// SessionInfo describes a session.
type SessionInfo struct {
	// Flow identifies the session.
	Flow packet.FlowKey

	// Link is the ID of the link carrying the session.
	Link string

	// State is the session state.
	State State

	// LastActive is the time of the latest activity.
	LastActive time.Time
}

// Relay relays the TCP sessions of the virtual interface.
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

	// wg tracks the session goroutines.
	wg sync.WaitGroup
}

// New creates a new [*Relay] writing client-bound packets to device.
func New(device io.Writer, registry link.Registry, selector Selector, options ...Option) *Relay {
	cfg := config{
		connectTimeout: DefaultConnectTimeout,
		idleTimeout:    DefaultIdleTimeout,
		isn:            rand.Uint32,
		logger:         zap.NewNop(),
		metrics:        nil,
		mss:            DefaultMSS,
		now:            time.Now,
		queue:          DefaultQueue,
		sweepInterval:  DefaultSweepInterval,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.Named("tcprelay")
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

// Handle processes a TCP packet read from the virtual interface.
//
// The relay may retain pkt and its payload.
func (r *Relay) Handle(pkt *packet.Packet) {
	if pkt.TCP == nil {
		return
	}
	key := pkt.Flow()

	r.mu.Lock()
	sess := r.sessions[key]
	r.mu.Unlock()

	if sess == nil {
		switch {
		case pkt.TCP.SYN() && !pkt.TCP.ACK():
			r.open(key, pkt.TCP)
		default:
			r.cfg.logger.Debug("dropping segment without session",
				zap.Stringer("flow", key), zap.Stringer("flags", pkt.TCP.Flags))
		}
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	r.handleLocked(sess, pkt.TCP, pkt.Payload)
}

// open creates the session of a new flow and starts dialing.
func (r *Relay) open(key packet.FlowKey, syn *packet.TCPHeader) {
	// 1. choose the link and obtain its binder
	l, err := r.selector.SelectTCP(key.Server.Addr().String(), key.Server.Port())
	var binder link.Binder
	if err == nil {
		binder, err = r.registry.Binder(l.ID)
	}
	if err != nil {
		r.cfg.logger.Warn("cannot select link", zap.Stringer("flow", key), zap.Error(err))
		r.emit(packet.TCPSegment{
			Src:   key.Server,
			Dst:   key.Client,
			Seq:   0,
			Ack:   syn.Seq + 1,
			Flags: packet.FlagRST | packet.FlagACK,
		})
		return
	}

	// 2. insert the session unless someone else did it first and
	// dial in the background
	ctx, cancel := context.WithCancel(context.Background())
	sess := newSession(ctx, cancel, key, l.ID, syn, r.cfg.queue, r.cfg.now())
	r.mu.Lock()
	if r.closed || r.sessions[key] != nil {
		r.mu.Unlock()
		cancel()
		return
	}
	r.sessions[key] = sess
	r.cfg.metrics.SessionOpened("tcp", l.ID)
	r.wg.Go(func() {
		r.dial(sess, binder)
	})
	r.mu.Unlock()
	r.cfg.logger.Debug("session opened", zap.Stringer("flow", key), zap.String("link", l.ID))
}

// dial connects the session upstream and completes the handshake.
func (r *Relay) dial(sess *session, binder link.Binder) {
	// 1. connect with timeout
	ctx, cancel := context.WithTimeout(sess.ctx, r.cfg.connectTimeout)
	conn, err := binder.DialContext(ctx, "tcp", sess.key.Server.String())
	cancel()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	// 2. bail if the session went away in the meanwhile
	if sess.ctx.Err() != nil {
		if conn != nil {
			conn.Close()
		}
		return
	}

	// 3. reset the client on failure
	if err != nil {
		r.cfg.logger.Debug("connect failed",
			zap.Stringer("flow", sess.key), zap.String("link", sess.link), zap.Error(err))
		r.emit(packet.TCPSegment{
			Src:   sess.key.Server,
			Dst:   sess.key.Client,
			Seq:   0,
			Ack:   sess.clientISN + 1,
			Flags: packet.FlagRST | packet.FlagACK,
		})
		r.removeLocked(sess, "connect_failed")
		return
	}

	// 4. complete the handshake and start moving bytes
	sess.conn = conn
	sess.state = StateEstablished
	sess.serverISN = r.cfg.isn()
	sess.serverNext = sess.serverISN + 1
	sess.clientAcked = sess.serverNext
	r.emitSynAckLocked(sess)
	r.wg.Go(func() {
		r.writeLoop(sess)
	})
	r.wg.Go(func() {
		r.pumpLoop(sess)
	})
}

// emit writes a segment toward the client.
func (r *Relay) emit(seg packet.TCPSegment) {
	if _, err := r.device.Write(seg.Marshal()); err != nil {
		r.cfg.logger.Debug("cannot write to device", zap.Error(err))
	}
}

// removeLocked removes the session and closes it. The caller holds sess.mu.
func (r *Relay) removeLocked(sess *session, reason string) {
	r.mu.Lock()
	if r.sessions[sess.key] == sess {
		delete(r.sessions, sess.key)
	}
	r.mu.Unlock()
	if sess.closeLocked() {
		r.cfg.metrics.SessionClosed("tcp", reason)
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
		sess.mu.Lock()
		if now.Sub(sess.lastActive) > r.cfg.idleTimeout && sess.ctx.Err() == nil {
			r.removeLocked(sess, "idle")
			count++
		}
		sess.mu.Unlock()
	}
	return count
}

// snapshot returns the current sessions.
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
		sess.mu.Lock()
		out = append(out, SessionInfo{
			Flow:       sess.key,
			Link:       sess.link,
			State:      sess.state,
			LastActive: sess.lastActive,
		})
		sess.mu.Unlock()
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
// session goroutines to terminate.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	for _, sess := range r.snapshot() {
		sess.mu.Lock()
		r.removeLocked(sess, "shutdown")
		sess.mu.Unlock()
	}
	r.wg.Wait()
	return nil
}

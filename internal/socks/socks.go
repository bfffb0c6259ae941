// SPDX-License-Identifier: GPL-3.0-or-later

// Package socks implements a local SOCKS5 endpoint whose CONNECT
// requests are dialed on the link chosen by the TCP ruleset.
//
// Only the "no authentication" method and the CONNECT command are
// supported.
package socks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/swoet/dualwan/internal/link"
	"github.com/swoet/dualwan/internal/metrics"
	"go.uber.org/zap"
)

// Default server settings.
const (
	// DefaultDialTimeout bounds the outbound connect.
	DefaultDialTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds the negotiation with the client.
	DefaultHandshakeTimeout = 30 * time.Second
)

// Protocol constants.
const (
	version5 = 0x05

	methodNoAuth       = 0x00
	methodNoAcceptable = 0xff

	commandConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// Reply codes.
const (
	// ReplySucceeded indicates that the connection is established.
	ReplySucceeded = 0x00

	// ReplyGeneralFailure indicates a malformed or unsupported request.
	ReplyGeneralFailure = 0x01

	// ReplyHostUnreachable indicates that no link or no connection was available.
	ReplyHostUnreachable = 0x04
)

var (
	// ErrVersion indicates a version other than SOCKS5.
	ErrVersion = errors.New("socks: unsupported version")

	// ErrNoAcceptableMethod indicates that the client does not offer "no authentication".
	ErrNoAcceptableMethod = errors.New("socks: no acceptable authentication method")

	// ErrCommand indicates a command other than CONNECT.
	ErrCommand = errors.New("socks: unsupported command")

	// ErrAddressType indicates an unknown or malformed address.
	ErrAddressType = errors.New("socks: unsupported address type")
)

// Selector chooses the link of a new connection.
//
// [*selector.Selector] implements this interface.
type Selector interface {
	SelectTCP(host string, port uint16) (link.Link, error)
}

// Option is an option for [New].
type Option func(cfg *config)

type config struct {
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	logger           *zap.Logger
	metrics          *metrics.Collector
}

// OptionDialTimeout sets the outbound connect timeout.
func OptionDialTimeout(value time.Duration) Option {
	return func(cfg *config) {
		cfg.dialTimeout = value
	}
}

// OptionHandshakeTimeout sets the deadline of the negotiation with the client.
func OptionHandshakeTimeout(value time.Duration) Option {
	return func(cfg *config) {
		cfg.handshakeTimeout = value
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

// Server is a SOCKS5 server.
//
// Construct using [New].
type Server struct {
	// cfg contains the configuration.
	cfg config

	// registry is the link registry.
	registry link.Registry

	// selector chooses links.
	selector Selector
}

// New creates a new [*Server].
func New(registry link.Registry, selector Selector, options ...Option) *Server {
	cfg := config{
		dialTimeout:      DefaultDialTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           zap.NewNop(),
		metrics:          nil,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.Named("socks")
	return &Server{
		cfg:      cfg,
		registry: registry,
		selector: selector,
	}
}

// Serve accepts and serves clients until ctx is done or accept fails.
//
// Serve closes the listener and waits for the clients to terminate
// before returning. The return value is nil when ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			listener.Close()
			return fmt.Errorf("socks: accept: %w", err)
		}
		wg.Go(func() {
			s.serve(ctx, conn)
		})
	}
}

// target is the destination of a CONNECT request.
type target struct {
	host string
	port uint16
}

// address returns the host:port dial string.
func (t target) address() string {
	return net.JoinHostPort(t.host, strconv.Itoa(int(t.port)))
}

// serve handles a single client connection.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	// 1. negotiate with the client
	_ = conn.SetDeadline(time.Now().Add(s.cfg.handshakeTimeout))
	if err := s.negotiate(conn); err != nil {
		s.cfg.logger.Debug("negotiation failed", zap.Stringer("client", conn.RemoteAddr()), zap.Error(err))
		return
	}
	dst, err := readRequest(conn)
	if err != nil {
		s.cfg.logger.Debug("bad request", zap.Stringer("client", conn.RemoteAddr()), zap.Error(err))
		_ = writeReply(conn, ReplyGeneralFailure, nil)
		return
	}

	// 2. connect on the selected link
	upstream, linkID, err := s.dial(ctx, dst)
	if err != nil {
		s.cfg.logger.Info("cannot connect", zap.String("target", dst.address()), zap.Error(err))
		_ = writeReply(conn, ReplyHostUnreachable, nil)
		return
	}
	defer upstream.Close()
	if err := writeReply(conn, ReplySucceeded, upstream.LocalAddr()); err != nil {
		return
	}
	_ = conn.SetDeadline(time.Time{})
	s.cfg.metrics.SessionOpened("socks", linkID)
	s.cfg.logger.Debug("connected", zap.String("target", dst.address()), zap.String("link", linkID))

	// 3. relay until both directions are done
	var wg sync.WaitGroup
	wg.Go(func() {
		s.copy(upstream, conn, "up")
	})
	s.copy(conn, upstream, "down")
	wg.Wait()
	s.cfg.metrics.SessionClosed("socks", "closed")
}

// negotiate reads the greeting and selects "no authentication".
func (s *Server) negotiate(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return err
	}
	if hdr[0] != version5 {
		return ErrVersion
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}
	for _, method := range methods {
		if method == methodNoAuth {
			_, err := conn.Write([]byte{version5, methodNoAuth})
			return err
		}
	}
	_, _ = conn.Write([]byte{version5, methodNoAcceptable})
	return ErrNoAcceptableMethod
}

// readRequest reads a CONNECT request.
func readRequest(r io.Reader) (target, error) {
	// 1. fixed part
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return target{}, err
	}
	if hdr[0] != version5 {
		return target{}, ErrVersion
	}
	if hdr[1] != commandConnect {
		return target{}, fmt.Errorf("%w: %d", ErrCommand, hdr[1])
	}

	// 2. address
	var host string
	switch hdr[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(r, addr); err != nil {
			return target{}, err
		}
		host = netip.AddrFrom4([4]byte(addr)).String()

	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(r, addr); err != nil {
			return target{}, err
		}
		host = netip.AddrFrom16([16]byte(addr)).String()

	case atypDomain:
		size := make([]byte, 1)
		if _, err := io.ReadFull(r, size); err != nil {
			return target{}, err
		}
		if size[0] == 0 {
			return target{}, fmt.Errorf("%w: empty domain", ErrAddressType)
		}
		domain := make([]byte, size[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return target{}, err
		}
		host = string(domain)

	default:
		return target{}, fmt.Errorf("%w: %d", ErrAddressType, hdr[3])
	}

	// 3. port
	port := make([]byte, 2)
	if _, err := io.ReadFull(r, port); err != nil {
		return target{}, err
	}
	return target{host: host, port: binary.BigEndian.Uint16(port)}, nil
}

// writeReply writes a reply whose bound address is bound when it is an
// IPv4 TCP address and 0.0.0.0:0 otherwise.
func writeReply(w io.Writer, code byte, bound net.Addr) error {
	reply := []byte{version5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	if addr, ok := bound.(*net.TCPAddr); ok {
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(reply[4:8], ip4)
			binary.BigEndian.PutUint16(reply[8:10], uint16(addr.Port))
		}
	}
	_, err := w.Write(reply)
	return err
}

// dial selects the link and connects to dst on it.
func (s *Server) dial(ctx context.Context, dst target) (net.Conn, string, error) {
	l, err := s.selector.SelectTCP(dst.host, dst.port)
	if err != nil {
		return nil, "", err
	}
	binder, err := s.registry.Binder(l.ID)
	if err != nil {
		return nil, "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.dialTimeout)
	defer cancel()
	conn, err := binder.DialContext(ctx, "tcp", dst.address())
	if err != nil {
		return nil, "", err
	}
	return conn, l.ID, nil
}

// copy copies from src to dst and then half-closes dst.
func (s *Server) copy(dst, src net.Conn, direction string) {
	count, _ := io.Copy(dst, src)
	s.cfg.metrics.Relayed("socks", direction, int(count))
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	dst.Close()
}

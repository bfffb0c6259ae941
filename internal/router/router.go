// SPDX-License-Identifier: GPL-3.0-or-later

// Package router reads the packets of the virtual interface and hands
// them to the relay owning their protocol.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/swoet/dualwan/internal/link"
	"github.com/swoet/dualwan/internal/metrics"
	"github.com/swoet/dualwan/internal/packet"
	"github.com/swoet/dualwan/internal/pcap"
	"github.com/swoet/dualwan/internal/tcprelay"
	"github.com/swoet/dualwan/internal/udprelay"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReadBuffer is the size of the buffer used to read a packet.
const ReadBuffer = 32 * 1024

// DropLogInterval is the minimum interval between two drop log lines.
const DropLogInterval = 5 * time.Second

// Selector chooses the link of new TCP and UDP sessions.
//
// [*selector.Selector] implements this interface.
type Selector interface {
	tcprelay.Selector
	udprelay.Selector
}

// Option is an option for [New].
type Option func(cfg *config)

type config struct {
	logger  *zap.Logger
	metrics *metrics.Collector
	tcp     []tcprelay.Option
	trace   *pcap.Trace
	udp     []udprelay.Option
}

// OptionLogger sets the logger of the router and of both relays.
func OptionLogger(value *zap.Logger) Option {
	return func(cfg *config) {
		cfg.logger = value
	}
}

// OptionMetrics sets the metrics collector of the router and of both relays.
func OptionMetrics(value *metrics.Collector) Option {
	return func(cfg *config) {
		cfg.metrics = value
	}
}

// OptionTrace captures the packets read from and written to the device.
func OptionTrace(value *pcap.Trace) Option {
	return func(cfg *config) {
		cfg.trace = value
	}
}

// OptionTCP appends options for the TCP relay.
func OptionTCP(options ...tcprelay.Option) Option {
	return func(cfg *config) {
		cfg.tcp = append(cfg.tcp, options...)
	}
}

// OptionUDP appends options for the UDP relay.
func OptionUDP(options ...udprelay.Option) Option {
	return func(cfg *config) {
		cfg.udp = append(cfg.udp, options...)
	}
}

// Router dispatches the packets of the virtual interface.
//
// Construct using [New].
type Router struct {
	// device is the virtual interface.
	device io.ReadWriteCloser

	// dropLog samples the drop log lines.
	dropLog rate.Sometimes

	// logger is the logger.
	logger *zap.Logger

	// metrics is the metrics collector, possibly nil.
	metrics *metrics.Collector

	// tcp relays TCP.
	tcp *tcprelay.Relay

	// trace is the optional packet capture.
	trace *pcap.Trace

	// udp relays UDP.
	udp *udprelay.Relay
}

// New creates a new [*Router] for the given device.
//
// Run closes the device when its context is done.
func New(device io.ReadWriteCloser, registry link.Registry, selector Selector, options ...Option) *Router {
	cfg := config{
		logger:  zap.NewNop(),
		metrics: nil,
		tcp:     nil,
		trace:   nil,
		udp:     nil,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	writer := &deviceWriter{
		device:  device,
		metrics: cfg.metrics,
		mu:      sync.Mutex{},
		trace:   cfg.trace,
	}
	tcpOptions := append([]tcprelay.Option{
		tcprelay.OptionLogger(cfg.logger),
		tcprelay.OptionMetrics(cfg.metrics),
	}, cfg.tcp...)
	udpOptions := append([]udprelay.Option{
		udprelay.OptionLogger(cfg.logger),
		udprelay.OptionMetrics(cfg.metrics),
	}, cfg.udp...)
	return &Router{
		device:  device,
		dropLog: rate.Sometimes{Interval: DropLogInterval},
		logger:  cfg.logger.Named("router"),
		metrics: cfg.metrics,
		tcp:     tcprelay.New(writer, registry, selector, tcpOptions...),
		trace:   cfg.trace,
		udp:     udprelay.New(writer, registry, selector, udpOptions...),
	}
}

// TCP returns the TCP relay.
func (r *Router) TCP() *tcprelay.Relay {
	return r.tcp
}

// UDP returns the UDP relay.
func (r *Router) UDP() *udprelay.Relay {
	return r.udp
}

// Run reads and dispatches packets until ctx is done or reading fails.
//
// On return, the device is closed and every session is gone. The
// return value is nil when ctx is done.
func (r *Router) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	// 1. start the sweepers, which close every session on cancel
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	wg.Go(func() {
		r.tcp.Run(ctx)
	})
	wg.Go(func() {
		r.udp.Run(ctx)
	})

	// 2. unblock the reader on cancel
	stop := context.AfterFunc(ctx, func() {
		r.device.Close()
	})
	defer stop()

	// 3. read and dispatch
	buf := make([]byte, ReadBuffer)
	for {
		count, err := r.device.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("cannot read from device", zap.Error(err))
			r.device.Close()
			return fmt.Errorf("router: read: %w", err)
		}
		r.dispatch(buf[:count])
	}
}

// dispatch parses a copy of raw and hands it to the owning relay.
func (r *Router) dispatch(raw []byte) {
	if r.trace != nil {
		r.trace.Dump(raw)
	}
	pkt, err := packet.Parse(append([]byte(nil), raw...))
	if err != nil {
		reason := "malformed"
		if errors.Is(err, packet.ErrNotIPv4) {
			reason = "not_ipv4"
		}
		r.drop(reason, err)
		return
	}
	switch pkt.IP.Protocol {
	case packet.ProtocolTCP:
		r.metrics.PacketIn("tcp")
		r.tcp.Handle(pkt)

	case packet.ProtocolUDP:
		r.metrics.PacketIn("udp")
		r.udp.Handle(pkt)

	default:
		r.drop("protocol", fmt.Errorf("unsupported protocol %d", pkt.IP.Protocol))
	}
}

// drop accounts for a dropped packet.
func (r *Router) drop(reason string, err error) {
	r.metrics.PacketDropped(reason)
	r.dropLog.Do(func() {
		r.logger.Debug("dropping packet", zap.String("reason", reason), zap.Error(err))
	})
}

// deviceWriter serializes the writes toward the device.
type deviceWriter struct {
	device  io.Writer
	metrics *metrics.Collector
	mu      sync.Mutex
	trace   *pcap.Trace
}

// Write implements [io.Writer].
func (w *deviceWriter) Write(raw []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.trace != nil {
		w.trace.Dump(raw)
	}
	count, err := w.device.Write(raw)
	if err == nil {
		w.metrics.PacketOut()
	}
	return count, err
}

// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/swoet/dualwan/internal/config"
	"github.com/swoet/dualwan/internal/link"
	"github.com/swoet/dualwan/internal/metrics"
	"github.com/swoet/dualwan/internal/pcap"
	"github.com/swoet/dualwan/internal/quality"
	"github.com/swoet/dualwan/internal/router"
	"github.com/swoet/dualwan/internal/selector"
	"github.com/swoet/dualwan/internal/socks"
	"github.com/swoet/dualwan/internal/statusapi"
	"github.com/swoet/dualwan/internal/tcprelay"
	"github.com/swoet/dualwan/internal/udprelay"
	"go.uber.org/zap"
)

// daemon owns the wired components.
type daemon struct {
	// logger is the logger.
	logger *zap.Logger

	// monitor measures the links.
	monitor *quality.Monitor

	// router routes the packets of the device.
	router *router.Router

	// socks is the optional SOCKS5 server.
	socks *socks.Server

	// socksListener is the listener of socks, nil when disabled.
	socksListener net.Listener

	// status is the optional status API server.
	status *statusapi.Server

	// statusListener is the listener of status, nil when disabled.
	statusListener net.Listener

	// trace is the optional packet capture.
	trace *pcap.Trace
}

// newDaemon wires the components around device and opens the
// configured listeners.
func newDaemon(cfg *config.Config, logger *zap.Logger, device io.ReadWriteCloser, registry link.Registry) (_ *daemon, err error) {
	d := &daemon{logger: logger}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	// 1. create the metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(promRegistry)

	// 2. create the quality monitor
	targets, err := cfg.QualityTargets()
	if err != nil {
		return nil, err
	}
	d.monitor = quality.NewMonitor(registry,
		quality.MonitorOptionInterval(cfg.Quality.Interval),
		quality.MonitorOptionProbeTimeout(cfg.Quality.ProbeTimeout),
		quality.MonitorOptionHistory(cfg.Quality.History),
		quality.MonitorOptionTargets(targets...),
		quality.MonitorOptionLogger(logger),
		quality.MonitorOptionMetrics(collector),
	)

	// 3. create the selector
	policy, err := cfg.SelectorPolicy()
	if err != nil {
		return nil, err
	}
	sel := selector.New(registry, d.monitor,
		selector.OptionPolicy(policy),
		selector.OptionLogger(logger),
	)

	// 4. create the router
	options := []router.Option{
		router.OptionLogger(logger),
		router.OptionMetrics(collector),
		router.OptionTCP(
			tcprelay.OptionConnectTimeout(cfg.TCP.ConnectTimeout),
			tcprelay.OptionIdleTimeout(cfg.TCP.IdleTimeout),
			tcprelay.OptionSweepInterval(cfg.TCP.SweepInterval),
		),
		router.OptionUDP(
			udprelay.OptionReceiveTimeout(cfg.UDP.ReceiveTimeout),
			udprelay.OptionIdleTimeout(cfg.UDP.IdleTimeout),
			udprelay.OptionSweepInterval(cfg.UDP.SweepInterval),
		),
	}
	if cfg.Tun.PcapFile != "" {
		d.trace, err = pcap.Create(cfg.Tun.PcapFile, cfg.Tun.PcapSnapLen)
		if err != nil {
			return nil, err
		}
		options = append(options, router.OptionTrace(d.trace))
	}
	d.router = router.New(device, registry, sel, options...)

	// 5. create the SOCKS5 server
	if cfg.Socks.Listen != "" {
		d.socksListener, err = net.Listen("tcp", cfg.Socks.Listen)
		if err != nil {
			return nil, fmt.Errorf("socks: %w", err)
		}
		d.socks = socks.New(registry, sel,
			socks.OptionDialTimeout(cfg.Socks.DialTimeout),
			socks.OptionLogger(logger),
			socks.OptionMetrics(collector),
		)
	}

	// 6. create the status API
	if cfg.Status.Listen != "" {
		d.statusListener, err = net.Listen("tcp", cfg.Status.Listen)
		if err != nil {
			return nil, fmt.Errorf("statusapi: %w", err)
		}
		d.status = statusapi.New(registry, d.monitor, d.router.TCP(), d.router.UDP(),
			statusapi.OptionGatherer(promRegistry),
			statusapi.OptionLogger(logger),
		)
	}
	return d, nil
}

// close releases the resources acquired by newDaemon.
func (d *daemon) close() error {
	var errs []error
	if d.socksListener != nil {
		errs = append(errs, d.socksListener.Close())
	}
	if d.statusListener != nil {
		errs = append(errs, d.statusListener.Close())
	}
	if d.trace != nil {
		errs = append(errs, d.trace.Close())
	}
	return errors.Join(errs...)
}

// run runs the components until ctx is done or one of them fails.
func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		errs []error
		mu   sync.Mutex
		wg   sync.WaitGroup
	)
	fail := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		cancel()
	}

	// 1. measure the links
	wg.Go(func() {
		d.monitor.Run(ctx)
	})

	// 2. serve the optional endpoints
	if d.socks != nil {
		d.logger.Info("socks listening", zap.Stringer("address", d.socksListener.Addr()))
		wg.Go(func() {
			fail(d.socks.Serve(ctx, d.socksListener))
		})
	}
	if d.status != nil {
		wg.Go(func() {
			fail(d.status.Serve(ctx, d.statusListener))
		})
	}

	// 3. route packets until done
	fail(d.router.Run(ctx))
	cancel()
	wg.Wait()

	// 4. flush the capture
	if d.trace != nil {
		errs = append(errs, d.trace.Close())
	}
	return errors.Join(errs...)
}

// SPDX-License-Identifier: GPL-3.0-or-later

// Command dualwan routes the traffic of a TUN device over several links.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bassosimone/runtimex"
	"github.com/swoet/dualwan/internal/config"
	"github.com/swoet/dualwan/internal/link"
	"github.com/swoet/dualwan/internal/logging"
	"go.uber.org/zap"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for the -check output (overridable in tests).
	output io.Writer = os.Stdout
)

// printConfig writes a summary of the resolved configuration.
func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "tun %s %s mtu=%d\n", cfg.Tun.Name, cfg.Tun.CIDR, cfg.Tun.MTU)
	for _, l := range cfg.Links {
		fmt.Fprintf(w, "link %s interface=%s transport=%s default=%v\n",
			l.ID, l.Interface, l.Transport, l.Default)
	}
	for _, t := range cfg.Quality.Targets {
		fmt.Fprintf(w, "probe %s %s every %s\n", t.Kind, t.Address, cfg.Quality.Interval)
	}
	fmt.Fprintf(w, "policy tls=%s interactive=%s udp_other=%s\n",
		cfg.Policy.TLS, cfg.Policy.Interactive, cfg.Policy.UDPOther)
	if cfg.Socks.Listen != "" {
		fmt.Fprintf(w, "socks %s\n", cfg.Socks.Listen)
	}
	if cfg.Status.Listen != "" {
		fmt.Fprintf(w, "status %s\n", cfg.Status.Listen)
	}
}

func main() {
	// 1. create command line parser
	fset := flag.NewFlagSet("dualwan", flag.ExitOnError)

	// 2. add flags to parse
	var (
		check      = fset.Bool("check", false, "Validate the configuration, print it and exit.")
		configFile = fset.String("config", "/etc/dualwan/dualwan.yaml", "Path of the YAML configuration.")
		debug      = fset.Bool("debug", false, "Use human readable debug logging.")
	)

	// 3. parse command line
	runtimex.PanicOnError0(fset.Parse(args[1:]))

	// 4. load the configuration
	cfg := runtimex.PanicOnError1(config.Load(*configFile))
	if *check {
		printConfig(output, cfg)
		return
	}

	// 5. create the logger
	var logger *zap.Logger
	if *debug {
		logger = runtimex.PanicOnError1(logging.NewDevelopment())
	} else {
		logger = runtimex.PanicOnError1(logging.New(cfg.LogLevel))
	}
	defer logger.Sync()

	// 6. create the registry of the host links
	links := runtimex.PanicOnError1(cfg.RegistryLinks())
	registry := runtimex.PanicOnError1(link.NewSystem(links))

	// 7. open and configure the TUN device
	prefix := runtimex.PanicOnError1(cfg.TunPrefix())
	device, err := openTun(cfg.Tun, prefix)
	if err != nil {
		logger.Fatal("cannot open TUN device", zap.String("name", cfg.Tun.Name), zap.Error(err))
	}

	// 8. wire the components
	d, err := newDaemon(cfg, logger, device, registry)
	if err != nil {
		device.Close()
		logger.Fatal("cannot start", zap.Error(err))
	}

	// 9. route until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("started", zap.String("tun", cfg.Tun.Name), zap.Int("links", len(links)))
	if err := d.run(ctx); err != nil {
		logger.Error("stopped", zap.Error(err))
		return
	}
	logger.Info("stopped")
}

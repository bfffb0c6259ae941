// SPDX-License-Identifier: GPL-3.0-or-later

// Command benchmark measures the download throughput of a TCP flow
// relayed by the router over a simulated uplink.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/swoet/dualwan/internal/link"
	"github.com/swoet/dualwan/internal/pcap"
	"github.com/swoet/dualwan/internal/quality"
	"github.com/swoet/dualwan/internal/router"
	"github.com/swoet/dualwan/internal/selector"
	"github.com/swoet/dualwan/internal/vnet"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for benchmark output (overridable in tests).
	output io.Writer = os.Stdout
)

// serverMain accepts once and writes bytes until the conn is closed.
func serverMain(listener net.Listener, total *atomic.Uint64) {
	// 1. accept a single client conn
	conn, err := listener.Accept()
	if err != nil {
		log.Printf("server: Accept failed: %s", err.Error())
		return
	}
	defer conn.Close()

	// 2. loop writing data to the client
	data := make([]byte, 65535)
	for {
		count, err := conn.Write(data)
		if err != nil {
			log.Printf("server: Write failed: %s", err.Error())
			return
		}
		total.Add(uint64(count))
	}
}

// clientMain connects through the TUN side and reads bytes until the
// conn is closed.
func clientMain(ctx context.Context, binder *vnet.Binder, remote string, total *atomic.Uint64) {
	// 1. connect to the server address
	conn, err := binder.DialContext(ctx, "tcp", remote)
	if err != nil {
		log.Printf("client: Dial failed: %s", err.Error())
		return
	}
	defer conn.Close()

	// 2. read until possible
	data := make([]byte, 65535)
	for {
		count, err := conn.Read(data)
		if err != nil {
			log.Printf("client: Read failed: %s", err.Error())
			return
		}
		total.Add(uint64(count))
	}
}

// printerMain prints receive speed stats every 250 millisecond.
func printerMain(ctx context.Context, total *atomic.Uint64) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	t0 := time.Now()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(output, "\n")
			return
		case t := <-ticker.C:
			elapsed := t.Sub(t0).Seconds()
			nbytes := total.Load()
			speed := (8 * float64(nbytes) / elapsed) / (1000 * 1000)
			fmt.Fprintf(output, "\r\t%10.3f Mbit/s", speed)
		}
	}
}

func main() {
	// 1. create command line parser
	fset := flag.NewFlagSet("benchmark", flag.ExitOnError)

	// 2. add flags to parse
	var (
		clientAddr  = fset.String("client-addr", "10.0.0.2", "Select the TUN side IP address.")
		delay       = fset.Duration("delay", 0, "One way delay added to the server traffic.")
		duration    = fset.Duration("duration", 10*time.Second, "Benchmark duration.")
		pcapFile    = fset.String("pcap-file", "", "Write PCAP of the TUN traffic at the given file.")
		pcapSnaplen = fset.Int("pcap-snaplen", pcap.DefaultSnapLen, "PCAP snapshot length in bytes.")
		serverAddr  = fset.String("server-addr", "93.184.216.34", "Select server IP address.")
		serverPort  = fset.String("server-port", "443", "Select server port.")
		uplinkAddr  = fset.String("uplink-addr", "192.0.2.10", "Select the uplink IP address.")
	)

	// 3. parse command line
	runtimex.PanicOnError0(fset.Parse(args[1:]))

	// 4. create context with a timeout
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// 5. create the simulated internet
	world := vnet.NewWorld()
	serverIPAddr := netip.MustParseAddr(*serverAddr)
	if *delay > 0 {
		world.Impair(serverIPAddr, vnet.Impairment{Delay: *delay})
	}

	// 6. create the server virtual stack and listener
	serverStack := runtimex.PanicOnError1(world.NewStack(65535, serverIPAddr))
	defer serverStack.Close()
	serverEpnt := net.JoinHostPort(*serverAddr, *serverPort)
	listener := runtimex.PanicOnError1(vnet.NewBinder(serverStack).Listen(ctx, "tcp", serverEpnt))
	defer listener.Close()

	// 7. spawn the server goroutine
	wg := &sync.WaitGroup{}
	totalSent := &atomic.Uint64{}
	wg.Go(func() {
		serverMain(listener, totalSent)
	})

	// 8. create the uplink stack and its registry
	uplinkStack := runtimex.PanicOnError1(world.NewStack(65535, netip.MustParseAddr(*uplinkAddr)))
	defer uplinkStack.Close()
	registry := link.NewStatic()
	runtimex.PanicOnError0(registry.Add(link.Link{
		ID:        "uplink",
		Interface: "vnet0",
		Transport: link.TransportWifi,
		Available: true,
		Default:   true,
	}, vnet.NewBinder(uplinkStack)))

	// 9. create the TUN side and the router
	tap := runtimex.PanicOnError1(vnet.NewTap(vnet.MTUEthernet, netip.MustParseAddr(*clientAddr)))
	defer tap.Close()
	var options []router.Option
	if *pcapFile != "" {
		tr := runtimex.PanicOnError1(pcap.Create(*pcapFile, *pcapSnaplen))
		defer func() {
			runtimex.PanicOnError0(tr.Close())
		}()
		options = append(options, router.OptionTrace(tr))
	}
	sel := selector.New(registry, quality.NewMonitor(registry))
	rt := router.New(tap, registry, sel, options...)

	// 10. spawn the router goroutine
	wg.Go(func() {
		if err := rt.Run(ctx); err != nil {
			log.Printf("router: Run failed: %s", err.Error())
		}
	})

	// 11. spawn the client goroutine
	totalRecv := &atomic.Uint64{}
	wg.Go(func() {
		clientMain(ctx, vnet.NewBinder(tap.Stack()), serverEpnt, totalRecv)
	})

	// 12. spawn the goroutine counting bytes
	wg.Go(func() {
		printerMain(ctx, totalRecv)
	})

	// 13. route packets until done
	world.Run(ctx)

	// 14. shut down the stacks explicitly
	tap.Close()
	uplinkStack.Close()
	serverStack.Close()
	listener.Close()

	// 15. wait for goroutines to finish
	wg.Wait()
}

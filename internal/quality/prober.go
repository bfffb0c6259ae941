// SPDX-License-Identifier: GPL-3.0-or-later

package quality

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/stun/v3"
	"github.com/swoet/dualwan/internal/link"
)

// Prober measures the round-trip time toward an address over a link.
type Prober interface {
	Probe(ctx context.Context, binder link.Binder, address string) (time.Duration, error)
}

// Target is a probe destination.
type Target struct {
	// Prober is the prober to use.
	Prober Prober

	// Address is the endpoint to probe, e.g. "8.8.8.8:53".
	Address string
}

// Probe kinds accepted by [NewProber].
const (
	// KindTCP selects [TCPProber].
	KindTCP = "tcp"

	// KindSTUN selects [STUNProber].
	KindSTUN = "stun"
)

// NewProber returns the [Prober] for the given kind.
func NewProber(kind string) (Prober, error) {
	switch kind {
	case KindTCP, "":
		return TCPProber{}, nil
	case KindSTUN:
		return STUNProber{}, nil
	default:
		return nil, fmt.Errorf("quality: unknown probe kind %q", kind)
	}
}

// DefaultTargets returns the default probe targets: TCP connects to
// two public DNS resolvers.
func DefaultTargets() []Target {
	return []Target{
		{Prober: TCPProber{}, Address: "8.8.8.8:53"},
		{Prober: TCPProber{}, Address: "1.1.1.1:53"},
	}
}

// TCPProber measures the time to complete a TCP handshake.
type TCPProber struct{}

var _ Prober = TCPProber{}

// Probe implements [Prober].
func (TCPProber) Probe(ctx context.Context, binder link.Binder, address string) (time.Duration, error) {
	t0 := time.Now()
	conn, err := binder.DialContext(ctx, "tcp", address)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(t0)
	conn.Close()
	return rtt, nil
}

// STUNProber measures the round trip of a STUN binding request.
type STUNProber struct{}

var _ Prober = STUNProber{}

// errSTUNResponse indicates an unexpected STUN response type.
var errSTUNResponse = errors.New("quality: unexpected STUN response")

// Probe implements [Prober].
func (STUNProber) Probe(ctx context.Context, binder link.Binder, address string) (time.Duration, error) {
	// 1. create the connected datagram socket
	conn, err := binder.DialContext(ctx, "udp", address)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// 2. send the binding request
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	t0 := time.Now()
	if _, err := conn.Write(req.Raw); err != nil {
		return 0, err
	}

	// 3. wait for the response with our transaction ID
	buf := make([]byte, 1500)
	for {
		count, err := conn.Read(buf)
		if err != nil {
			return 0, err
		}
		res := &stun.Message{Raw: append([]byte{}, buf[:count]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return 0, fmt.Errorf("%w: %s", errSTUNResponse, res.Type)
		}
		return time.Since(t0), nil
	}
}

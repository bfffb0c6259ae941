// SPDX-License-Identifier: GPL-3.0-or-later

package quality_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swoet/dualwan/internal/quality"
)

// loopbackBinder is a [link.Binder] using the host network stack.
type loopbackBinder struct{}

func (loopbackBinder) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return (&net.Dialer{}).DialContext(ctx, network, address)
}

func (loopbackBinder) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	return (&net.ListenConfig{}).ListenPacket(ctx, network, address)
}

func TestTCPProber(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer listener.Close()
		go func() {
			for {
				conn, err := listener.Accept()
				if err != nil {
					return
				}
				conn.Close()
			}
		}()

		rtt, err := quality.TCPProber{}.Probe(context.Background(), loopbackBinder{}, listener.Addr().String())

		require.NoError(t, err)
		assert.Greater(t, rtt, time.Duration(0))
	})

	t.Run("connection_refused", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		address := listener.Addr().String()
		listener.Close()

		_, err = quality.TCPProber{}.Probe(context.Background(), loopbackBinder{}, address)

		require.Error(t, err)
	})
}

// serveSTUN answers each binding request with the given message type.
func serveSTUN(t *testing.T, responseType stun.MessageType) string {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 1500)
		for {
			count, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte{}, buf[:count]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			res := stun.MustBuild(stun.NewTransactionIDSetter(req.TransactionID), responseType)
			_, _ = conn.WriteTo(res.Raw, addr)
		}
	}()
	return conn.LocalAddr().String()
}

func TestSTUNProber(t *testing.T) {
	t.Run("binding_success", func(t *testing.T) {
		address := serveSTUN(t, stun.BindingSuccess)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rtt, err := quality.STUNProber{}.Probe(ctx, loopbackBinder{}, address)

		require.NoError(t, err)
		assert.Greater(t, rtt, time.Duration(0))
	})

	t.Run("binding_error", func(t *testing.T) {
		address := serveSTUN(t, stun.BindingError)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := quality.STUNProber{}.Probe(ctx, loopbackBinder{}, address)

		require.Error(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		silent, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		defer silent.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err = quality.STUNProber{}.Probe(ctx, loopbackBinder{}, silent.LocalAddr().String())

		require.Error(t, err)
	})
}

func TestNewProber(t *testing.T) {
	cases := []struct {
		kind    string
		want    quality.Prober
		wantErr bool
	}{
		{kind: "", want: quality.TCPProber{}},
		{kind: quality.KindTCP, want: quality.TCPProber{}},
		{kind: quality.KindSTUN, want: quality.STUNProber{}},
		{kind: "icmp", wantErr: true},
	}
	for _, tc := range cases {
		t.Run("kind_"+tc.kind, func(t *testing.T) {
			prober, err := quality.NewProber(tc.kind)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, prober)
		})
	}
}

func TestDefaultTargets(t *testing.T) {
	targets := quality.DefaultTargets()
	require.Len(t, targets, 2)
	assert.Equal(t, "8.8.8.8:53", targets[0].Address)
	assert.Equal(t, "1.1.1.1:53", targets[1].Address)
}

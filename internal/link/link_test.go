// SPDX-License-Identifier: GPL-3.0-or-later

package link_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swoet/dualwan/internal/link"
)

// nullBinder is a [link.Binder] that is never invoked.
type nullBinder struct{}

func (nullBinder) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return nil, net.ErrClosed
}

func (nullBinder) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	return nil, net.ErrClosed
}

func TestTransportStringAndParse(t *testing.T) {
	for _, tr := range []link.Transport{link.TransportWifi, link.TransportCellular, link.TransportOther} {
		parsed, err := link.ParseTransport(tr.String())
		require.NoError(t, err)
		assert.Equal(t, tr, parsed)
	}
	_, err := link.ParseTransport("satellite")
	require.Error(t, err)
}

func TestGuessTransport(t *testing.T) {
	cases := map[string]link.Transport{
		"wlan0":   link.TransportWifi,
		"wlp3s0":  link.TransportWifi,
		"wwan0":   link.TransportCellular,
		"rmnet0":  link.TransportCellular,
		"usb0":    link.TransportCellular,
		"eth0":    link.TransportOther,
		"enp0s31": link.TransportOther,
	}
	for name, want := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, link.GuessTransport(name))
		})
	}
}

func TestStaticRegistry(t *testing.T) {
	reg := link.NewStatic()
	require.NoError(t, reg.Add(link.Link{ID: "wifi", Transport: link.TransportWifi, Available: true, Default: true}, nullBinder{}))
	require.NoError(t, reg.Add(link.Link{ID: "cell", Transport: link.TransportCellular, Available: true}, nullBinder{}))

	t.Run("duplicate_id", func(t *testing.T) {
		require.Error(t, reg.Add(link.Link{ID: "wifi"}, nullBinder{}))
	})

	t.Run("links_sorted_by_id", func(t *testing.T) {
		links := reg.Links()
		require.Len(t, links, 2)
		assert.Equal(t, "cell", links[0].ID)
		assert.Equal(t, "wifi", links[1].ID)
	})

	t.Run("unknown_binder", func(t *testing.T) {
		_, err := reg.Binder("satellite")
		require.ErrorIs(t, err, link.ErrUnknownLink)
	})

	t.Run("unknown_link_updates", func(t *testing.T) {
		require.ErrorIs(t, reg.SetAvailable("satellite", true), link.ErrUnknownLink)
		require.ErrorIs(t, reg.SetDefault("satellite"), link.ErrUnknownLink)
	})
}

func TestDefault(t *testing.T) {
	reg := link.NewStatic()
	require.NoError(t, reg.Add(link.Link{ID: "a", Available: true}, nullBinder{}))
	require.NoError(t, reg.Add(link.Link{ID: "b", Available: true, Default: true}, nullBinder{}))

	got, err := link.Default(reg)
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)

	t.Run("default_unavailable_falls_back_to_first_available", func(t *testing.T) {
		require.NoError(t, reg.SetAvailable("b", false))
		got, err := link.Default(reg)
		require.NoError(t, err)
		assert.Equal(t, "a", got.ID)
	})

	t.Run("set_default_moves_the_flag", func(t *testing.T) {
		require.NoError(t, reg.SetAvailable("b", true))
		require.NoError(t, reg.SetDefault("a"))
		got, err := link.Default(reg)
		require.NoError(t, err)
		assert.Equal(t, "a", got.ID)
	})

	t.Run("no_available_link", func(t *testing.T) {
		require.NoError(t, reg.SetAvailable("a", false))
		require.NoError(t, reg.SetAvailable("b", false))
		_, err := link.Default(reg)
		require.ErrorIs(t, err, link.ErrNoLink)
	})
}

func TestNewSystemValidation(t *testing.T) {
	t.Run("missing_interface", func(t *testing.T) {
		_, err := link.NewSystem([]link.Link{{ID: "wifi"}})
		require.Error(t, err)
	})

	t.Run("duplicate_id", func(t *testing.T) {
		_, err := link.NewSystem([]link.Link{
			{ID: "wifi", Interface: "wlan0"},
			{ID: "wifi", Interface: "wlan1"},
		})
		require.Error(t, err)
	})

	t.Run("first_link_is_default", func(t *testing.T) {
		sys, err := link.NewSystem([]link.Link{
			{ID: "wifi", Interface: "wlan0"},
			{ID: "cell", Interface: "wwan0"},
		})
		require.NoError(t, err)
		links := sys.Links()
		require.Len(t, links, 2)
		assert.Equal(t, "cell", links[0].ID)
		assert.True(t, links[0].Default)
		assert.False(t, links[1].Default)
	})

	t.Run("binder", func(t *testing.T) {
		sys, err := link.NewSystem([]link.Link{{ID: "wifi", Interface: "wlan0"}})
		require.NoError(t, err)
		binder, err := sys.Binder("wifi")
		require.NoError(t, err)
		assert.Equal(t, "wlan0", binder.(*link.DeviceBinder).Interface)
		_, err = sys.Binder("cell")
		require.ErrorIs(t, err, link.ErrUnknownLink)
	})
}

func TestInterfaceIPv4Missing(t *testing.T) {
	_, err := link.InterfaceIPv4("dualwan-does-not-exist0")
	require.Error(t, err)
}

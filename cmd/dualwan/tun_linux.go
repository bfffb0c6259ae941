// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package main

import (
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/songgao/water"
	"github.com/swoet/dualwan/internal/config"
	"github.com/vishvananda/netlink"
)

// openTun creates the TUN device and assigns its address and MTU.
func openTun(cfg config.TunConfig, prefix netip.Prefix) (io.ReadWriteCloser, error) {
	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("water: %w", err)
	}
	if err := configureTun(iface.Name(), prefix, cfg.MTU); err != nil {
		iface.Close()
		return nil, err
	}
	return iface, nil
}

// configureTun sets the MTU and the address and brings the link up.
func configureTun(name string, prefix netip.Prefix, mtu int) error {
	// 1. find the link
	tun, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("netlink: find %s: %w", name, err)
	}

	// 2. set the MTU
	if err := netlink.LinkSetMTU(tun, mtu); err != nil {
		return fmt.Errorf("netlink: set mtu on %s: %w", name, err)
	}

	// 3. assign the address
	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   prefix.Addr().AsSlice(),
		Mask: net.CIDRMask(prefix.Bits(), 32),
	}}
	if err := netlink.AddrReplace(tun, addr); err != nil {
		return fmt.Errorf("netlink: set address on %s: %w", name, err)
	}

	// 4. bring it up
	if err := netlink.LinkSetUp(tun); err != nil {
		return fmt.Errorf("netlink: set %s up: %w", name, err)
	}
	return nil
}

// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package link

import (
	"net"
	"strings"
)

// newBoundDialer returns a dialer using the interface address as the source.
func newBoundDialer(iface, network string) (*net.Dialer, error) {
	ip, err := InterfaceIPv4(iface)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{}
	if strings.HasPrefix(network, "udp") {
		dialer.LocalAddr = &net.UDPAddr{IP: ip}
	} else {
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}
	return dialer, nil
}

// newBoundListenConfig rewrites address to listen on the interface address.
func newBoundListenConfig(iface, address string) (*net.ListenConfig, string, error) {
	ip, err := InterfaceIPv4(iface)
	if err != nil {
		return nil, "", err
	}
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, "", err
	}
	return &net.ListenConfig{}, net.JoinHostPort(ip.String(), port), nil
}

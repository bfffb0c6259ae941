// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package main

import (
	"errors"
	"io"
	"net/netip"

	"github.com/swoet/dualwan/internal/config"
)

// openTun fails because TUN setup is only implemented for linux.
func openTun(cfg config.TunConfig, prefix netip.Prefix) (io.ReadWriteCloser, error) {
	return nil, errors.New("TUN devices are only supported on linux")
}

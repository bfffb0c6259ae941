// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the YAML configuration of the router.
//
// Durations are Go duration strings such as "10s" or "5m".
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/swoet/dualwan/internal/link"
	"github.com/swoet/dualwan/internal/quality"
	"github.com/swoet/dualwan/internal/selector"
	"github.com/swoet/dualwan/internal/socks"
	"github.com/swoet/dualwan/internal/tcprelay"
	"github.com/swoet/dualwan/internal/udprelay"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Default values filled by [*Config.ApplyDefaults].
const (
	DefaultLogLevel    = "info"
	DefaultTunName     = "dualwan0"
	DefaultTunCIDR     = "10.0.0.2/24"
	DefaultTunMTU      = 1500
	DefaultPcapSnapLen = 1500
	DefaultAppsMode    = "exclude"
)

// MaxQualityTargets is the number of probe targets a link is measured against.
const MaxQualityTargets = 2

// ErrInvalid indicates an invalid configuration.
var ErrInvalid = errors.New("config: invalid")

// Config is the router configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Tun      TunConfig     `yaml:"tun"`
	Links    []LinkConfig  `yaml:"links"`
	Quality  QualityConfig `yaml:"quality"`
	Policy   PolicyConfig  `yaml:"policy"`
	TCP      TCPConfig     `yaml:"tcp"`
	UDP      UDPConfig     `yaml:"udp"`
	Socks    SocksConfig   `yaml:"socks"`
	Status   StatusConfig  `yaml:"status"`
	Apps     AppsConfig    `yaml:"apps"`
}

// TunConfig configures the virtual interface.
type TunConfig struct {
	Name string `yaml:"name"`

	// CIDR is the IPv4 address and prefix of the interface.
	CIDR string `yaml:"cidr"`

	MTU int `yaml:"mtu"`

	// PcapFile, when not empty, captures the interface traffic.
	PcapFile string `yaml:"pcap_file"`

	PcapSnapLen int `yaml:"pcap_snaplen"`
}

// LinkConfig configures a link.
type LinkConfig struct {
	ID        string `yaml:"id"`
	Interface string `yaml:"interface"`

	// Transport is wifi, cellular or other. When empty it is guessed
	// from the interface name.
	Transport string `yaml:"transport"`

	Default bool `yaml:"default"`
}

// QualityConfig configures the path quality monitor.
type QualityConfig struct {
	Interval     time.Duration  `yaml:"interval"`
	ProbeTimeout time.Duration  `yaml:"probe_timeout"`
	History      int            `yaml:"history"`
	Targets      []TargetConfig `yaml:"targets"`
}

// TargetConfig is a probe target.
type TargetConfig struct {
	// Kind is tcp or stun.
	Kind    string `yaml:"kind"`
	Address string `yaml:"address"`
}

// PolicyConfig contains the preferred transport per traffic class.
type PolicyConfig struct {
	TLS         string `yaml:"tls"`
	Interactive string `yaml:"interactive"`
	UDPOther    string `yaml:"udp_other"`
}

// TCPConfig configures the TCP relay.
type TCPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// UDPConfig configures the UDP relay.
type UDPConfig struct {
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// SocksConfig configures the SOCKS5 endpoint. An empty Listen disables it.
type SocksConfig struct {
	Listen      string        `yaml:"listen"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// StatusConfig configures the status API. An empty Listen disables it.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

// AppsConfig selects the applications routed through the interface.
//
// The router only validates this section. Host integration consumes it.
type AppsConfig struct {
	// Mode is include or exclude.
	Mode     string   `yaml:"mode"`
	Packages []string `yaml:"packages"`
}

// Load reads, completes and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses, completes and validates a YAML configuration.
//
// Unknown fields are an error.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in the values left empty.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Tun.Name == "" {
		c.Tun.Name = DefaultTunName
	}
	if c.Tun.CIDR == "" {
		c.Tun.CIDR = DefaultTunCIDR
	}
	if c.Tun.MTU == 0 {
		c.Tun.MTU = DefaultTunMTU
	}
	if c.Tun.PcapSnapLen == 0 {
		c.Tun.PcapSnapLen = DefaultPcapSnapLen
	}

	for i := range c.Links {
		if c.Links[i].Transport == "" {
			c.Links[i].Transport = link.GuessTransport(c.Links[i].Interface).String()
		}
	}

	if c.Quality.Interval == 0 {
		c.Quality.Interval = quality.DefaultInterval
	}
	if c.Quality.ProbeTimeout == 0 {
		c.Quality.ProbeTimeout = quality.DefaultProbeTimeout
	}
	if c.Quality.History == 0 {
		c.Quality.History = quality.DefaultHistory
	}
	if len(c.Quality.Targets) == 0 {
		for _, target := range quality.DefaultTargets() {
			c.Quality.Targets = append(c.Quality.Targets, TargetConfig{Kind: quality.KindTCP, Address: target.Address})
		}
	}
	for i := range c.Quality.Targets {
		if c.Quality.Targets[i].Kind == "" {
			c.Quality.Targets[i].Kind = quality.KindTCP
		}
	}

	policy := selector.DefaultPolicy()
	if c.Policy.TLS == "" {
		c.Policy.TLS = policy.TLS.String()
	}
	if c.Policy.Interactive == "" {
		c.Policy.Interactive = policy.Interactive.String()
	}
	if c.Policy.UDPOther == "" {
		c.Policy.UDPOther = policy.UDPOther.String()
	}

	if c.TCP.ConnectTimeout == 0 {
		c.TCP.ConnectTimeout = tcprelay.DefaultConnectTimeout
	}
	if c.TCP.IdleTimeout == 0 {
		c.TCP.IdleTimeout = tcprelay.DefaultIdleTimeout
	}
	if c.TCP.SweepInterval == 0 {
		c.TCP.SweepInterval = tcprelay.DefaultSweepInterval
	}

	if c.UDP.ReceiveTimeout == 0 {
		c.UDP.ReceiveTimeout = udprelay.DefaultReceiveTimeout
	}
	if c.UDP.IdleTimeout == 0 {
		c.UDP.IdleTimeout = udprelay.DefaultIdleTimeout
	}
	if c.UDP.SweepInterval == 0 {
		c.UDP.SweepInterval = udprelay.DefaultSweepInterval
	}

	if c.Socks.DialTimeout == 0 {
		c.Socks.DialTimeout = socks.DefaultDialTimeout
	}

	if c.Apps.Mode == "" {
		c.Apps.Mode = DefaultAppsMode
	}
}

// Validate returns an error wrapping [ErrInvalid] for each problem.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	// 1. logging and interface
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		invalid("log_level: %s", err)
	}
	if c.Tun.Name == "" {
		invalid("tun.name is empty")
	}
	if prefix, err := netip.ParsePrefix(c.Tun.CIDR); err != nil || !prefix.Addr().Is4() {
		invalid("tun.cidr must be an IPv4 prefix: %q", c.Tun.CIDR)
	}
	if c.Tun.MTU < 576 || c.Tun.MTU > 65535 {
		invalid("tun.mtu out of range: %d", c.Tun.MTU)
	}
	if c.Tun.PcapSnapLen <= 0 {
		invalid("tun.pcap_snaplen must be positive: %d", c.Tun.PcapSnapLen)
	}

	// 2. links
	if len(c.Links) == 0 {
		invalid("links is empty")
	}
	seen := make(map[string]bool)
	var defaults int
	for i, l := range c.Links {
		if l.ID == "" || l.Interface == "" {
			invalid("links[%d] needs both id and interface", i)
		}
		if seen[l.ID] {
			invalid("links[%d]: duplicate id %q", i, l.ID)
		}
		seen[l.ID] = true
		if _, err := link.ParseTransport(l.Transport); err != nil {
			invalid("links[%d]: %s", i, err)
		}
		if l.Default {
			defaults++
		}
	}
	if defaults > 1 {
		invalid("more than one default link")
	}

	// 3. quality
	if c.Quality.Interval <= 0 || c.Quality.ProbeTimeout <= 0 {
		invalid("quality durations must be positive")
	}
	if c.Quality.History <= 0 {
		invalid("quality.history must be positive: %d", c.Quality.History)
	}
	if len(c.Quality.Targets) > MaxQualityTargets {
		invalid("quality.targets has %d entries, at most %d allowed", len(c.Quality.Targets), MaxQualityTargets)
	}
	for i, target := range c.Quality.Targets {
		if _, err := quality.NewProber(target.Kind); err != nil {
			invalid("quality.targets[%d]: %s", i, err)
		}
		if _, _, err := net.SplitHostPort(target.Address); err != nil {
			invalid("quality.targets[%d]: %s", i, err)
		}
	}

	// 4. policy
	for name, value := range map[string]string{
		"tls":         c.Policy.TLS,
		"interactive": c.Policy.Interactive,
		"udp_other":   c.Policy.UDPOther,
	} {
		if _, err := link.ParseTransport(value); err != nil {
			invalid("policy.%s: %s", name, err)
		}
	}

	// 5. relays
	if c.TCP.ConnectTimeout <= 0 || c.TCP.IdleTimeout <= 0 || c.TCP.SweepInterval <= 0 {
		invalid("tcp durations must be positive")
	}
	if c.UDP.ReceiveTimeout <= 0 || c.UDP.IdleTimeout <= 0 || c.UDP.SweepInterval <= 0 {
		invalid("udp durations must be positive")
	}

	// 6. local endpoints
	if c.Socks.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Socks.Listen); err != nil {
			invalid("socks.listen: %s", err)
		}
	}
	if c.Socks.DialTimeout <= 0 {
		invalid("socks.dial_timeout must be positive")
	}
	if c.Status.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Status.Listen); err != nil {
			invalid("status.listen: %s", err)
		}
	}

	// 7. apps
	if c.Apps.Mode != "include" && c.Apps.Mode != "exclude" {
		invalid("apps.mode must be include or exclude: %q", c.Apps.Mode)
	}
	for i, pkg := range c.Apps.Packages {
		if pkg == "" {
			invalid("apps.packages[%d] is empty", i)
		}
	}

	return errors.Join(errs...)
}

// RegistryLinks returns the configured links.
func (c *Config) RegistryLinks() ([]link.Link, error) {
	out := make([]link.Link, 0, len(c.Links))
	for _, l := range c.Links {
		transport, err := link.ParseTransport(l.Transport)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
		}
		out = append(out, link.Link{
			ID:        l.ID,
			Interface: l.Interface,
			Transport: transport,
			Available: false,
			Default:   l.Default,
		})
	}
	return out, nil
}

// QualityTargets returns the configured probe targets.
func (c *Config) QualityTargets() ([]quality.Target, error) {
	out := make([]quality.Target, 0, len(c.Quality.Targets))
	for _, target := range c.Quality.Targets {
		prober, err := quality.NewProber(target.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
		}
		out = append(out, quality.Target{Prober: prober, Address: target.Address})
	}
	return out, nil
}

// SelectorPolicy returns the configured selection policy.
func (c *Config) SelectorPolicy() (selector.Policy, error) {
	var (
		policy selector.Policy
		err    error
	)
	if policy.TLS, err = link.ParseTransport(c.Policy.TLS); err != nil {
		return policy, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	if policy.Interactive, err = link.ParseTransport(c.Policy.Interactive); err != nil {
		return policy, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	if policy.UDPOther, err = link.ParseTransport(c.Policy.UDPOther); err != nil {
		return policy, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return policy, nil
}

// TunPrefix returns the parsed interface prefix.
func (c *Config) TunPrefix() (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(c.Tun.CIDR)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return prefix, nil
}

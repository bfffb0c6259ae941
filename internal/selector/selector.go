// SPDX-License-Identifier: GPL-3.0-or-later

// Package selector chooses the link carrying a new session.
//
// The choice depends on the destination port, which determines a traffic
// [Class], and on the latest [quality.Snapshot]. A session keeps its link
// for its whole lifetime: the selector runs once per session.
package selector

import (
	"hash/fnv"
	"slices"

	"github.com/swoet/dualwan/internal/link"
	"github.com/swoet/dualwan/internal/quality"
	"go.uber.org/zap"
)

// Class is a traffic class.
type Class int

// Known traffic classes.
const (
	ClassDefault Class = iota
	ClassTLS
	ClassInteractive
	ClassBulk
)

// String implements [fmt.Stringer].
func (c Class) String() string {
	switch c {
	case ClassTLS:
		return "tls"
	case ClassInteractive:
		return "interactive"
	case ClassBulk:
		return "bulk"
	default:
		return "default"
	}
}

// classPorts maps well-known destination ports to classes.
var classPorts = map[uint16]Class{
	443:  ClassTLS,
	8443: ClassTLS,
	22:   ClassInteractive,
	2222: ClassInteractive,
	80:   ClassBulk,
	8080: ClassBulk,
}

// Classify returns the class of TCP traffic toward the given port.
func Classify(port uint16) Class {
	return classPorts[port]
}

// Policy contains the preferred transports.
type Policy struct {
	// TLS is the preferred transport of [ClassTLS].
	TLS link.Transport

	// Interactive is the preferred transport of [ClassInteractive].
	Interactive link.Transport

	// UDPOther is the preferred transport of UDP traffic that is
	// neither DNS nor web.
	UDPOther link.Transport
}

// DefaultPolicy returns the default [Policy].
func DefaultPolicy() Policy {
	return Policy{
		TLS:         link.TransportWifi,
		Interactive: link.TransportWifi,
		UDPOther:    link.TransportCellular,
	}
}

// Snapshotter provides the current link quality.
//
// [*quality.Monitor] implements this interface.
type Snapshotter interface {
	Snapshot() quality.Snapshot
}

// Option is an option for [New].
type Option func(cfg *config)

// config is the internal type modified by [Option].
type config struct {
	logger *zap.Logger
	policy Policy
}

// OptionPolicy sets the [Policy]. The default is [DefaultPolicy].
func OptionPolicy(value Policy) Option {
	return func(cfg *config) {
		cfg.policy = value
	}
}

// OptionLogger sets the logger.
func OptionLogger(value *zap.Logger) Option {
	return func(cfg *config) {
		cfg.logger = value
	}
}

// Selector chooses links for new sessions.
//
// Construct using [New].
type Selector struct {
	// cfg contains the configuration.
	cfg config

	// quality provides the link quality.
	quality Snapshotter

	// registry is the link registry.
	registry link.Registry
}

// New creates a new [*Selector].
func New(registry link.Registry, monitor Snapshotter, options ...Option) *Selector {
	cfg := config{
		logger: zap.NewNop(),
		policy: DefaultPolicy(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.Named("selector")
	return &Selector{
		cfg:      cfg,
		quality:  monitor,
		registry: registry,
	}
}

// rule picks a link from a snapshot.
type rule func(snap quality.Snapshot, policy Policy, host string, port uint16) (quality.LinkQuality, bool)

// rules maps each class to its rule.
var rules = map[Class]rule{
	ClassTLS:         ruleTLS,
	ClassInteractive: ruleInteractive,
	ClassBulk:        ruleBulk,
	ClassDefault:     ruleDefault,
}

func ruleTLS(snap quality.Snapshot, policy Policy, host string, port uint16) (quality.LinkQuality, bool) {
	if q, found := snap.BestOf(policy.TLS); found {
		return q, true
	}
	return snap.Best()
}

func ruleInteractive(snap quality.Snapshot, policy Policy, host string, port uint16) (quality.LinkQuality, bool) {
	candidates := snap.Filter(func(q quality.LinkQuality) bool { return q.Score() > 10 })
	if len(candidates) > 0 {
		// candidates are sorted by ID so ties go to the lowest ID
		best := candidates[0]
		for _, q := range candidates[1:] {
			if q.Stability > best.Stability {
				best = q
			}
		}
		return best, true
	}
	if q, found := snap.BestOf(policy.Interactive); found {
		return q, true
	}
	return snap.Best()
}

func ruleBulk(snap quality.Snapshot, policy Policy, host string, port uint16) (quality.LinkQuality, bool) {
	candidates := snap.Filter(func(q quality.LinkQuality) bool { return q.Score() > 15 })
	if len(candidates) > 0 {
		index := (hashHost(host) + uint32(port)) % uint32(len(candidates))
		return candidates[index], true
	}
	return snap.Best()
}

func ruleDefault(snap quality.Snapshot, policy Policy, host string, port uint16) (quality.LinkQuality, bool) {
	return snap.Best()
}

// hashHost returns the 32-bit FNV-1a hash of host.
func hashHost(host string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(host))
	return h.Sum32()
}

// SelectTCP returns the link for a new TCP session toward host and port.
func (s *Selector) SelectTCP(host string, port uint16) (link.Link, error) {
	return s.Select(Classify(port), host, port)
}

// SelectUDP returns the link for a new UDP session toward host and port.
//
// DNS goes to the lowest latency link, web traffic is spread like
// [ClassBulk], everything else prefers [Policy.UDPOther].
func (s *Selector) SelectUDP(host string, port uint16) (link.Link, error) {
	switch port {
	case 53:
		return s.choose("udp-dns", host, port, func(snap quality.Snapshot) (quality.LinkQuality, bool) {
			return snap.LowestLatency()
		})
	case 80, 443:
		return s.Select(ClassBulk, host, port)
	default:
		return s.choose("udp-other", host, port, func(snap quality.Snapshot) (quality.LinkQuality, bool) {
			if q, found := snap.BestOf(s.cfg.policy.UDPOther); found {
				return q, true
			}
			return snap.Best()
		})
	}
}

// Select applies the rule of the given class.
func (s *Selector) Select(class Class, host string, port uint16) (link.Link, error) {
	fx := rules[class]
	return s.choose(class.String(), host, port, func(snap quality.Snapshot) (quality.LinkQuality, bool) {
		return fx(snap, s.cfg.policy, host, port)
	})
}

// choose runs pick and resolves its result against the registry, falling
// back to the default link.
func (s *Selector) choose(
	name, host string, port uint16, pick func(quality.Snapshot) (quality.LinkQuality, bool)) (link.Link, error) {
	links := s.registry.Links()
	if q, found := pick(s.quality.Snapshot()); found {
		idx := slices.IndexFunc(links, func(l link.Link) bool { return l.ID == q.LinkID && l.Available })
		if idx >= 0 {
			s.cfg.logger.Debug("link selected",
				zap.String("rule", name),
				zap.String("host", host),
				zap.Uint16("port", port),
				zap.String("link", q.LinkID),
				zap.Float64("score", q.Score()))
			return links[idx], nil
		}
	}
	l, err := link.Default(s.registry)
	if err != nil {
		s.cfg.logger.Warn("no link available", zap.String("host", host), zap.Uint16("port", port))
		return link.Link{}, err
	}
	s.cfg.logger.Debug("falling back to default link",
		zap.String("rule", name), zap.String("host", host), zap.Uint16("port", port), zap.String("link", l.ID))
	return l, nil
}

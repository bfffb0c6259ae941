// SPDX-License-Identifier: GPL-3.0-or-later

// Package metrics contains the Prometheus collectors of the router.
//
// Every method is safe to call on a nil [*Collector], which disables
// collection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "dualwan"

// Collector owns the router's Prometheus collectors.
//
// Construct using [New].
type Collector struct {
	// linkRTT is the latest RTT in milliseconds per link.
	linkRTT *prometheus.GaugeVec

	// linkLoss is the latest loss fraction per link.
	linkLoss *prometheus.GaugeVec

	// linkStability is the latest stability per link.
	linkStability *prometheus.GaugeVec

	// linkScore is the latest composite score per link.
	linkScore *prometheus.GaugeVec

	// linkAvailable is one when the link is available.
	linkAvailable *prometheus.GaugeVec

	// probes counts probes per link and result.
	probes *prometheus.CounterVec

	// packetsIn counts packets read from the virtual interface per protocol.
	packetsIn *prometheus.CounterVec

	// packetsDropped counts dropped packets per reason.
	packetsDropped *prometheus.CounterVec

	// packetsOut counts packets written to the virtual interface.
	packetsOut prometheus.Counter

	// sessionsActive is the number of live sessions per protocol.
	sessionsActive *prometheus.GaugeVec

	// sessionsOpened counts created sessions per protocol and link.
	sessionsOpened *prometheus.CounterVec

	// sessionsClosed counts removed sessions per protocol and reason.
	sessionsClosed *prometheus.CounterVec

	// relayedBytes counts relayed payload bytes per protocol and direction.
	relayedBytes *prometheus.CounterVec
}

// New creates a [*Collector] registering its collectors with reg.
//
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		linkRTT: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "link_rtt_milliseconds",
			Help:      "Latest probe round-trip time per link, -1 when unmeasured.",
		}, []string{"link", "transport"}),
		linkLoss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "link_loss_ratio",
			Help:      "Latest probe loss fraction per link.",
		}, []string{"link", "transport"}),
		linkStability: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "link_stability_ratio",
			Help:      "RTT stability per link in [0, 1].",
		}, []string{"link", "transport"}),
		linkScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "link_score",
			Help:      "Composite quality score per link in [0, 100].",
		}, []string{"link", "transport"}),
		linkAvailable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "link_available",
			Help:      "Whether the link is available.",
		}, []string{"link", "transport"}),
		probes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "probes_total",
			Help:      "Quality probes per link and result.",
		}, []string{"link", "result"}),
		packetsIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_in_total",
			Help:      "Packets read from the virtual interface per protocol.",
		}, []string{"protocol"}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped per reason.",
		}, []string{"reason"}),
		packetsOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_out_total",
			Help:      "Packets written to the virtual interface.",
		}),
		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sessions_active",
			Help:      "Live relay sessions per protocol.",
		}, []string{"protocol"}),
		sessionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_opened_total",
			Help:      "Relay sessions created per protocol and link.",
		}, []string{"protocol", "link"}),
		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_closed_total",
			Help:      "Relay sessions removed per protocol and reason.",
		}, []string{"protocol", "reason"}),
		relayedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "relayed_bytes_total",
			Help:      "Relayed payload bytes per protocol and direction.",
		}, []string{"protocol", "direction"}),
	}
}

// LinkQuality records the latest quality of a link.
func (c *Collector) LinkQuality(link, transport string, rttMs, loss, stability, score float64, available bool) {
	if c == nil {
		return
	}
	c.linkRTT.WithLabelValues(link, transport).Set(rttMs)
	c.linkLoss.WithLabelValues(link, transport).Set(loss)
	c.linkStability.WithLabelValues(link, transport).Set(stability)
	c.linkScore.WithLabelValues(link, transport).Set(score)
	value := 0.0
	if available {
		value = 1
	}
	c.linkAvailable.WithLabelValues(link, transport).Set(value)
}

// Probe counts a probe outcome.
func (c *Collector) Probe(link string, success bool) {
	if c == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	c.probes.WithLabelValues(link, result).Inc()
}

// PacketIn counts a packet read from the virtual interface.
func (c *Collector) PacketIn(protocol string) {
	if c == nil {
		return
	}
	c.packetsIn.WithLabelValues(protocol).Inc()
}

// PacketDropped counts a dropped packet.
func (c *Collector) PacketDropped(reason string) {
	if c == nil {
		return
	}
	c.packetsDropped.WithLabelValues(reason).Inc()
}

// PacketOut counts a packet written to the virtual interface.
func (c *Collector) PacketOut() {
	if c == nil {
		return
	}
	c.packetsOut.Inc()
}

// SessionOpened counts a new session and bumps the active gauge.
func (c *Collector) SessionOpened(protocol, link string) {
	if c == nil {
		return
	}
	c.sessionsOpened.WithLabelValues(protocol, link).Inc()
	c.sessionsActive.WithLabelValues(protocol).Inc()
}

// SessionClosed counts a removed session and lowers the active gauge.
func (c *Collector) SessionClosed(protocol, reason string) {
	if c == nil {
		return
	}
	c.sessionsClosed.WithLabelValues(protocol, reason).Inc()
	c.sessionsActive.WithLabelValues(protocol).Dec()
}

// Relayed counts relayed payload bytes. The direction is "up" toward
// the server and "down" toward the client.
func (c *Collector) Relayed(protocol, direction string, count int) {
	if c == nil || count <= 0 {
		return
	}
	c.relayedBytes.WithLabelValues(protocol, direction).Add(float64(count))
}

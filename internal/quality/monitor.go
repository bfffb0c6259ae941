// SPDX-License-Identifier: GPL-3.0-or-later

package quality

import (
	"context"
	"sync"
	"time"

	"github.com/swoet/dualwan/internal/link"
	"github.com/swoet/dualwan/internal/metrics"
	"go.uber.org/zap"
)

// Default monitor settings.
const (
	// DefaultInterval is the default time between measurement cycles.
	DefaultInterval = 10 * time.Second

	// DefaultProbeTimeout is the default timeout of a single probe.
	DefaultProbeTimeout = 3 * time.Second

	// DefaultHistory is the default number of samples kept per link.
	DefaultHistory = 10
)

// MonitorOption is an option for [NewMonitor].
type MonitorOption func(cfg *monitorConfig)

// monitorConfig is the internal type modified by [MonitorOption].
type monitorConfig struct {
	history      int
	interval     time.Duration
	logger       *zap.Logger
	metrics      *metrics.Collector
	now          func() time.Time
	probeTimeout time.Duration
	targets      []Target
}

// MonitorOptionInterval sets the time between measurement cycles.
func MonitorOptionInterval(value time.Duration) MonitorOption {
	return func(cfg *monitorConfig) {
		cfg.interval = value
	}
}

// MonitorOptionProbeTimeout sets the timeout of a single probe.
func MonitorOptionProbeTimeout(value time.Duration) MonitorOption {
	return func(cfg *monitorConfig) {
		cfg.probeTimeout = value
	}
}

// MonitorOptionHistory sets the number of samples kept per link.
func MonitorOptionHistory(value int) MonitorOption {
	return func(cfg *monitorConfig) {
		cfg.history = value
	}
}

// MonitorOptionTargets sets the probe targets.
//
// The default is [DefaultTargets].
func MonitorOptionTargets(targets ...Target) MonitorOption {
	return func(cfg *monitorConfig) {
		cfg.targets = targets
	}
}

// MonitorOptionLogger sets the logger.
func MonitorOptionLogger(logger *zap.Logger) MonitorOption {
	return func(cfg *monitorConfig) {
		cfg.logger = logger
	}
}

// MonitorOptionMetrics sets the metrics collector.
func MonitorOptionMetrics(collector *metrics.Collector) MonitorOption {
	return func(cfg *monitorConfig) {
		cfg.metrics = collector
	}
}

// MonitorOptionClock overrides the function returning the current time.
func MonitorOptionClock(now func() time.Time) MonitorOption {
	return func(cfg *monitorConfig) {
		cfg.now = now
	}
}

// Monitor periodically probes every available link.
//
// Construct using [NewMonitor].
type Monitor struct {
	// cfg contains the configuration.
	cfg monitorConfig

	// history contains the bounded sample history per link.
	history map[string][]Sample

	// latest contains the latest quality per link.
	latest map[string]LinkQuality

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// registry is the link registry.
	registry link.Registry
}

// NewMonitor creates a new [*Monitor] for the links in registry.
func NewMonitor(registry link.Registry, options ...MonitorOption) *Monitor {
	cfg := monitorConfig{
		history:      DefaultHistory,
		interval:     DefaultInterval,
		logger:       zap.NewNop(),
		metrics:      nil,
		now:          time.Now,
		probeTimeout: DefaultProbeTimeout,
		targets:      DefaultTargets(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.Named("quality")
	return &Monitor{
		cfg:      cfg,
		history:  make(map[string][]Sample),
		latest:   make(map[string]LinkQuality),
		mu:       sync.RWMutex{},
		registry: registry,
	}
}

// Run measures immediately and then once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.interval)
	defer ticker.Stop()
	for {
		m.MeasureOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// MeasureOnce runs a single measurement cycle and waits for it to complete.
//
// Links are measured concurrently.
func (m *Monitor) MeasureOnce(ctx context.Context) {
	wg := &sync.WaitGroup{}
	for _, l := range m.registry.Links() {
		if !l.Available {
			m.record(l, Sample{RTTMs: -1, Loss: 1, At: m.cfg.now()}, false)
			continue
		}
		wg.Go(func() {
			sample, ok := m.measure(ctx, l)
			m.record(l, sample, ok)
		})
	}
	wg.Wait()
}

// measure probes the targets over the given link.
func (m *Monitor) measure(ctx context.Context, l link.Link) (Sample, bool) {
	// 1. obtain the binder for the link
	binder, err := m.registry.Binder(l.ID)
	if err != nil {
		m.cfg.logger.Warn("no binder for link", zap.String("link", l.ID), zap.Error(err))
		return Sample{RTTMs: -1, Loss: 1, At: m.cfg.now()}, false
	}

	// 2. probe each target in sequence
	var (
		successes int
		total     time.Duration
	)
	for _, target := range m.cfg.targets {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.probeTimeout)
		rtt, err := target.Prober.Probe(pctx, binder, target.Address)
		cancel()
		m.cfg.metrics.Probe(l.ID, err == nil)
		if err != nil {
			m.cfg.logger.Debug("probe failed",
				zap.String("link", l.ID), zap.String("target", target.Address), zap.Error(err))
			continue
		}
		successes++
		total += rtt
	}

	// 3. summarize the cycle
	sample := Sample{RTTMs: -1, Loss: 1, At: m.cfg.now()}
	if len(m.cfg.targets) > 0 {
		sample.Loss = 1 - float64(successes)/float64(len(m.cfg.targets))
	}
	if successes > 0 {
		sample.RTTMs = total.Seconds() * 1000 / float64(successes)
	}
	return sample, successes > 0
}

// record appends the sample to the history and updates the latest quality.
func (m *Monitor) record(l link.Link, sample Sample, available bool) {
	m.mu.Lock()
	history := append(m.history[l.ID], sample)
	if excess := len(history) - m.cfg.history; excess > 0 {
		history = append([]Sample{}, history[excess:]...)
	}
	m.history[l.ID] = history
	q := LinkQuality{
		LinkID:    l.ID,
		Transport: l.Transport,
		RTTMs:     sample.RTTMs,
		Loss:      sample.Loss,
		Stability: stability(history),
		Available: available,
		UpdatedAt: sample.At,
	}
	m.latest[l.ID] = q
	m.mu.Unlock()

	m.cfg.metrics.LinkQuality(l.ID, l.Transport.String(), q.RTTMs, q.Loss, q.Stability, q.Score(), q.Available)
	m.cfg.logger.Debug("link measured",
		zap.String("link", l.ID),
		zap.Float64("rtt_ms", q.RTTMs),
		zap.Float64("loss", q.Loss),
		zap.Float64("stability", q.Stability),
		zap.Float64("score", q.Score()))
}

// Get returns the latest measured quality of a link.
func (m *Monitor) Get(id string) (LinkQuality, bool) {
	m.mu.RLock()
	q, found := m.latest[id]
	m.mu.RUnlock()
	return q, found
}

// History returns a copy of the sample history of a link.
func (m *Monitor) History(id string) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sample{}, m.history[id]...)
}

// Snapshot returns the quality of every registered link.
//
// Links without measurements appear as [Unmeasured]. A link the
// registry reports unavailable is unavailable regardless of its
// latest measurement.
func (m *Monitor) Snapshot() Snapshot {
	links := m.registry.Links()
	out := make([]LinkQuality, 0, len(links))
	m.mu.RLock()
	for _, l := range links {
		q, found := m.latest[l.ID]
		if !found {
			q = Unmeasured(l)
		}
		q.Transport = l.Transport
		q.Available = q.Available && l.Available
		out = append(out, q)
	}
	m.mu.RUnlock()
	return NewSnapshot(out...)
}

// ShouldFailover applies [ShouldFailover] to the latest measurements of
// two links. It returns false unless both links have been measured.
func (m *Monitor) ShouldFailover(currentID, alternativeID string) bool {
	current, found := m.Get(currentID)
	if !found {
		return false
	}
	alternative, found := m.Get(alternativeID)
	if !found {
		return false
	}
	return ShouldFailover(current, alternative)
}

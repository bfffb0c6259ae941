// SPDX-License-Identifier: GPL-3.0-or-later

// Package quality measures the quality of each link and ranks the links.
package quality

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/swoet/dualwan/internal/link"
)

// Sample is the outcome of one measurement cycle for one link.
type Sample struct {
	// RTTMs is the mean round-trip time in milliseconds, -1 if unmeasured.
	RTTMs float64

	// Loss is the fraction of failed probes.
	Loss float64

	// At is when the sample was taken.
	At time.Time
}

// LinkQuality is the derived quality of a link.
type LinkQuality struct {
	// LinkID identifies the link.
	LinkID string

	// Transport is the link transport class.
	Transport link.Transport

	// RTTMs is the latest round-trip time in milliseconds, -1 if unmeasured.
	RTTMs float64

	// Loss is the latest loss fraction in [0, 1].
	Loss float64

	// Stability is the RTT stability in [0, 1].
	Stability float64

	// Available indicates whether the link is usable at all.
	Available bool

	// UpdatedAt is the time of the latest measurement.
	UpdatedAt time.Time
}

// Unmeasured returns the quality of a link without measurements.
func Unmeasured(l link.Link) LinkQuality {
	return LinkQuality{
		LinkID:    l.ID,
		Transport: l.Transport,
		RTTMs:     -1,
		Loss:      0,
		Stability: 1,
		Available: l.Available,
		UpdatedAt: time.Time{},
	}
}

// Score returns the composite score in [0, 100].
//
// The score is zero for unavailable or unmeasured links.
func (q LinkQuality) Score() float64 {
	if !q.Available || q.RTTMs < 0 {
		return 0
	}
	rttScore := math.Max(0, 1-q.RTTMs/1000)
	lossScore := 1 - q.Loss
	return 100 * (0.4*rttScore + 0.3*lossScore + 0.3*q.Stability)
}

// Usable returns whether the link is available and measured.
func (q LinkQuality) Usable() bool {
	return q.Available && q.RTTMs >= 0
}

// ShouldFailover returns whether traffic on current would be better
// served by alternative.
func ShouldFailover(current, alternative LinkQuality) bool {
	switch {
	case !current.Available:
		return true
	case current.Loss > 0.10 && alternative.Loss < 0.05:
		return true
	case current.RTTMs > 2000 && alternative.RTTMs >= 0 && alternative.RTTMs < 1000:
		return true
	case current.Score() < alternative.Score()-20:
		return true
	default:
		return false
	}
}

// stability computes the RTT stability of a history.
//
// With fewer than three positive RTTs the stability is one.
func stability(history []Sample) float64 {
	var rtts []float64
	for _, s := range history {
		if s.RTTMs > 0 {
			rtts = append(rtts, s.RTTMs)
		}
	}
	if len(rtts) < 3 {
		return 1
	}
	var sum float64
	for _, v := range rtts {
		sum += v
	}
	mean := sum / float64(len(rtts))
	if mean == 0 {
		return 1
	}
	var variance float64
	for _, v := range rtts {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(rtts))
	return math.Max(0, 1-variance/(mean*mean))
}

// Snapshot is an immutable view of the quality of all links.
//
// Construct using [NewSnapshot] or [*Monitor.Snapshot].
type Snapshot struct {
	links []LinkQuality
}

// NewSnapshot creates a [Snapshot] from the given qualities.
func NewSnapshot(qualities ...LinkQuality) Snapshot {
	links := slices.Clone(qualities)
	slices.SortFunc(links, func(a, b LinkQuality) int {
		return strings.Compare(a.LinkID, b.LinkID)
	})
	return Snapshot{links: links}
}

// All returns a copy of all qualities sorted by link ID.
func (s Snapshot) All() []LinkQuality {
	return slices.Clone(s.links)
}

// Len returns the number of links.
func (s Snapshot) Len() int {
	return len(s.links)
}

// Get returns the quality of the given link.
func (s Snapshot) Get(id string) (LinkQuality, bool) {
	for _, q := range s.links {
		if q.LinkID == id {
			return q, true
		}
	}
	return LinkQuality{}, false
}

// Best returns the usable link with the highest score.
func (s Snapshot) Best() (LinkQuality, bool) {
	return s.bestBy(func(LinkQuality) bool { return true })
}

// BestOf returns the usable link of the given transport with the highest score.
func (s Snapshot) BestOf(transport link.Transport) (LinkQuality, bool) {
	return s.bestBy(func(q LinkQuality) bool { return q.Transport == transport })
}

// Filter returns the usable links for which keep returns true, sorted by ID.
func (s Snapshot) Filter(keep func(LinkQuality) bool) []LinkQuality {
	var out []LinkQuality
	for _, q := range s.links {
		if q.Usable() && keep(q) {
			out = append(out, q)
		}
	}
	return out
}

// LowestLatency returns the usable link with the lowest RTT.
func (s Snapshot) LowestLatency() (LinkQuality, bool) {
	var (
		best  LinkQuality
		found bool
	)
	for _, q := range s.Filter(func(LinkQuality) bool { return true }) {
		if !found || q.RTTMs < best.RTTMs {
			best, found = q, true
		}
	}
	return best, found
}

// bestBy returns the highest scoring usable link matching keep.
//
// Ties are broken in favor of the lowest link ID.
func (s Snapshot) bestBy(keep func(LinkQuality) bool) (LinkQuality, bool) {
	var (
		best  LinkQuality
		found bool
	)
	for _, q := range s.Filter(keep) {
		if !found || q.Score() > best.Score() {
			best, found = q, true
		}
	}
	return best, found
}

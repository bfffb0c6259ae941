// SPDX-License-Identifier: GPL-3.0-or-later

package quality_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swoet/dualwan/internal/link"
	"github.com/swoet/dualwan/internal/quality"
)

func TestScore(t *testing.T) {
	t.Run("perfect_link", func(t *testing.T) {
		q := quality.LinkQuality{Available: true, RTTMs: 0, Loss: 0, Stability: 1}
		assert.InDelta(t, 100, q.Score(), 1e-9)
	})

	t.Run("formula", func(t *testing.T) {
		q := quality.LinkQuality{Available: true, RTTMs: 250, Loss: 0.5, Stability: 0.8}
		want := 100 * (0.4*0.75 + 0.3*0.5 + 0.3*0.8)
		assert.InDelta(t, want, q.Score(), 1e-9)
	})

	t.Run("rtt_score_floors_at_zero", func(t *testing.T) {
		q := quality.LinkQuality{Available: true, RTTMs: 5000, Loss: 0, Stability: 1}
		assert.InDelta(t, 60, q.Score(), 1e-9)
	})

	t.Run("zero_when_unavailable", func(t *testing.T) {
		q := quality.LinkQuality{Available: false, RTTMs: 10, Stability: 1}
		assert.Zero(t, q.Score())
	})

	t.Run("zero_when_unmeasured", func(t *testing.T) {
		q := quality.Unmeasured(link.Link{ID: "wifi", Available: true})
		assert.Zero(t, q.Score())
		assert.False(t, q.Usable())
	})
}

func TestScoreMonotonicity(t *testing.T) {
	t.Run("rtt", func(t *testing.T) {
		prev := 101.0
		for rtt := 0.0; rtt <= 3000; rtt += 50 {
			q := quality.LinkQuality{Available: true, RTTMs: rtt, Loss: 0.2, Stability: 0.7}
			require.LessOrEqual(t, q.Score(), prev, "rtt=%v", rtt)
			prev = q.Score()
		}
	})

	t.Run("loss", func(t *testing.T) {
		prev := 101.0
		for loss := 0.0; loss <= 1; loss += 0.05 {
			q := quality.LinkQuality{Available: true, RTTMs: 120, Loss: loss, Stability: 0.7}
			require.LessOrEqual(t, q.Score(), prev, "loss=%v", loss)
			prev = q.Score()
		}
	})
}

func TestShouldFailover(t *testing.T) {
	good := quality.LinkQuality{Available: true, RTTMs: 50, Loss: 0, Stability: 1}

	cases := []struct {
		name        string
		current     quality.LinkQuality
		alternative quality.LinkQuality
		want        bool
	}{{
		name:        "current_unavailable",
		current:     quality.LinkQuality{Available: false},
		alternative: good,
		want:        true,
	}, {
		name:        "current_lossy_alternative_clean",
		current:     quality.LinkQuality{Available: true, RTTMs: 50, Loss: 0.2, Stability: 1},
		alternative: quality.LinkQuality{Available: true, RTTMs: 60, Loss: 0.04, Stability: 1},
		want:        true,
	}, {
		name:        "both_lossy",
		current:     quality.LinkQuality{Available: true, RTTMs: 50, Loss: 0.2, Stability: 1},
		alternative: quality.LinkQuality{Available: true, RTTMs: 50, Loss: 0.15, Stability: 1},
		want:        false,
	}, {
		name:        "current_slow_alternative_fast",
		current:     quality.LinkQuality{Available: true, RTTMs: 2500, Loss: 0, Stability: 1},
		alternative: quality.LinkQuality{Available: true, RTTMs: 900, Loss: 0, Stability: 1},
		want:        true,
	}, {
		name:        "current_slow_alternative_unmeasured",
		current:     quality.LinkQuality{Available: true, RTTMs: 2500, Loss: 0, Stability: 1},
		alternative: quality.LinkQuality{Available: true, RTTMs: -1, Loss: 0, Stability: 1},
		want:        false,
	}, {
		name:        "score_gap_above_threshold",
		current:     quality.LinkQuality{Available: true, RTTMs: 600, Loss: 0.1, Stability: 0.5},
		alternative: good,
		want:        true,
	}, {
		name:        "similar_links",
		current:     quality.LinkQuality{Available: true, RTTMs: 80, Loss: 0, Stability: 0.9},
		alternative: good,
		want:        false,
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, quality.ShouldFailover(tc.current, tc.alternative))
		})
	}
}

func TestSnapshotQueries(t *testing.T) {
	snap := quality.NewSnapshot(
		quality.LinkQuality{LinkID: "wifi-b", Transport: link.TransportWifi, Available: true, RTTMs: 80, Stability: 1},
		quality.LinkQuality{LinkID: "cell", Transport: link.TransportCellular, Available: true, RTTMs: 40, Stability: 1},
		quality.LinkQuality{LinkID: "wifi-a", Transport: link.TransportWifi, Available: true, RTTMs: 80, Stability: 1},
		quality.LinkQuality{LinkID: "eth", Transport: link.TransportOther, Available: false, RTTMs: 1, Stability: 1},
		quality.LinkQuality{LinkID: "usb", Transport: link.TransportOther, Available: true, RTTMs: -1, Stability: 1},
	)

	t.Run("all_sorted_by_id", func(t *testing.T) {
		var ids []string
		for _, q := range snap.All() {
			ids = append(ids, q.LinkID)
		}
		assert.Equal(t, []string{"cell", "eth", "usb", "wifi-a", "wifi-b"}, ids)
		assert.Equal(t, 5, snap.Len())
	})

	t.Run("best_overall", func(t *testing.T) {
		best, found := snap.Best()
		require.True(t, found)
		assert.Equal(t, "cell", best.LinkID)
	})

	t.Run("best_of_transport_breaks_ties_by_id", func(t *testing.T) {
		best, found := snap.BestOf(link.TransportWifi)
		require.True(t, found)
		assert.Equal(t, "wifi-a", best.LinkID)
	})

	t.Run("best_of_transport_without_usable_links", func(t *testing.T) {
		_, found := snap.BestOf(link.TransportOther)
		assert.False(t, found)
	})

	t.Run("lowest_latency_ignores_unusable", func(t *testing.T) {
		best, found := snap.LowestLatency()
		require.True(t, found)
		assert.Equal(t, "cell", best.LinkID)
	})

	t.Run("get", func(t *testing.T) {
		q, found := snap.Get("usb")
		require.True(t, found)
		assert.Equal(t, -1.0, q.RTTMs)
		_, found = snap.Get("satellite")
		assert.False(t, found)
	})

	t.Run("empty_snapshot", func(t *testing.T) {
		_, found := quality.NewSnapshot().Best()
		assert.False(t, found)
	})
}

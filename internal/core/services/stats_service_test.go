package services

import (
	"testing"
	"time"

	"livecast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newStats(t *testing.T) (*StatsMonitor, *PresenceService, *fakeClock) {
	t.Helper()
	presence := NewPresenceService(nil, time.Hour, zaptest.NewLogger(t).Sugar())
	m := NewStatsMonitor(presence, 5*time.Second, zaptest.NewLogger(t).Sugar())
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m.now = clk.Now
	return m, presence, clk
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time            { return c.t }
func (c *fakeClock) Advance(d time.Duration)   { c.t = c.t.Add(d) }

func TestStats_BandwidthFromByteDelta(t *testing.T) {
	m, _, clk := newStats(t)

	m.Observe("c1", "s1", 0)
	clk.Advance(time.Second)
	// 125000 bytes over 1s = 1 Mbit/s = 1000 kbps
	m.Observe("c1", "s1", 125_000)

	m.aggregate()
	stats := m.Snapshot("s1")
	assert.Equal(t, 1000, stats.AvgBandwidth)
	assert.Equal(t, 1000, stats.PeakBandwidth)
}

func TestStats_CounterResetYieldsZeroNotSpike(t *testing.T) {
	m, _, clk := newStats(t)

	m.Observe("c1", "s1", 1_000_000)
	clk.Advance(time.Second)
	// relay restarted; counter went backwards
	m.Observe("c1", "s1", 500)

	m.aggregate()
	stats := m.Snapshot("s1")
	assert.Equal(t, 0, stats.AvgBandwidth)
}

func TestStats_AggregatesAcrossConnections(t *testing.T) {
	m, presence, clk := newStats(t)
	presence.Join("s1")
	presence.Join("s1")

	m.Observe("c1", "s1", 0)
	m.Observe("c2", "s1", 0)
	clk.Advance(time.Second)
	m.Observe("c1", "s1", 125_000) // 1000 kbps
	m.Observe("c2", "s1", 62_500)  // 500 kbps

	m.aggregate()
	stats := m.Snapshot("s1")
	assert.Equal(t, 750, stats.AvgBandwidth)
	assert.Equal(t, 1000, stats.PeakBandwidth)
	assert.Equal(t, 2, stats.ViewerCount)
}

func TestStats_RemoveDropsConnection(t *testing.T) {
	m, _, clk := newStats(t)

	m.Observe("c1", "s1", 0)
	clk.Advance(time.Second)
	m.Observe("c1", "s1", 125_000)
	m.Remove("c1")

	m.aggregate()
	// one more pass clears the now-empty stream entry
	m.aggregate()
	stats := m.Snapshot("s1")
	assert.Equal(t, 0, stats.AvgBandwidth)
	assert.Equal(t, 0, stats.ViewerCount)
}

func TestStats_ErrorsSurfaceOnceThenClear(t *testing.T) {
	m, _, _ := newStats(t)

	m.RecordError("s1", "relay fault: conn_abc")
	stats := m.Snapshot("s1")
	require.Len(t, stats.Errors, 1)

	m.aggregate()
	stats = m.Snapshot("s1")
	assert.Empty(t, stats.Errors)
}

func TestStats_FormatCarriesIntoSnapshot(t *testing.T) {
	m, _, _ := newStats(t)

	m.ObserveFormat("s1", 1280, 720, 29.7)
	stats := m.Snapshot("s1")
	assert.Equal(t, 1280, stats.Width)
	assert.Equal(t, 720, stats.Height)
	assert.InDelta(t, 29.7, stats.FrameRate, 0.001)

	// a zero frame rate keeps the previous measurement
	m.ObserveFormat("s1", 854, 480, 0)
	stats = m.Snapshot("s1")
	assert.Equal(t, 854, stats.Width)
	assert.InDelta(t, 29.7, stats.FrameRate, 0.001)
}

func TestStats_SnapshotUnknownStreamIsEmpty(t *testing.T) {
	m, _, _ := newStats(t)
	stats := m.Snapshot("nope")
	require.NotNil(t, stats)
	assert.Equal(t, domain.StreamID("nope"), stats.StreamID)
	assert.Zero(t, stats.AvgBandwidth)
}

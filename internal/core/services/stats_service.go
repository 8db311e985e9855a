package services

import (
	"context"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.uber.org/zap"
)

// connTrack holds the latest sample for one connection. Bandwidth is
// derived from the byte delta between successive observations, so a relay
// restart that resets the cumulative counter produces one zero sample
// instead of a bogus spike.
type connTrack struct {
	streamID domain.StreamID
	sample   domain.ConnectionSample
}

type streamAggregate struct {
	avgKbps  int
	peakKbps int
	viewers  int
	errors   []string

	width     int
	height    int
	frameRate float64
}

// StatsMonitor aggregates connection throughput into per-stream snapshots.
// It is advisory only: nothing in the relay reads these numbers back.
type StatsMonitor struct {
	mu      sync.RWMutex
	conns   map[domain.ConnectionID]*connTrack
	streams map[domain.StreamID]*streamAggregate

	presence ports.PresenceTracker
	interval time.Duration
	now      func() time.Time
	logger   *zap.SugaredLogger
}

func NewStatsMonitor(presence ports.PresenceTracker, interval time.Duration, logger *zap.SugaredLogger) *StatsMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StatsMonitor{
		conns:    make(map[domain.ConnectionID]*connTrack),
		streams:  make(map[domain.StreamID]*streamAggregate),
		presence: presence,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Observe records the cumulative byte count for a connection. Called by the
// relay's stats loop; cheap enough to hold the lock for.
func (m *StatsMonitor) Observe(connID domain.ConnectionID, streamID domain.StreamID, bytesTotal uint64) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	track, ok := m.conns[connID]
	if !ok {
		m.conns[connID] = &connTrack{
			streamID: streamID,
			sample: domain.ConnectionSample{
				ConnectionID: connID,
				Timestamp:    now,
				BytesTotal:   bytesTotal,
			},
		}
		return
	}

	elapsed := now.Sub(track.sample.Timestamp).Seconds()
	if elapsed > 0 {
		var delta uint64
		if bytesTotal >= track.sample.BytesTotal {
			delta = bytesTotal - track.sample.BytesTotal
		}
		track.sample.BandwidthKbps = int(float64(delta*8) / 1000 / elapsed)
	}
	track.streamID = streamID
	track.sample.BytesTotal = bytesTotal
	track.sample.Timestamp = now
}

// Remove drops a connection from the aggregate. Idempotent.
func (m *StatsMonitor) Remove(connID domain.ConnectionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connID)
}

// RecordError appends a transient error note to the next snapshot for the
// stream. Notes are cleared on every aggregation pass.
func (m *StatsMonitor) RecordError(streamID domain.StreamID, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.streams[streamID]
	if !ok {
		agg = &streamAggregate{}
		m.streams[streamID] = agg
	}
	agg.errors = append(agg.errors, msg)
}

// ObserveFormat records the last-known source resolution and measured
// frame rate for a stream. Zero frame rate leaves the previous value.
func (m *StatsMonitor) ObserveFormat(streamID domain.StreamID, width, height int, frameRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.streams[streamID]
	if !ok {
		agg = &streamAggregate{}
		m.streams[streamID] = agg
	}
	agg.width = width
	agg.height = height
	if frameRate > 0 {
		agg.frameRate = frameRate
	}
}

// Snapshot returns the most recent aggregate for a stream, or an empty
// snapshot when the stream has no observed connections yet.
func (m *StatsMonitor) Snapshot(streamID domain.StreamID) *domain.StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &domain.StreamStats{
		StreamID:  streamID,
		Timestamp: m.now(),
	}
	if agg, ok := m.streams[streamID]; ok {
		stats.AvgBandwidth = agg.avgKbps
		stats.PeakBandwidth = agg.peakKbps
		stats.ViewerCount = agg.viewers
		stats.Width = agg.width
		stats.Height = agg.height
		stats.FrameRate = agg.frameRate
		stats.Errors = append([]string(nil), agg.errors...)
	}
	return stats
}

// Run aggregates on a fixed interval until the context is cancelled.
func (m *StatsMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.aggregate()
		}
	}
}

func (m *StatsMonitor) aggregate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	type acc struct {
		sum   int
		peak  int
		count int
	}
	perStream := make(map[domain.StreamID]*acc)

	stale := m.now().Add(-3 * m.interval)
	for connID, track := range m.conns {
		if track.sample.Timestamp.Before(stale) {
			delete(m.conns, connID)
			continue
		}
		a, ok := perStream[track.streamID]
		if !ok {
			a = &acc{}
			perStream[track.streamID] = a
		}
		a.sum += track.sample.BandwidthKbps
		if track.sample.BandwidthKbps > a.peak {
			a.peak = track.sample.BandwidthKbps
		}
		a.count++
	}

	for streamID, agg := range m.streams {
		a, ok := perStream[streamID]
		if !ok {
			// keep recorded errors around for one more pass if nothing
			// else references the stream, then drop the entry
			if len(agg.errors) == 0 {
				delete(m.streams, streamID)
			}
			agg.errors = nil
			continue
		}
		m.fill(agg, streamID, a.sum, a.peak, a.count)
		delete(perStream, streamID)
	}
	for streamID, a := range perStream {
		agg := &streamAggregate{}
		m.streams[streamID] = agg
		m.fill(agg, streamID, a.sum, a.peak, a.count)
	}
}

func (m *StatsMonitor) fill(agg *streamAggregate, streamID domain.StreamID, sum, peak, count int) {
	agg.peakKbps = peak
	agg.errors = nil
	if count > 0 {
		agg.avgKbps = sum / count
	} else {
		agg.avgKbps = 0
	}
	agg.viewers = m.presence.Count(streamID)
}

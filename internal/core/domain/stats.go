package domain

import "time"

// ConnectionSample is one throughput observation for a single connection.
// Bandwidth is computed from byte-count deltas between samples, never from
// cumulative totals, so it stays correct across counter resets.
type ConnectionSample struct {
	ConnectionID  ConnectionID
	Timestamp     time.Time
	BandwidthKbps int
	BytesTotal    uint64
}

// StreamStats is a point-in-time aggregate for one stream. Append-only
// telemetry for dashboards; never an input to relay adaptation.
type StreamStats struct {
	StreamID      StreamID
	Timestamp     time.Time
	ViewerCount   int
	AvgBandwidth  int // kbps across viewer connections
	PeakBandwidth int // kbps
	Width         int
	Height        int
	FrameRate     float64
	Errors        []string
}

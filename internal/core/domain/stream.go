package domain

import (
	"time"
)

type StreamID string
type UserID string
type ConnectionID string
type TrackID string

// StreamState is the signaling lifecycle of a stream session.
type StreamState string

const (
	StreamIdle        StreamState = "idle"
	StreamNegotiating StreamState = "negotiating"
	StreamLive        StreamState = "live"
	StreamEnded       StreamState = "ended"
	StreamError       StreamState = "error"
)

type Stream struct {
	ID          StreamID
	Owner       UserID
	Title       string
	Description string
	State       StreamState
	StreamKey   string
	ViewerCount int
	Qualities   []QualityLayer

	Recording *RecordingRef
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// IsLive reports whether the stream currently accepts viewers.
func (s *Stream) IsLive() bool {
	return s.State == StreamLive
}

// QualityLayer is one simulcast encoding of the publisher's source.
type QualityLayer struct {
	Name    string
	Bitrate int // kbps
	Width   int
	Height  int
	Codec   string
}

// DefaultQualityLayers is the fixed simulcast ladder, lowest first.
func DefaultQualityLayers() []QualityLayer {
	return []QualityLayer{
		{Name: "low", Bitrate: 500, Width: 640, Height: 360, Codec: "VP8"},
		{Name: "medium", Bitrate: 1000, Width: 854, Height: 480, Codec: "VP8"},
		{Name: "high", Bitrate: 2500, Width: 1280, Height: 720, Codec: "VP8"},
	}
}

// RecordingRef is the stream row's pointer to a finalized recording.
type RecordingRef struct {
	ObjectName string
	URL        string
	ExpiresAt  time.Time
	Status     RecordingStatus
}

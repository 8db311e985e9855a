package ports

import (
	"context"

	"livecast/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// HubService is the per-stream signaling state machine.
type HubService interface {
	CreateStream(ctx context.Context, owner domain.UserID, title, description string) (*domain.Stream, error)
	OpenPublish(ctx context.Context, streamID domain.StreamID, credential string) (domain.ConnectionID, webrtc.SessionDescription, error)
	CompletePublish(ctx context.Context, streamID domain.StreamID, answer webrtc.SessionDescription) error
	ClosePublish(ctx context.Context, streamID domain.StreamID) error
	JoinViewer(ctx context.Context, streamID domain.StreamID) (domain.ConnectionID, webrtc.SessionDescription, error)
	CompleteJoin(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, answer webrtc.SessionDescription) error
	LeaveViewer(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID) error
	ChangeQuality(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, layer string) error
	HandleDisconnect(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, role domain.ConnectionRole)
	RotateKey(ctx context.Context, streamID domain.StreamID, owner domain.UserID) (string, error)
	StreamState(streamID domain.StreamID) domain.StreamState
}

// MediaRelay forwards publisher media to subscribed viewers without
// re-encoding. All per-viewer failures stay per-viewer.
type MediaRelay interface {
	Attach(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID) (webrtc.SessionDescription, error)
	CompleteAttach(ctx context.Context, streamID domain.StreamID, answer webrtc.SessionDescription) error
	Subscribe(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, qualityHint string) (webrtc.SessionDescription, error)
	CompleteSubscribe(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, answer webrtc.SessionDescription) error
	Unsubscribe(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, reason domain.CloseReason) error
	SetQuality(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, layer string) error
	Detach(ctx context.Context, streamID domain.StreamID) error

	// AddSink taps the publisher's media for non-forwarding consumers
	// (recording). Sink writes never block the forwarding path.
	AddSink(streamID domain.StreamID, sink MediaSink) error
	RemoveSink(streamID domain.StreamID)
}

// MediaSink consumes encoded chunks from the relay tap.
type MediaSink interface {
	WriteChunk(data []byte) error
	Close() error
}

// PresenceTracker owns the authoritative in-memory viewer counters.
type PresenceTracker interface {
	Join(streamID domain.StreamID) int
	Leave(streamID domain.StreamID) int
	Count(streamID domain.StreamID) int
	Forget(streamID domain.StreamID)
	Run(ctx context.Context)
}

// ChatService appends and fans out ordered chat messages.
type ChatService interface {
	Send(ctx context.Context, streamID domain.StreamID, author domain.UserID, body string, msgType domain.ChatMessageType) (*domain.ChatMessage, error)
	History(ctx context.Context, streamID domain.StreamID, sinceSeq uint64, limit int) ([]*domain.ChatMessage, error)
	Flag(ctx context.Context, streamID domain.StreamID, seq uint64) error
}

// RecordingService consumes relay media and produces durable recordings.
type RecordingService interface {
	Start(ctx context.Context, streamID domain.StreamID) error
	Finalize(ctx context.Context, streamID domain.StreamID) error
	ActiveRecording(streamID domain.StreamID) (domain.Recording, error)
	RetrievalURL(ctx context.Context, streamID domain.StreamID) (string, error)
	Sweep(ctx context.Context) (int, error)
	Run(ctx context.Context)
}

// StatsService samples connection throughput and aggregates per stream.
type StatsService interface {
	Observe(connID domain.ConnectionID, streamID domain.StreamID, bytesTotal uint64)
	ObserveFormat(streamID domain.StreamID, width, height int, frameRate float64)
	Remove(connID domain.ConnectionID)
	Snapshot(streamID domain.StreamID) *domain.StreamStats
	Run(ctx context.Context)
}

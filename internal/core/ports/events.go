package ports

import (
	"context"
	"encoding/json"
	"time"

	"livecast/internal/core/domain"
)

type EventType string

const (
	EventStreamStarted EventType = "stream.started"
	EventStreamEnded   EventType = "stream.ended"
	EventViewerJoined  EventType = "viewer.joined"
	EventViewerLeft    EventType = "viewer.left"
	EventChatMessage   EventType = "chat.message"
	EventQualityChange EventType = "quality.changed"

	EventRecordingReady  EventType = "recording.ready"
	EventRecordingFailed EventType = "recording.failed"
)

type Event struct {
	Type         EventType           `json:"type"`
	StreamID     domain.StreamID     `json:"stream_id,omitempty"`
	ConnectionID domain.ConnectionID `json:"connection_id,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
	Payload      json.RawMessage     `json:"payload,omitempty"`
}

// EventBus decouples producers (hub, chat) from consumers (signal server,
// recording pipeline, presence). Delivery is ordered per publisher.
type EventBus interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(handler func(*Event)) (unsubscribe func())
	Close() error
}

package domain

import "time"

type ConnectionRole string

const (
	RolePublisher ConnectionRole = "publisher"
	RoleViewer    ConnectionRole = "viewer"
)

// MediaState tracks the handshake progress of a single connection.
type MediaState string

const (
	MediaNone        MediaState = "none"
	MediaNegotiating MediaState = "negotiating"
	MediaConnected   MediaState = "connected"
	MediaClosed      MediaState = "closed"
)

type Connection struct {
	ID        ConnectionID
	StreamID  StreamID
	Role      ConnectionRole
	State     MediaState
	CreatedAt time.Time
	LastSeen  time.Time
}

// Subscription pairs a viewer connection with the publisher's tracks at
// one quality layer. A viewer holds at most one per stream.
type Subscription struct {
	StreamID     StreamID
	ConnectionID ConnectionID
	Track        TrackID
	Layer        string
	Auto         bool
	CreatedAt    time.Time
}

// CloseReason distinguishes the ways a connection loses a stream. Clients
// rely on these to tell a normal end from a fault.
type CloseReason string

const (
	CloseStreamEnded   CloseReason = "stream_ended"
	CloseRelayFault    CloseReason = "relay_fault"
	CloseViewerLeft    CloseReason = "viewer_left"
	CloseNegotiation   CloseReason = "negotiation_failed"
	CloseTransportLost CloseReason = "transport_lost"
)

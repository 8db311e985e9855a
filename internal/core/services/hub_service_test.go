package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/events"
	"livecast/internal/infrastructure/repositories/memory"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recordingRelay is a call-recording ports.MediaRelay for hub tests.
type recordingRelay struct {
	mu          sync.Mutex
	publishers   map[domain.StreamID]domain.ConnectionID
	subscribers  map[domain.ConnectionID]domain.StreamID
	unsubReasons map[domain.ConnectionID]domain.CloseReason
	detached     []domain.StreamID
	failSub      bool
	failureConn  domain.ConnectionID
}

func newRecordingRelay() *recordingRelay {
	return &recordingRelay{
		publishers:   make(map[domain.StreamID]domain.ConnectionID),
		subscribers:  make(map[domain.ConnectionID]domain.StreamID),
		unsubReasons: make(map[domain.ConnectionID]domain.CloseReason),
	}
}

func (r *recordingRelay) Attach(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID) (webrtc.SessionDescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[streamID] = connID
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (r *recordingRelay) CompleteAttach(ctx context.Context, streamID domain.StreamID, answer webrtc.SessionDescription) error {
	return nil
}

func (r *recordingRelay) Subscribe(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, qualityHint string) (webrtc.SessionDescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[connID] = streamID
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (r *recordingRelay) CompleteSubscribe(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, answer webrtc.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSub && connID == r.failureConn {
		return domain.ErrNegotiationFailed
	}
	return nil
}

func (r *recordingRelay) Unsubscribe(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, reason domain.CloseReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, connID)
	r.unsubReasons[connID] = reason
	return nil
}

func (r *recordingRelay) SetQuality(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, layer string) error {
	return nil
}

func (r *recordingRelay) Detach(ctx context.Context, streamID domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.publishers, streamID)
	r.detached = append(r.detached, streamID)
	return nil
}

func (r *recordingRelay) AddSink(streamID domain.StreamID, sink ports.MediaSink) error { return nil }
func (r *recordingRelay) RemoveSink(streamID domain.StreamID)                          {}

func (r *recordingRelay) detachCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.detached)
}

type hubFixture struct {
	hub      *SignalHub
	relay    *recordingRelay
	presence *PresenceService
	streams  *memory.StreamRepository
	bus      ports.EventBus
	stream   *domain.Stream
}

func newHub(t *testing.T, opts HubOptions) *hubFixture {
	t.Helper()

	f := &hubFixture{
		relay:   newRecordingRelay(),
		streams: memory.NewStreamRepository(),
	}
	f.bus = events.NewMemoryBus()
	t.Cleanup(func() { f.bus.Close() })

	logger := zaptest.NewLogger(t).Sugar()
	f.presence = NewPresenceService(f.streams, time.Hour, logger)
	chat := NewChatMessageService(memory.NewChatRepository(), f.streams, f.bus, logger)
	f.hub = NewSignalHub(f.streams, f.relay, f.presence, chat, f.bus, opts, logger)

	stream, err := f.hub.CreateStream(context.Background(), "streamer", "title", "desc")
	require.NoError(t, err)
	f.stream = stream
	return f
}

func (f *hubFixture) goLive(t *testing.T) domain.ConnectionID {
	t.Helper()
	connID, offer, err := f.hub.OpenPublish(context.Background(), f.stream.ID, f.stream.StreamKey)
	require.NoError(t, err)
	require.NotEmpty(t, offer.SDP)
	require.NoError(t, f.hub.CompletePublish(context.Background(), f.stream.ID, webrtc.SessionDescription{}))
	return connID
}

func TestHub_PublishLifecycle(t *testing.T) {
	f := newHub(t, HubOptions{})
	ctx := context.Background()

	_, _, err := f.hub.OpenPublish(ctx, f.stream.ID, "wrong-key")
	assert.ErrorIs(t, err, domain.ErrBadCredential)

	connID, _, err := f.hub.OpenPublish(ctx, f.stream.ID, f.stream.StreamKey)
	require.NoError(t, err)
	assert.Equal(t, domain.StreamNegotiating, f.hub.StreamState(f.stream.ID))

	// a second publisher mid-handshake is rejected too
	_, _, err = f.hub.OpenPublish(ctx, f.stream.ID, f.stream.StreamKey)
	assert.ErrorIs(t, err, domain.ErrPublisherConflict)
	assert.Equal(t, domain.StreamNegotiating, f.hub.StreamState(f.stream.ID))

	require.NoError(t, f.hub.CompletePublish(ctx, f.stream.ID, webrtc.SessionDescription{}))
	assert.Equal(t, domain.StreamLive, f.hub.StreamState(f.stream.ID))

	stored, err := f.streams.GetByID(ctx, f.stream.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsLive())
	require.NotNil(t, stored.StartedAt)

	// second publisher while live is rejected
	_, _, err = f.hub.OpenPublish(ctx, f.stream.ID, f.stream.StreamKey)
	assert.ErrorIs(t, err, domain.ErrPublisherConflict)

	require.NoError(t, f.hub.ClosePublish(ctx, f.stream.ID))
	assert.Equal(t, domain.StreamEnded, f.hub.StreamState(f.stream.ID))
	assert.Equal(t, 1, f.relay.detachCount())

	// idempotent
	require.NoError(t, f.hub.ClosePublish(ctx, f.stream.ID))
	assert.Equal(t, 1, f.relay.detachCount())

	_ = connID
}

func TestHub_RepublishAfterEnd(t *testing.T) {
	f := newHub(t, HubOptions{})
	ctx := context.Background()

	f.goLive(t)
	require.NoError(t, f.hub.ClosePublish(ctx, f.stream.ID))

	_, _, err := f.hub.OpenPublish(ctx, f.stream.ID, f.stream.StreamKey)
	require.NoError(t, err)
	require.NoError(t, f.hub.CompletePublish(ctx, f.stream.ID, webrtc.SessionDescription{}))
	assert.Equal(t, domain.StreamLive, f.hub.StreamState(f.stream.ID))
}

func TestHub_ViewerLifecycle(t *testing.T) {
	f := newHub(t, HubOptions{})
	ctx := context.Background()

	// cannot join before the stream is live
	_, _, err := f.hub.JoinViewer(ctx, f.stream.ID)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	f.goLive(t)

	connID, offer, err := f.hub.JoinViewer(ctx, f.stream.ID)
	require.NoError(t, err)
	require.NotEmpty(t, offer.SDP)
	assert.Equal(t, 1, f.presence.Count(f.stream.ID))

	require.NoError(t, f.hub.CompleteJoin(ctx, f.stream.ID, connID, webrtc.SessionDescription{}))

	require.NoError(t, f.hub.LeaveViewer(ctx, f.stream.ID, connID))
	assert.Equal(t, 0, f.presence.Count(f.stream.ID))

	// a duplicate leave must not drive the count negative
	require.NoError(t, f.hub.LeaveViewer(ctx, f.stream.ID, connID))
	assert.Equal(t, 0, f.presence.Count(f.stream.ID))
}

func TestHub_JoinCapacity(t *testing.T) {
	f := newHub(t, HubOptions{MaxViewers: 2})
	ctx := context.Background()
	f.goLive(t)

	_, _, err := f.hub.JoinViewer(ctx, f.stream.ID)
	require.NoError(t, err)
	_, _, err = f.hub.JoinViewer(ctx, f.stream.ID)
	require.NoError(t, err)

	_, _, err = f.hub.JoinViewer(ctx, f.stream.ID)
	assert.ErrorIs(t, err, domain.ErrCapacityReached)
}

func TestHub_FailedJoinRollsBackPresence(t *testing.T) {
	f := newHub(t, HubOptions{})
	ctx := context.Background()
	f.goLive(t)

	connID, _, err := f.hub.JoinViewer(ctx, f.stream.ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.presence.Count(f.stream.ID))

	f.relay.mu.Lock()
	f.relay.failSub = true
	f.relay.failureConn = connID
	f.relay.mu.Unlock()

	err = f.hub.CompleteJoin(ctx, f.stream.ID, connID, webrtc.SessionDescription{})
	assert.ErrorIs(t, err, domain.ErrNegotiationFailed)
	assert.Equal(t, 0, f.presence.Count(f.stream.ID))

	// the relay-side subscriber is torn down with the handshake reason
	f.relay.mu.Lock()
	_, stillSubscribed := f.relay.subscribers[connID]
	reason := f.relay.unsubReasons[connID]
	f.relay.mu.Unlock()
	assert.False(t, stillSubscribed)
	assert.Equal(t, domain.CloseNegotiation, reason)

	// the dead handshake cannot be completed or left again
	err = f.hub.CompleteJoin(ctx, f.stream.ID, connID, webrtc.SessionDescription{})
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
	require.NoError(t, f.hub.LeaveViewer(ctx, f.stream.ID, connID))
	assert.Equal(t, 0, f.presence.Count(f.stream.ID), "count must not go below zero")
}

func TestHub_ViewerDisconnectLeavesImmediately(t *testing.T) {
	f := newHub(t, HubOptions{})
	ctx := context.Background()
	f.goLive(t)

	connID, _, err := f.hub.JoinViewer(ctx, f.stream.ID)
	require.NoError(t, err)

	f.hub.HandleDisconnect(ctx, f.stream.ID, connID, domain.RoleViewer)
	assert.Equal(t, 0, f.presence.Count(f.stream.ID))
}

func TestHub_PublisherGraceExpiryEndsStream(t *testing.T) {
	f := newHub(t, HubOptions{GracePeriod: 50 * time.Millisecond})
	ctx := context.Background()
	pubConn := f.goLive(t)

	f.hub.HandleDisconnect(ctx, f.stream.ID, pubConn, domain.RolePublisher)
	// stays live for the duration of the grace window
	assert.Equal(t, domain.StreamLive, f.hub.StreamState(f.stream.ID))

	assert.Eventually(t, func() bool {
		return f.hub.StreamState(f.stream.ID) == domain.StreamEnded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PublisherReconnectWithinGrace(t *testing.T) {
	f := newHub(t, HubOptions{GracePeriod: 200 * time.Millisecond})
	ctx := context.Background()
	pubConn := f.goLive(t)

	f.hub.HandleDisconnect(ctx, f.stream.ID, pubConn, domain.RolePublisher)

	_, _, err := f.hub.OpenPublish(ctx, f.stream.ID, f.stream.StreamKey)
	require.NoError(t, err)
	require.NoError(t, f.hub.CompletePublish(ctx, f.stream.ID, webrtc.SessionDescription{}))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, domain.StreamLive, f.hub.StreamState(f.stream.ID),
		"reconnect must disarm the grace timer")
}

func TestHub_EventsOnLifecycle(t *testing.T) {
	f := newHub(t, HubOptions{})
	ctx := context.Background()

	var mu sync.Mutex
	var types []ports.EventType
	unsub := f.bus.Subscribe(func(e *ports.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})
	defer unsub()

	f.goLive(t)
	connID, _, err := f.hub.JoinViewer(ctx, f.stream.ID)
	require.NoError(t, err)
	require.NoError(t, f.hub.LeaveViewer(ctx, f.stream.ID, connID))
	require.NoError(t, f.hub.ClosePublish(ctx, f.stream.ID))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var saw []ports.EventType
		for _, typ := range types {
			if typ != ports.EventChatMessage {
				saw = append(saw, typ)
			}
		}
		want := []ports.EventType{
			ports.EventStreamStarted,
			ports.EventViewerJoined,
			ports.EventViewerLeft,
			ports.EventStreamEnded,
		}
		if len(saw) != len(want) {
			return false
		}
		for i := range want {
			if saw[i] != want[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

package signal

import (
	"context"
	"sync"
	"testing"

	"livecast/internal/core/domain"
	"livecast/internal/infrastructure/events"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
)

// hubStub satisfies ports.HubService and records which streams were
// closed so tests can check what reached the hub.
type hubStub struct {
	mu     sync.Mutex
	closed []domain.StreamID
}

func (h *hubStub) CreateStream(ctx context.Context, owner domain.UserID, title, description string) (*domain.Stream, error) {
	return &domain.Stream{ID: "s1", Owner: owner, Title: title}, nil
}

func (h *hubStub) OpenPublish(ctx context.Context, streamID domain.StreamID, credential string) (domain.ConnectionID, webrtc.SessionDescription, error) {
	return "pub-conn", webrtc.SessionDescription{SDP: "offer"}, nil
}

func (h *hubStub) CompletePublish(ctx context.Context, streamID domain.StreamID, answer webrtc.SessionDescription) error {
	return nil
}

func (h *hubStub) ClosePublish(ctx context.Context, streamID domain.StreamID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, streamID)
	return nil
}

func (h *hubStub) JoinViewer(ctx context.Context, streamID domain.StreamID) (domain.ConnectionID, webrtc.SessionDescription, error) {
	return "view-conn", webrtc.SessionDescription{SDP: "offer"}, nil
}

func (h *hubStub) CompleteJoin(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, answer webrtc.SessionDescription) error {
	return nil
}

func (h *hubStub) LeaveViewer(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID) error {
	return nil
}

func (h *hubStub) ChangeQuality(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, layer string) error {
	return nil
}

func (h *hubStub) HandleDisconnect(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, role domain.ConnectionRole) {
}

func (h *hubStub) RotateKey(ctx context.Context, streamID domain.StreamID, owner domain.UserID) (string, error) {
	return "", nil
}

func (h *hubStub) StreamState(streamID domain.StreamID) domain.StreamState { return domain.StreamLive }

func (h *hubStub) closedStreams() []domain.StreamID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.StreamID(nil), h.closed...)
}

// chatStub satisfies ports.ChatService; nothing here exercises chat.
type chatStub struct{}

func (chatStub) Send(ctx context.Context, streamID domain.StreamID, author domain.UserID, body string, msgType domain.ChatMessageType) (*domain.ChatMessage, error) {
	return &domain.ChatMessage{StreamID: streamID, Body: body}, nil
}

func (chatStub) History(ctx context.Context, streamID domain.StreamID, sinceSeq uint64, limit int) ([]*domain.ChatMessage, error) {
	return nil, nil
}

func (chatStub) Flag(ctx context.Context, streamID domain.StreamID, seq uint64) error { return nil }

func newSignalServer(t *testing.T) (*WebSocketServer, *hubStub) {
	t.Helper()
	hub := &hubStub{}
	bus := events.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	srv := NewWebSocketServer(hub, chatStub{}, bus, ServerOptions{}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(srv.Close)
	return srv, hub
}

func newTestClient(srv *WebSocketServer) *client {
	return &client{
		send:        make(chan []byte, 64),
		chatLimiter: rate.NewLimiter(srv.chatRate, srv.chatBurst),
	}
}

func TestPublishClose_RequiresPublisherBinding(t *testing.T) {
	srv, hub := newSignalServer(t)
	ctx := context.Background()

	// an unbound socket cannot end anything
	stranger := newTestClient(srv)
	err := srv.handleMessage(ctx, stranger, SignalMessage{Type: "publish_close", StreamID: "s1"})
	assert.ErrorIs(t, err, domain.ErrBadCredential)

	// a viewer of the same stream cannot either
	viewer := newTestClient(srv)
	viewer.bind("s1", "view-conn", domain.RoleViewer)
	err = srv.handleMessage(ctx, viewer, SignalMessage{Type: "publish_close", StreamID: "s1"})
	assert.ErrorIs(t, err, domain.ErrBadCredential)

	// nor can the publisher of a different stream
	otherPub := newTestClient(srv)
	otherPub.bind("s2", "pub-conn-2", domain.RolePublisher)
	err = srv.handleMessage(ctx, otherPub, SignalMessage{Type: "publish_close", StreamID: "s1"})
	assert.ErrorIs(t, err, domain.ErrBadCredential)

	assert.Empty(t, hub.closedStreams(), "no close may reach the hub without the publisher binding")
}

func TestPublishClose_PublisherEndsOwnStream(t *testing.T) {
	srv, hub := newSignalServer(t)
	ctx := context.Background()

	pub := newTestClient(srv)
	pub.bind("s1", "pub-conn", domain.RolePublisher)

	require.NoError(t, srv.handleMessage(ctx, pub, SignalMessage{Type: "publish_close", StreamID: "s1"}))
	assert.Equal(t, []domain.StreamID{"s1"}, hub.closedStreams())
}

func TestNotifyClose_ReachesOnlyTheBoundClient(t *testing.T) {
	srv, _ := newSignalServer(t)

	affected := newTestClient(srv)
	affected.bind("s1", "v1", domain.RoleViewer)
	bystander := newTestClient(srv)
	bystander.bind("s1", "v2", domain.RoleViewer)

	srv.mu.Lock()
	srv.clients[affected] = struct{}{}
	srv.clients[bystander] = struct{}{}
	srv.mu.Unlock()

	srv.NotifyClose("s1", "v1", domain.CloseRelayFault)

	select {
	case data := <-affected.send:
		assert.Contains(t, string(data), `"closed"`)
		assert.Contains(t, string(data), string(domain.CloseRelayFault))
	default:
		t.Fatal("expected a close message for the faulted viewer")
	}
	assert.Empty(t, bystander.send, "other viewers must not see the close")

	// the fixture clients have no real sockets; take them out before the
	// server shuts down
	srv.mu.Lock()
	delete(srv.clients, affected)
	delete(srv.clients, bystander)
	srv.mu.Unlock()
}

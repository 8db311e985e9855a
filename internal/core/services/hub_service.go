package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// streamSession is the hub-side state for one stream. Its mutex serializes
// all signaling transitions for that stream, so concurrent publish attempts
// and viewer churn cannot interleave into an inconsistent state.
type streamSession struct {
	mu sync.Mutex

	state       domain.StreamState
	streamKey   string
	publisher   domain.ConnectionID
	viewers     map[domain.ConnectionID]*domain.Connection
	graceTimer  *time.Timer
	graceActive bool
}

type HubOptions struct {
	GracePeriod time.Duration
	MaxViewers  int
}

// SignalHub drives the publish and join state machines and keeps the
// session registry, relay, presence counter and event bus in agreement.
type SignalHub struct {
	mu       sync.Mutex
	sessions map[domain.StreamID]*streamSession

	streams  ports.StreamRepository
	relay    ports.MediaRelay
	presence ports.PresenceTracker
	chat     ports.ChatService
	bus      ports.EventBus

	gracePeriod time.Duration
	maxViewers  int
	now         func() time.Time
	logger      *zap.SugaredLogger
}

func NewSignalHub(streams ports.StreamRepository, relay ports.MediaRelay, presence ports.PresenceTracker, chat ports.ChatService, bus ports.EventBus, opts HubOptions, logger *zap.SugaredLogger) *SignalHub {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	if opts.MaxViewers <= 0 {
		opts.MaxViewers = 10000
	}
	return &SignalHub{
		sessions:    make(map[domain.StreamID]*streamSession),
		streams:     streams,
		relay:       relay,
		presence:    presence,
		chat:        chat,
		bus:         bus,
		gracePeriod: opts.GracePeriod,
		maxViewers:  opts.MaxViewers,
		now:         time.Now,
		logger:      logger,
	}
}

func (h *SignalHub) CreateStream(ctx context.Context, owner domain.UserID, title, description string) (*domain.Stream, error) {
	stream := &domain.Stream{
		ID:          domain.StreamID(utils.GenerateStreamID()),
		Owner:       owner,
		Title:       title,
		Description: description,
		State:       domain.StreamIdle,
		StreamKey:   utils.GenerateStreamKey(),
		Qualities:   domain.DefaultQualityLayers(),
		CreatedAt:   h.now(),
	}
	if err := h.streams.Create(ctx, stream); err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	h.mu.Lock()
	h.sessions[stream.ID] = &streamSession{
		state:     domain.StreamIdle,
		streamKey: stream.StreamKey,
		viewers:   make(map[domain.ConnectionID]*domain.Connection),
	}
	h.mu.Unlock()

	h.logger.Infow("stream created", "stream_id", stream.ID, "owner", owner)
	return stream, nil
}

// session returns the hub state for a stream, rebuilding it from the
// registry after a restart.
func (h *SignalHub) session(ctx context.Context, streamID domain.StreamID) (*streamSession, error) {
	h.mu.Lock()
	sess, ok := h.sessions[streamID]
	h.mu.Unlock()
	if ok {
		return sess, nil
	}

	stream, err := h.streams.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok = h.sessions[streamID]; ok {
		return sess, nil
	}
	sess = &streamSession{
		state:     stream.State,
		streamKey: stream.StreamKey,
		viewers:   make(map[domain.ConnectionID]*domain.Connection),
	}
	h.sessions[streamID] = sess
	return sess, nil
}

// OpenPublish verifies the stream credential and starts the publisher
// handshake. A publisher inside its reconnect grace window may reattach;
// anyone else while the stream is live gets a conflict.
func (h *SignalHub) OpenPublish(ctx context.Context, streamID domain.StreamID, credential string) (domain.ConnectionID, webrtc.SessionDescription, error) {
	sess, err := h.session(ctx, streamID)
	if err != nil {
		return "", webrtc.SessionDescription{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !utils.SecureCompare(credential, sess.streamKey) {
		return "", webrtc.SessionDescription{}, domain.ErrBadCredential
	}

	switch sess.state {
	case domain.StreamIdle, domain.StreamEnded, domain.StreamError:
	case domain.StreamLive, domain.StreamNegotiating:
		if !sess.graceActive {
			return "", webrtc.SessionDescription{}, domain.ErrPublisherConflict
		}
		// publisher reconnect inside the grace window; the relay swaps
		// the stale peer connection without touching subscribers
		sess.stopGraceLocked()
	}

	connID := domain.ConnectionID(utils.GenerateConnectionID())
	offer, err := h.relay.Attach(ctx, streamID, connID)
	if err != nil {
		h.logger.Errorw("publisher attach failed", "stream_id", streamID, "error", err)
		return "", webrtc.SessionDescription{}, fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}

	prev := sess.state
	sess.state = domain.StreamNegotiating
	sess.publisher = connID
	if uerr := h.setState(ctx, streamID, domain.StreamNegotiating); uerr != nil {
		h.logger.Warnw("failed to persist state", "stream_id", streamID, "state", prev, "error", uerr)
	}

	h.logger.Infow("publish opened", "stream_id", streamID, "connection_id", connID)
	return connID, offer, nil
}

func (h *SignalHub) CompletePublish(ctx context.Context, streamID domain.StreamID, answer webrtc.SessionDescription) error {
	sess, err := h.session(ctx, streamID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state != domain.StreamNegotiating {
		return domain.ErrNegotiationFailed
	}
	if err := h.relay.CompleteAttach(ctx, streamID, answer); err != nil {
		sess.state = domain.StreamError
		_ = h.setState(ctx, streamID, domain.StreamError)
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}

	sess.state = domain.StreamLive
	if err := h.streams.SetLive(ctx, streamID, true, h.now()); err != nil {
		h.logger.Errorw("failed to mark stream live", "stream_id", streamID, "error", err)
	}

	h.publishEvent(ctx, ports.EventStreamStarted, streamID, sess.publisher, nil)
	if _, cerr := h.chat.Send(ctx, streamID, "", "stream started", domain.ChatSystem); cerr != nil {
		h.logger.Warnw("system chat message failed", "stream_id", streamID, "error", cerr)
	}

	h.logger.Infow("stream live", "stream_id", streamID)
	return nil
}

// ClosePublish ends the stream: the relay closes every viewer with a
// stream_ended notice, presence flushes its final count, and the session
// registry records the end time. Idempotent.
func (h *SignalHub) ClosePublish(ctx context.Context, streamID domain.StreamID) error {
	sess, err := h.session(ctx, streamID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == domain.StreamEnded || sess.state == domain.StreamIdle {
		return nil
	}
	sess.stopGraceLocked()

	h.publishEvent(ctx, ports.EventStreamEnded, streamID, sess.publisher, nil)

	if err := h.relay.Detach(ctx, streamID); err != nil {
		h.logger.Warnw("relay detach failed", "stream_id", streamID, "error", err)
	}

	sess.state = domain.StreamEnded
	sess.publisher = ""
	sess.viewers = make(map[domain.ConnectionID]*domain.Connection)

	h.presence.Forget(streamID)
	if err := h.streams.SetLive(ctx, streamID, false, h.now()); err != nil {
		h.logger.Errorw("failed to mark stream ended", "stream_id", streamID, "error", err)
	}

	if _, cerr := h.chat.Send(ctx, streamID, "", "stream ended", domain.ChatSystem); cerr != nil {
		h.logger.Warnw("system chat message failed", "stream_id", streamID, "error", cerr)
	}

	h.logger.Infow("stream ended", "stream_id", streamID)
	return nil
}

// JoinViewer admits a viewer to a live stream and starts its handshake.
func (h *SignalHub) JoinViewer(ctx context.Context, streamID domain.StreamID) (domain.ConnectionID, webrtc.SessionDescription, error) {
	sess, err := h.session(ctx, streamID)
	if err != nil {
		return "", webrtc.SessionDescription{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state != domain.StreamLive {
		return "", webrtc.SessionDescription{}, domain.ErrStreamNotFound
	}
	if h.presence.Count(streamID) >= h.maxViewers {
		return "", webrtc.SessionDescription{}, domain.ErrCapacityReached
	}

	connID := domain.ConnectionID(utils.GenerateConnectionID())
	now := h.now()
	viewer := &domain.Connection{
		ID:        connID,
		StreamID:  streamID,
		Role:      domain.RoleViewer,
		State:     domain.MediaNone,
		CreatedAt: now,
		LastSeen:  now,
	}
	sess.viewers[connID] = viewer

	offer, err := h.relay.Subscribe(ctx, streamID, connID, "")
	if err != nil {
		delete(sess.viewers, connID)
		return "", webrtc.SessionDescription{}, fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	viewer.State = domain.MediaNegotiating

	count := h.presence.Join(streamID)
	h.publishEvent(ctx, ports.EventViewerJoined, streamID, connID, viewerCountPayload(count))

	return connID, offer, nil
}

func (h *SignalHub) CompleteJoin(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, answer webrtc.SessionDescription) error {
	sess, err := h.session(ctx, streamID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	viewer, ok := sess.viewers[connID]
	if !ok || viewer.State != domain.MediaNegotiating {
		return domain.ErrConnectionClosed
	}
	if err := h.relay.CompleteSubscribe(ctx, streamID, connID, answer); err != nil {
		viewer.State = domain.MediaClosed
		if uerr := h.relay.Unsubscribe(ctx, streamID, connID, domain.CloseNegotiation); uerr != nil {
			h.logger.Warnw("unsubscribe after failed handshake", "stream_id", streamID, "connection_id", connID, "error", uerr)
		}
		count := h.presence.Leave(streamID)
		h.publishEvent(ctx, ports.EventViewerLeft, streamID, connID, viewerCountPayload(count))
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	viewer.State = domain.MediaConnected
	return nil
}

// LeaveViewer removes a viewer. Safe to call twice for the same
// connection; the second call is a no-op and the count never goes below
// zero.
func (h *SignalHub) LeaveViewer(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID) error {
	sess, err := h.session(ctx, streamID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	viewer, ok := sess.viewers[connID]
	if !ok || viewer.State == domain.MediaClosed {
		return nil
	}
	viewer.State = domain.MediaClosed
	delete(sess.viewers, connID)

	if err := h.relay.Unsubscribe(ctx, streamID, connID, domain.CloseViewerLeft); err != nil {
		h.logger.Warnw("unsubscribe failed", "stream_id", streamID, "connection_id", connID, "error", err)
	}

	count := h.presence.Leave(streamID)
	h.publishEvent(ctx, ports.EventViewerLeft, streamID, connID, viewerCountPayload(count))
	return nil
}

func (h *SignalHub) ChangeQuality(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, layer string) error {
	sess, err := h.session(ctx, streamID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	viewer, ok := sess.viewers[connID]
	if !ok || viewer.State == domain.MediaClosed {
		sess.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	sess.mu.Unlock()

	if err := h.relay.SetQuality(ctx, streamID, connID, layer); err != nil {
		return err
	}
	h.publishEvent(ctx, ports.EventQualityChange, streamID, connID, json.RawMessage(fmt.Sprintf(`{"layer":%q}`, layer)))
	return nil
}

// HandleDisconnect reacts to a transport drop. Viewers leave immediately.
// A publisher drop arms a grace timer: the stream stays live, and if the
// publisher does not reattach before the timer fires the stream ends.
func (h *SignalHub) HandleDisconnect(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, role domain.ConnectionRole) {
	if role == domain.RoleViewer {
		if err := h.LeaveViewer(ctx, streamID, connID); err != nil {
			h.logger.Warnw("viewer disconnect cleanup failed", "stream_id", streamID, "connection_id", connID, "error", err)
		}
		return
	}

	sess, err := h.session(ctx, streamID)
	if err != nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.publisher != connID || sess.state != domain.StreamLive {
		return
	}
	if sess.graceActive {
		return
	}

	sess.graceActive = true
	sess.graceTimer = time.AfterFunc(h.gracePeriod, func() {
		h.onGraceExpired(streamID, connID)
	})
	h.logger.Infow("publisher disconnected, grace window armed",
		"stream_id", streamID, "connection_id", connID, "grace", h.gracePeriod,
	)
}

func (h *SignalHub) onGraceExpired(streamID domain.StreamID, connID domain.ConnectionID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := h.session(ctx, streamID)
	if err != nil {
		return
	}

	sess.mu.Lock()
	expired := sess.graceActive && sess.publisher == connID
	sess.graceActive = false
	sess.graceTimer = nil
	sess.mu.Unlock()
	if !expired {
		return
	}

	h.logger.Infow("grace window expired, ending stream", "stream_id", streamID)
	if err := h.ClosePublish(ctx, streamID); err != nil {
		h.logger.Errorw("failed to end stream after grace expiry", "stream_id", streamID, "error", err)
	}
}

// RotateKey replaces the stream credential. Only the owner may rotate;
// an active publish keeps running, the new key applies from the next
// publish attempt.
func (h *SignalHub) RotateKey(ctx context.Context, streamID domain.StreamID, owner domain.UserID) (string, error) {
	stream, err := h.streams.GetByID(ctx, streamID)
	if err != nil {
		return "", err
	}
	if stream.Owner != owner {
		return "", domain.ErrBadCredential
	}

	newKey := utils.GenerateStreamKey()
	stream.StreamKey = newKey
	if err := h.streams.Update(ctx, stream); err != nil {
		return "", fmt.Errorf("failed to rotate stream key: %w", err)
	}

	sess, err := h.session(ctx, streamID)
	if err == nil {
		sess.mu.Lock()
		sess.streamKey = newKey
		sess.mu.Unlock()
	}

	h.logger.Infow("stream key rotated", "stream_id", streamID)
	return newKey, nil
}

// StreamState reports the hub's view of a stream, idle when unknown.
func (h *SignalHub) StreamState(streamID domain.StreamID) domain.StreamState {
	h.mu.Lock()
	sess, ok := h.sessions[streamID]
	h.mu.Unlock()
	if !ok {
		return domain.StreamIdle
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state
}

func (h *SignalHub) setState(ctx context.Context, streamID domain.StreamID, state domain.StreamState) error {
	stream, err := h.streams.GetByID(ctx, streamID)
	if err != nil {
		return err
	}
	stream.State = state
	return h.streams.Update(ctx, stream)
}

func (h *SignalHub) publishEvent(ctx context.Context, typ ports.EventType, streamID domain.StreamID, connID domain.ConnectionID, payload json.RawMessage) {
	err := h.bus.Publish(ctx, &ports.Event{
		Type:         typ,
		StreamID:     streamID,
		ConnectionID: connID,
		Timestamp:    h.now(),
		Payload:      payload,
	})
	if err != nil {
		h.logger.Warnw("event publish failed", "type", typ, "stream_id", streamID, "error", err)
	}
}

func viewerCountPayload(count int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"viewer_count":%d}`, count))
}

func (s *streamSession) stopGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.graceActive = false
}

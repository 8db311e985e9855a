package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // locked down by the deployment's ingress
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SignalMessage is the envelope for every client message.
type SignalMessage struct {
	Type     string          `json:"type"`
	StreamID domain.StreamID `json:"stream_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type PublishOpenPayload struct {
	StreamKey string `json:"stream_key"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type ChatPayload struct {
	Author domain.UserID `json:"author"`
	Body   string        `json:"body"`
	Type   string        `json:"type,omitempty"`
}

type QualityPayload struct {
	Layer string `json:"layer"`
}

// client is one websocket session. All writes go through send so the
// writer goroutine preserves ordering; the read loop never writes.
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	streamID domain.StreamID
	connID   domain.ConnectionID
	role     domain.ConnectionRole

	chatLimiter *rate.Limiter
}

func (c *client) bind(streamID domain.StreamID, connID domain.ConnectionID, role domain.ConnectionRole) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamID = streamID
	c.connID = connID
	c.role = role
}

func (c *client) binding() (domain.StreamID, domain.ConnectionID, domain.ConnectionRole) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID, c.connID, c.role
}

type WebSocketServer struct {
	hub  ports.HubService
	chat ports.ChatService
	bus  ports.EventBus

	mu      sync.RWMutex
	clients map[*client]struct{}

	pingInterval  time.Duration
	readTimeout   time.Duration
	writeTimeout  time.Duration
	chatRate      rate.Limit
	chatBurst     int
	historyOnJoin int

	unsubscribe func()
	logger      *zap.SugaredLogger
}

type ServerOptions struct {
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ChatPerSecond float64
	ChatBurst     int
	HistoryOnJoin int
}

func NewWebSocketServer(hub ports.HubService, chat ports.ChatService, bus ports.EventBus, opts ServerOptions, logger *zap.SugaredLogger) *WebSocketServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ChatPerSecond <= 0 {
		opts.ChatPerSecond = 2
	}
	if opts.ChatBurst <= 0 {
		opts.ChatBurst = 5
	}
	if opts.HistoryOnJoin <= 0 {
		opts.HistoryOnJoin = 50
	}

	s := &WebSocketServer{
		hub:           hub,
		chat:          chat,
		bus:           bus,
		clients:       make(map[*client]struct{}),
		pingInterval:  opts.PingInterval,
		readTimeout:   opts.ReadTimeout,
		writeTimeout:  opts.WriteTimeout,
		chatRate:      rate.Limit(opts.ChatPerSecond),
		chatBurst:     opts.ChatBurst,
		historyOnJoin: opts.HistoryOnJoin,
		logger:        logger,
	}
	s.unsubscribe = bus.Subscribe(s.handleEvent)
	return s
}

// Close stops event fan-out and disconnects every client.
func (s *WebSocketServer) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[*client]struct{})
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:        conn,
		send:        make(chan []byte, 64),
		chatLimiter: rate.NewLimiter(s.chatRate, s.chatBurst),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.writeLoop(c)
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	close(c.send)

	// transport dropped without an explicit leave; the hub decides what
	// that means for the role
	streamID, connID, role := c.binding()
	if connID != "" {
		s.hub.HandleDisconnect(context.Background(), streamID, connID, role)
	}
}

func (s *WebSocketServer) readLoop(c *client) {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	for {
		var msg SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("websocket read failed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		if err := s.handleMessage(context.Background(), c, msg); err != nil {
			s.sendError(c, msg.Type, err)
		}
	}
}

func (s *WebSocketServer) writeLoop(c *client) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, msg SignalMessage) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if msg.StreamID == "" {
		return fmt.Errorf("stream_id is required")
	}

	switch msg.Type {
	case "publish_open":
		return s.handlePublishOpen(ctx, c, msg)
	case "publish_answer":
		return s.handlePublishAnswer(ctx, c, msg)
	case "publish_close":
		return s.handlePublishClose(ctx, c, msg)
	case "join":
		return s.handleJoin(ctx, c, msg)
	case "answer":
		return s.handleAnswer(ctx, c, msg)
	case "leave":
		return s.handleLeave(ctx, c, msg)
	case "chat":
		return s.handleChat(ctx, c, msg)
	case "quality":
		return s.handleQuality(ctx, c, msg)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) handlePublishOpen(ctx context.Context, c *client, msg SignalMessage) error {
	var payload PublishOpenPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid publish_open payload: %w", err)
	}

	connID, offer, err := s.hub.OpenPublish(ctx, msg.StreamID, payload.StreamKey)
	if err != nil {
		return err
	}
	c.bind(msg.StreamID, connID, domain.RolePublisher)

	s.sendToClient(c, map[string]interface{}{
		"type":          "offer",
		"stream_id":     msg.StreamID,
		"connection_id": connID,
		"payload":       map[string]string{"sdp": offer.SDP},
	})
	return nil
}

func (s *WebSocketServer) handlePublishAnswer(ctx context.Context, c *client, msg SignalMessage) error {
	var payload AnswerPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid publish_answer payload: %w", err)
	}
	return s.hub.CompletePublish(ctx, msg.StreamID, webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  payload.SDP,
	})
}

// handlePublishClose ends a stream only for the socket that opened the
// publish; anyone else is rejected.
func (s *WebSocketServer) handlePublishClose(ctx context.Context, c *client, msg SignalMessage) error {
	streamID, connID, role := c.binding()
	if connID == "" || role != domain.RolePublisher || streamID != msg.StreamID {
		return domain.ErrBadCredential
	}
	return s.hub.ClosePublish(ctx, msg.StreamID)
}

func (s *WebSocketServer) handleJoin(ctx context.Context, c *client, msg SignalMessage) error {
	connID, offer, err := s.hub.JoinViewer(ctx, msg.StreamID)
	if err != nil {
		return err
	}
	c.bind(msg.StreamID, connID, domain.RoleViewer)

	s.sendToClient(c, map[string]interface{}{
		"type":          "offer",
		"stream_id":     msg.StreamID,
		"connection_id": connID,
		"payload":       map[string]string{"sdp": offer.SDP},
	})

	// recent history so a late joiner has context; failures are not fatal
	if history, herr := s.chat.History(ctx, msg.StreamID, 0, s.historyOnJoin); herr == nil && len(history) > 0 {
		s.sendToClient(c, map[string]interface{}{
			"type":      "chat_history",
			"stream_id": msg.StreamID,
			"payload":   history,
		})
	}
	return nil
}

func (s *WebSocketServer) handleAnswer(ctx context.Context, c *client, msg SignalMessage) error {
	var payload AnswerPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid answer payload: %w", err)
	}
	_, connID, _ := c.binding()
	if connID == "" {
		return fmt.Errorf("no pending join for this connection")
	}
	return s.hub.CompleteJoin(ctx, msg.StreamID, connID, webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  payload.SDP,
	})
}

func (s *WebSocketServer) handleLeave(ctx context.Context, c *client, msg SignalMessage) error {
	_, connID, _ := c.binding()
	if connID == "" {
		return nil
	}
	if err := s.hub.LeaveViewer(ctx, msg.StreamID, connID); err != nil {
		return err
	}
	c.bind("", "", "")
	return nil
}

func (s *WebSocketServer) handleChat(ctx context.Context, c *client, msg SignalMessage) error {
	if !c.chatLimiter.Allow() {
		return fmt.Errorf("chat rate limit exceeded")
	}

	var payload ChatPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid chat payload: %w", err)
	}

	msgType := domain.ChatText
	switch payload.Type {
	case "emote":
		msgType = domain.ChatEmote
	case "donation":
		msgType = domain.ChatDonation
	case "", "text":
	default:
		return fmt.Errorf("unknown chat message type: %s", payload.Type)
	}

	_, err := s.chat.Send(ctx, msg.StreamID, payload.Author, payload.Body, msgType)
	return err
}

func (s *WebSocketServer) handleQuality(ctx context.Context, c *client, msg SignalMessage) error {
	var payload QualityPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid quality payload: %w", err)
	}
	_, connID, _ := c.binding()
	if connID == "" {
		return fmt.Errorf("not subscribed to a stream")
	}
	return s.hub.ChangeQuality(ctx, msg.StreamID, connID, payload.Layer)
}

// handleEvent fans bus events out to the clients watching the stream.
func (s *WebSocketServer) handleEvent(e *ports.Event) {
	var out map[string]interface{}

	switch e.Type {
	case ports.EventChatMessage:
		out = map[string]interface{}{
			"type":      "chat",
			"stream_id": e.StreamID,
			"payload":   e.Payload,
		}
	case ports.EventViewerJoined, ports.EventViewerLeft:
		out = map[string]interface{}{
			"type":      "viewer_count",
			"stream_id": e.StreamID,
			"payload":   e.Payload,
		}
	case ports.EventStreamEnded:
		out = map[string]interface{}{
			"type":      "stream_ended",
			"stream_id": e.StreamID,
			"reason":    string(domain.CloseStreamEnded),
		}
	default:
		return
	}

	data, err := json.Marshal(out)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		streamID, _, _ := c.binding()
		if streamID != e.StreamID {
			continue
		}
		select {
		case c.send <- data:
		default:
			// a viewer that cannot drain its queue loses events, not
			// everyone else's delivery
			s.logger.Warnw("dropping event for slow client", "stream_id", e.StreamID, "type", e.Type)
		}
	}
}

// NotifyClose pushes a typed close reason to the one client bound to the
// connection, so a relay fault is distinguishable from plain network loss.
func (s *WebSocketServer) NotifyClose(streamID domain.StreamID, connID domain.ConnectionID, reason domain.CloseReason) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		_, id, _ := c.binding()
		if id != connID {
			continue
		}
		s.sendToClient(c, map[string]interface{}{
			"type":          "closed",
			"stream_id":     streamID,
			"connection_id": connID,
			"reason":        string(reason),
		})
		return
	}
}

func (s *WebSocketServer) sendToClient(c *client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Errorw("failed to marshal outbound message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		s.logger.Warnw("dropping message for slow client")
	}
}

func (s *WebSocketServer) sendError(c *client, inReplyTo string, err error) {
	s.sendToClient(c, map[string]interface{}{
		"type":        "error",
		"in_reply_to": inReplyTo,
		"error":       err.Error(),
	})
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.uber.org/zap"
)

const maxChatBodyLen = 500

// ChatMessageService appends messages to the per-stream ordered log and
// fans them out through the event bus. The registry assigns the sequence
// number; subscribers must observe messages in sequence order.
type ChatMessageService struct {
	chat    ports.ChatRepository
	streams ports.StreamRepository
	bus     ports.EventBus
	logger  *zap.SugaredLogger

	// serializes append+publish per stream so fan-out order matches the
	// assigned sequence order under concurrent senders
	mu    sync.Mutex
	locks map[domain.StreamID]*sync.Mutex
}

func NewChatMessageService(chat ports.ChatRepository, streams ports.StreamRepository, bus ports.EventBus, logger *zap.SugaredLogger) *ChatMessageService {
	return &ChatMessageService{
		chat:    chat,
		streams: streams,
		bus:     bus,
		logger:  logger,
		locks:   make(map[domain.StreamID]*sync.Mutex),
	}
}

func (s *ChatMessageService) streamLock(streamID domain.StreamID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[streamID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[streamID] = lock
	}
	return lock
}

var _ ports.ChatService = (*ChatMessageService)(nil)

func (s *ChatMessageService) Send(ctx context.Context, streamID domain.StreamID, author domain.UserID, body string, msgType domain.ChatMessageType) (*domain.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("empty chat body")
	}
	if len(body) > maxChatBodyLen {
		cut := maxChatBodyLen
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}

	stream, err := s.streams.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if !stream.IsLive() && msgType != domain.ChatSystem {
		return nil, domain.ErrStreamNotFound
	}

	msg := &domain.ChatMessage{
		StreamID:  streamID,
		Author:    author,
		Body:      body,
		Type:      msgType,
		CreatedAt: time.Now(),
	}

	// append and publish under one per-stream lock: a sender that was
	// assigned sequence n must enqueue its fan-out event before the sender
	// assigned n+1 does
	lock := s.streamLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := s.chat.Append(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to append chat message: %w", err)
	}
	msg.Sequence = seq

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat message: %w", err)
	}
	if err := s.bus.Publish(ctx, &ports.Event{
		Type:      ports.EventChatMessage,
		StreamID:  streamID,
		Timestamp: msg.CreatedAt,
		Payload:   payload,
	}); err != nil {
		// the message is durable; fan-out failure is logged, not surfaced
		s.logger.Warnw("chat fan-out failed",
			"stream_id", streamID, "sequence", seq, "error", err,
		)
	}

	return msg, nil
}

func (s *ChatMessageService) History(ctx context.Context, streamID domain.StreamID, sinceSeq uint64, limit int) ([]*domain.ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	return s.chat.ListSince(ctx, streamID, sinceSeq, limit)
}

func (s *ChatMessageService) Flag(ctx context.Context, streamID domain.StreamID, seq uint64) error {
	return s.chat.Flag(ctx, streamID, seq)
}

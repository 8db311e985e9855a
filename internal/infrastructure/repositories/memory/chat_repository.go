package memory

import (
	"context"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
)

type chatLog struct {
	seq      uint64
	messages []*domain.ChatMessage
}

// ChatRepository is an in-memory ordered chat log. Sequence numbers start
// at 1 and are assigned under the stream's lock, so appends observe a
// total order.
type ChatRepository struct {
	mu   sync.Mutex
	logs map[domain.StreamID]*chatLog
}

func NewChatRepository() *ChatRepository {
	return &ChatRepository{
		logs: make(map[domain.StreamID]*chatLog),
	}
}

var _ ports.ChatRepository = (*ChatRepository)(nil)

func (r *ChatRepository) Append(ctx context.Context, msg *domain.ChatMessage) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log, exists := r.logs[msg.StreamID]
	if !exists {
		log = &chatLog{}
		r.logs[msg.StreamID] = log
	}

	log.seq++
	cp := *msg
	cp.Sequence = log.seq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	log.messages = append(log.messages, &cp)
	return cp.Sequence, nil
}

func (r *ChatRepository) ListSince(ctx context.Context, streamID domain.StreamID, sinceSeq uint64, limit int) ([]*domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log, exists := r.logs[streamID]
	if !exists {
		return nil, nil
	}

	var out []*domain.ChatMessage
	for _, msg := range log.messages {
		if msg.Sequence <= sinceSeq {
			continue
		}
		cp := *msg
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *ChatRepository) Flag(ctx context.Context, streamID domain.StreamID, seq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log, exists := r.logs[streamID]
	if !exists {
		return domain.ErrStreamNotFound
	}
	for _, msg := range log.messages {
		if msg.Sequence == seq {
			msg.Flagged = true
			return nil
		}
	}
	return domain.ErrStreamNotFound
}

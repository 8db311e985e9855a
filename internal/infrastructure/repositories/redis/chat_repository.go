package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// ChatRepository stores each stream's chat as a sorted set scored by
// sequence number. INCR hands out sequence numbers, so ordering holds
// even with several relay instances appending to one stream.
type ChatRepository struct {
	client *redis.Client
	prefix string
}

func NewChatRepository(client *redis.Client) ports.ChatRepository {
	return &ChatRepository{
		client: client,
		prefix: "livecast:chat:",
	}
}

func (r *ChatRepository) seqKey(streamID domain.StreamID) string {
	return r.prefix + string(streamID) + ":seq"
}

func (r *ChatRepository) logKey(streamID domain.StreamID) string {
	return r.prefix + string(streamID) + ":log"
}

func (r *ChatRepository) Append(ctx context.Context, msg *domain.ChatMessage) (uint64, error) {
	seq, err := r.client.Incr(ctx, r.seqKey(msg.StreamID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate chat sequence: %w", err)
	}

	stored := *msg
	stored.Sequence = uint64(seq)
	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal chat message: %w", err)
	}

	if err := r.client.ZAdd(ctx, r.logKey(msg.StreamID), redis.Z{
		Score:  float64(seq),
		Member: string(data),
	}).Err(); err != nil {
		return 0, fmt.Errorf("failed to append chat message: %w", err)
	}
	return uint64(seq), nil
}

func (r *ChatRepository) ListSince(ctx context.Context, streamID domain.StreamID, sinceSeq uint64, limit int) ([]*domain.ChatMessage, error) {
	entries, err := r.client.ZRangeByScore(ctx, r.logKey(streamID), &redis.ZRangeBy{
		Min:   fmt.Sprintf("(%d", sinceSeq),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}

	msgs := make([]*domain.ChatMessage, 0, len(entries))
	for _, entry := range entries {
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chat message: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

func (r *ChatRepository) Flag(ctx context.Context, streamID domain.StreamID, seq uint64) error {
	key := r.logKey(streamID)
	entries, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", seq),
		Max: fmt.Sprintf("%d", seq),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to look up chat message: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("chat message %d not found", seq)
	}

	var msg domain.ChatMessage
	if err := json.Unmarshal([]byte(entries[0]), &msg); err != nil {
		return fmt.Errorf("failed to unmarshal chat message: %w", err)
	}
	msg.Flagged = true

	data, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.ZRem(ctx, key, entries[0])
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(seq), Member: string(data)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flag chat message: %w", err)
	}
	return nil
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// StreamRepository keeps each stream as a JSON blob plus two indexes: a
// set of live stream IDs and a sorted set of recording expiry times, so
// the sweep never scans every stream.
type StreamRepository struct {
	client *redis.Client
	prefix string
}

func NewStreamRepository(client *redis.Client) ports.StreamRepository {
	return &StreamRepository{
		client: client,
		prefix: "livecast:stream:",
	}
}

func (r *StreamRepository) streamKey(id domain.StreamID) string {
	return r.prefix + string(id)
}

func (r *StreamRepository) liveSetKey() string {
	return r.prefix + "live"
}

func (r *StreamRepository) recordingExpiryKey() string {
	return "livecast:recording:expiry"
}

func (r *StreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}
	if err := r.client.Set(ctx, r.streamKey(stream.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set stream in Redis: %w", err)
	}
	return nil
}

func (r *StreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	data, err := r.client.Get(ctx, r.streamKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream from Redis: %w", err)
	}

	var stream domain.Stream
	if err := json.Unmarshal([]byte(data), &stream); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream: %w", err)
	}
	return &stream, nil
}

func (r *StreamRepository) Update(ctx context.Context, stream *domain.Stream) error {
	if _, err := r.GetByID(ctx, stream.ID); err != nil {
		return err
	}

	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.streamKey(stream.ID), data, 0)
	if stream.IsLive() {
		pipe.SAdd(ctx, r.liveSetKey(), string(stream.ID))
	} else {
		pipe.SRem(ctx, r.liveSetKey(), string(stream.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update stream in Redis: %w", err)
	}
	return nil
}

func (r *StreamRepository) SetLive(ctx context.Context, id domain.StreamID, live bool, at time.Time) error {
	stream, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if live {
		stream.State = domain.StreamLive
		stream.StartedAt = &at
		stream.EndedAt = nil
	} else {
		stream.State = domain.StreamEnded
		stream.EndedAt = &at
	}
	return r.Update(ctx, stream)
}

func (r *StreamRepository) SetViewerCount(ctx context.Context, id domain.StreamID, count int) error {
	stream, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	stream.ViewerCount = count
	return r.Update(ctx, stream)
}

func (r *StreamRepository) SetRecording(ctx context.Context, id domain.StreamID, ref *domain.RecordingRef) error {
	stream, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	stream.Recording = ref

	data, merr := json.Marshal(stream)
	if merr != nil {
		return fmt.Errorf("failed to marshal stream: %w", merr)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.streamKey(id), data, 0)
	if ref != nil && ref.Status == domain.RecordingReady {
		pipe.ZAdd(ctx, r.recordingExpiryKey(), redis.Z{
			Score:  float64(ref.ExpiresAt.Unix()),
			Member: string(id),
		})
	} else {
		pipe.ZRem(ctx, r.recordingExpiryKey(), string(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set recording in Redis: %w", err)
	}
	return nil
}

func (r *StreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	ids, err := r.client.SMembers(ctx, r.liveSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list live streams: %w", err)
	}

	streams := make([]*domain.Stream, 0, len(ids))
	for _, id := range ids {
		stream, err := r.GetByID(ctx, domain.StreamID(id))
		if err == domain.ErrStreamNotFound {
			// index entry outlived the stream; self-heal
			r.client.SRem(ctx, r.liveSetKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		streams = append(streams, stream)
	}
	return streams, nil
}

func (r *StreamRepository) ListExpiredRecordings(ctx context.Context, now time.Time) ([]*domain.Stream, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.recordingExpiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query expired recordings: %w", err)
	}

	streams := make([]*domain.Stream, 0, len(ids))
	for _, id := range ids {
		stream, err := r.GetByID(ctx, domain.StreamID(id))
		if err == domain.ErrStreamNotFound {
			r.client.ZRem(ctx, r.recordingExpiryKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		streams = append(streams, stream)
	}
	return streams, nil
}

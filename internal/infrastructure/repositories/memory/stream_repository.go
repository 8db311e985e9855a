package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
)

type StreamRepository struct {
	streams map[domain.StreamID]*domain.Stream
	mu      sync.RWMutex
}

func NewStreamRepository() *StreamRepository {
	return &StreamRepository{
		streams: make(map[domain.StreamID]*domain.Stream),
	}
}

var _ ports.StreamRepository = (*StreamRepository)(nil)

func (r *StreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[stream.ID]; exists {
		return fmt.Errorf("stream already exists: %s", stream.ID)
	}

	r.streams[stream.ID] = cloneStream(stream)
	return nil
}

func (r *StreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, exists := r.streams[id]
	if !exists {
		return nil, domain.ErrStreamNotFound
	}
	return cloneStream(stream), nil
}

func (r *StreamRepository) Update(ctx context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[stream.ID]; !exists {
		return domain.ErrStreamNotFound
	}
	r.streams[stream.ID] = cloneStream(stream)
	return nil
}

func (r *StreamRepository) SetLive(ctx context.Context, id domain.StreamID, live bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, exists := r.streams[id]
	if !exists {
		return domain.ErrStreamNotFound
	}

	if live {
		stream.State = domain.StreamLive
		stream.StartedAt = &at
		stream.EndedAt = nil
	} else {
		stream.State = domain.StreamEnded
		stream.EndedAt = &at
	}
	return nil
}

func (r *StreamRepository) SetViewerCount(ctx context.Context, id domain.StreamID, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, exists := r.streams[id]
	if !exists {
		return domain.ErrStreamNotFound
	}
	stream.ViewerCount = count
	return nil
}

func (r *StreamRepository) SetRecording(ctx context.Context, id domain.StreamID, ref *domain.RecordingRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, exists := r.streams[id]
	if !exists {
		return domain.ErrStreamNotFound
	}
	if ref == nil {
		stream.Recording = nil
	} else {
		cp := *ref
		stream.Recording = &cp
	}
	return nil
}

func (r *StreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var live []*domain.Stream
	for _, stream := range r.streams {
		if stream.IsLive() {
			live = append(live, cloneStream(stream))
		}
	}
	return live, nil
}

func (r *StreamRepository) ListExpiredRecordings(ctx context.Context, now time.Time) ([]*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []*domain.Stream
	for _, stream := range r.streams {
		if stream.Recording != nil &&
			stream.Recording.Status == domain.RecordingReady &&
			stream.Recording.ExpiresAt.Before(now) {
			expired = append(expired, cloneStream(stream))
		}
	}
	return expired, nil
}

func cloneStream(s *domain.Stream) *domain.Stream {
	cp := *s
	if s.Recording != nil {
		rec := *s.Recording
		cp.Recording = &rec
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	cp.Qualities = append([]domain.QualityLayer(nil), s.Qualities...)
	return &cp
}

package services

import (
	"context"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.uber.org/zap"
)

// PresenceService keeps the authoritative in-memory viewer counter per
// stream and persists lagging snapshots on a debounced schedule. The
// in-memory value is what real-time surfaces read; the persisted value
// exists for durability and cross-instance visibility.
type PresenceService struct {
	streams       ports.StreamRepository
	flushInterval time.Duration
	logger        *zap.SugaredLogger

	mu     sync.Mutex
	counts map[domain.StreamID]int
	dirty  map[domain.StreamID]struct{}
}

func NewPresenceService(streams ports.StreamRepository, flushInterval time.Duration, logger *zap.SugaredLogger) *PresenceService {
	return &PresenceService{
		streams:       streams,
		flushInterval: flushInterval,
		logger:        logger,
		counts:        make(map[domain.StreamID]int),
		dirty:         make(map[domain.StreamID]struct{}),
	}
}

// Join increments the counter and returns the new count.
func (p *PresenceService) Join(streamID domain.StreamID) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counts[streamID]++
	p.dirty[streamID] = struct{}{}
	return p.counts[streamID]
}

// Leave decrements the counter and returns the new count. A decrement
// below zero is clamped and logged: it means a double-leave upstream, not
// a legitimate state.
func (p *PresenceService) Leave(streamID domain.StreamID) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.counts[streamID]
	if c <= 0 {
		p.logger.Warnw("viewer count decrement below zero clamped",
			"stream_id", streamID,
		)
		p.counts[streamID] = 0
		return 0
	}
	p.counts[streamID] = c - 1
	p.dirty[streamID] = struct{}{}
	return c - 1
}

// Count returns the live in-memory count.
func (p *PresenceService) Count(streamID domain.StreamID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[streamID]
}

// Forget drops the counter after a stream ends, flushing a final zero.
func (p *PresenceService) Forget(streamID domain.StreamID) {
	p.mu.Lock()
	delete(p.counts, streamID)
	delete(p.dirty, streamID)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.streams.SetViewerCount(ctx, streamID, 0); err != nil {
		p.logger.Warnw("failed to persist final viewer count",
			"stream_id", streamID, "error", err,
		)
	}
}

// Run flushes dirty counters until ctx is cancelled.
func (p *PresenceService) Run(ctx context.Context) {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Flush(context.Background())
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush persists every dirty counter. Persistence is best effort; a failed
// write leaves the stream dirty for the next cycle.
func (p *PresenceService) Flush(ctx context.Context) {
	p.mu.Lock()
	pending := make(map[domain.StreamID]int, len(p.dirty))
	for id := range p.dirty {
		pending[id] = p.counts[id]
		delete(p.dirty, id)
	}
	p.mu.Unlock()

	for id, count := range pending {
		if err := p.streams.SetViewerCount(ctx, id, count); err != nil {
			p.logger.Warnw("viewer count flush failed",
				"stream_id", id, "count", count, "error", err,
			)
			p.mu.Lock()
			p.dirty[id] = struct{}{}
			p.mu.Unlock()
		}
	}
}

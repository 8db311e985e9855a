package services

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/circuitbreaker"
	"livecast/pkg/retry"

	"go.uber.org/zap"
)

// sessionBuffer accumulates relay tap chunks in memory until finalize.
// The buffer is bounded: once maxBytes is exceeded the session is marked
// failed and further writes are dropped, so a runaway stream cannot take
// the process down with it.
type sessionBuffer struct {
	mu       sync.Mutex
	chunks   [][]byte
	rec      domain.Recording
	maxBytes int64
	failed   bool
	closed   bool
}

func (b *sessionBuffer) WriteChunk(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.failed {
		return nil
	}
	if b.maxBytes > 0 && b.rec.Bytes+int64(len(data)) > b.maxBytes {
		b.failed = true
		b.rec.Status = domain.RecordingFailed
		b.chunks = nil
		return fmt.Errorf("recording buffer limit exceeded: %w", domain.ErrStorageFault)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	b.chunks = append(b.chunks, buf)
	b.rec.Chunks++
	b.rec.Bytes += int64(len(data))
	return nil
}

func (b *sessionBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if !b.failed {
		b.rec.Status = domain.RecordingFinalizing
	}
	return nil
}

// snapshot copies the session's bookkeeping for outside readers.
func (b *sessionBuffer) snapshot() domain.Recording {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec
}

// drain returns the concatenated payload and releases the chunk slices.
func (b *sessionBuffer) drain() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failed {
		return nil, false
	}
	var out bytes.Buffer
	out.Grow(int(b.rec.Bytes))
	for _, c := range b.chunks {
		out.Write(c)
	}
	b.chunks = nil
	return out.Bytes(), true
}

// RecordingPipeline taps live streams through the relay, buffers media for
// the duration of the publish, and uploads one immutable object on stop.
type RecordingPipeline struct {
	mu       sync.Mutex
	sessions map[domain.StreamID]*sessionBuffer

	relay          ports.MediaRelay
	storage        ports.BlobStorage
	streams        ports.StreamRepository
	bus            ports.EventBus
	breaker        *circuitbreaker.CircuitBreaker
	retention      time.Duration
	maxBufferBytes int64
	uploadRetry    retry.Config
	sweepInterval  time.Duration
	now            func() time.Time
	logger         *zap.SugaredLogger
}

type RecordingOptions struct {
	Retention      time.Duration
	MaxBufferBytes int64
	UploadAttempts int
	SweepInterval  time.Duration
}

func NewRecordingPipeline(relay ports.MediaRelay, storage ports.BlobStorage, streams ports.StreamRepository, bus ports.EventBus, opts RecordingOptions, logger *zap.SugaredLogger) *RecordingPipeline {
	if opts.Retention <= 0 {
		opts.Retention = 6 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	uploadRetry := retry.DefaultConfig()
	if opts.UploadAttempts > 0 {
		uploadRetry.MaxAttempts = opts.UploadAttempts
	}
	return &RecordingPipeline{
		sessions:       make(map[domain.StreamID]*sessionBuffer),
		relay:          relay,
		storage:        storage,
		streams:        streams,
		bus:            bus,
		breaker:        circuitbreaker.New(circuitbreaker.DefaultConfig()),
		retention:      opts.Retention,
		maxBufferBytes: opts.MaxBufferBytes,
		uploadRetry:    uploadRetry,
		sweepInterval:  opts.SweepInterval,
		now:            time.Now,
		logger:         logger,
	}
}

// Start begins capturing a live stream. Idempotent per stream; a second
// Start while a session is active is a no-op.
func (r *RecordingPipeline) Start(ctx context.Context, streamID domain.StreamID) error {
	r.mu.Lock()
	if _, ok := r.sessions[streamID]; ok {
		r.mu.Unlock()
		return nil
	}
	buf := &sessionBuffer{
		maxBytes: r.maxBufferBytes,
		rec: domain.Recording{
			StreamID:  streamID,
			Status:    domain.RecordingActive,
			StartedAt: r.now(),
		},
	}
	r.sessions[streamID] = buf
	r.mu.Unlock()

	if err := r.relay.AddSink(streamID, buf); err != nil {
		r.mu.Lock()
		delete(r.sessions, streamID)
		r.mu.Unlock()
		return fmt.Errorf("failed to attach recording sink: %w", err)
	}

	r.logger.Infow("recording started", "stream_id", streamID)
	return nil
}

// Finalize stops capture and uploads the buffered media as a single
// object. Upload failures after retries mark the recording failed; an
// empty capture leaves the stream without a recording reference.
func (r *RecordingPipeline) Finalize(ctx context.Context, streamID domain.StreamID) error {
	r.mu.Lock()
	buf, ok := r.sessions[streamID]
	delete(r.sessions, streamID)
	r.mu.Unlock()
	if !ok {
		return domain.ErrRecordingNotFound
	}

	r.relay.RemoveSink(streamID)
	buf.Close()

	data, ok := buf.drain()
	if !ok {
		r.logger.Warnw("recording discarded, buffer overflowed", "stream_id", streamID)
		return r.markFailed(ctx, streamID)
	}
	if len(data) == 0 {
		// Nothing captured, nothing failed. The stream keeps no
		// recording reference at all.
		r.logger.Infow("recording empty, skipping upload", "stream_id", streamID)
		return nil
	}

	objectName := fmt.Sprintf("recordings/%s/%d.webm", streamID, buf.snapshot().StartedAt.Unix())
	err := retry.Do(ctx, r.uploadRetry, func() error {
		return r.breaker.Execute(func() error {
			return r.storage.Put(ctx, objectName, bytes.NewReader(data), int64(len(data)), "video/webm")
		})
	})
	if err != nil {
		r.logger.Errorw("recording upload failed",
			"stream_id", streamID, "object", objectName, "bytes", len(data), "error", err,
		)
		if ferr := r.markFailed(ctx, streamID); ferr != nil {
			return ferr
		}
		return fmt.Errorf("%w: %v", domain.ErrStorageFault, err)
	}

	expiresAt := r.now().Add(r.retention)
	ref := &domain.RecordingRef{
		ObjectName: objectName,
		ExpiresAt:  expiresAt,
		Status:     domain.RecordingReady,
	}
	if err := r.streams.SetRecording(ctx, streamID, ref); err != nil {
		return fmt.Errorf("failed to record upload result: %w", err)
	}
	r.publishOutcome(ctx, ports.EventRecordingReady, streamID)

	r.logger.Infow("recording finalized",
		"stream_id", streamID, "object", objectName, "bytes", len(data), "expires_at", expiresAt,
	)
	return nil
}

func (r *RecordingPipeline) markFailed(ctx context.Context, streamID domain.StreamID) error {
	r.publishOutcome(ctx, ports.EventRecordingFailed, streamID)
	return r.streams.SetRecording(ctx, streamID, &domain.RecordingRef{Status: domain.RecordingFailed})
}

func (r *RecordingPipeline) publishOutcome(ctx context.Context, et ports.EventType, streamID domain.StreamID) {
	if r.bus == nil {
		return
	}
	err := r.bus.Publish(ctx, &ports.Event{
		Type:      et,
		StreamID:  streamID,
		Timestamp: r.now(),
	})
	if err != nil {
		r.logger.Warnw("recording event publish failed", "stream_id", streamID, "event", et, "error", err)
	}
}

// ActiveRecording reports the in-progress capture for a stream.
func (r *RecordingPipeline) ActiveRecording(streamID domain.StreamID) (domain.Recording, error) {
	r.mu.Lock()
	buf, ok := r.sessions[streamID]
	r.mu.Unlock()
	if !ok {
		return domain.Recording{}, domain.ErrRecordingNotFound
	}
	return buf.snapshot(), nil
}

// RetrievalURL returns a time-bounded URL for a ready recording. The URL
// never outlives the recording's own expiry.
func (r *RecordingPipeline) RetrievalURL(ctx context.Context, streamID domain.StreamID) (string, error) {
	stream, err := r.streams.GetByID(ctx, streamID)
	if err != nil {
		return "", err
	}
	rec := stream.Recording
	if rec == nil || rec.Status != domain.RecordingReady {
		return "", domain.ErrRecordingNotFound
	}
	remaining := rec.ExpiresAt.Sub(r.now())
	if remaining <= 0 {
		return "", domain.ErrRecordingNotFound
	}

	url, err := r.storage.PresignedURL(ctx, rec.ObjectName, remaining)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStorageFault, err)
	}
	return url, nil
}

// Sweep deletes expired recording objects and clears their stream refs.
// Returns the number of recordings removed.
func (r *RecordingPipeline) Sweep(ctx context.Context) (int, error) {
	expired, err := r.streams.ListExpiredRecordings(ctx, r.now())
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, stream := range expired {
		if stream.Recording == nil {
			continue
		}
		if err := r.storage.Delete(ctx, stream.Recording.ObjectName); err != nil {
			r.logger.Warnw("failed to delete expired recording, will retry next sweep",
				"stream_id", stream.ID, "object", stream.Recording.ObjectName, "error", err,
			)
			continue
		}
		if err := r.streams.SetRecording(ctx, stream.ID, nil); err != nil {
			r.logger.Warnw("failed to clear recording ref", "stream_id", stream.ID, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		r.logger.Infow("recording sweep complete", "removed", removed)
	}
	return removed, nil
}

// Run sweeps expired recordings on a fixed interval until ctx is cancelled.
func (r *RecordingPipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Errorw("recording sweep failed", "error", err)
			}
		}
	}
}

// HandleEvent wires the pipeline to stream lifecycle events so recording
// starts and stops follow the publisher automatically.
func (r *RecordingPipeline) HandleEvent(e *ports.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch e.Type {
	case ports.EventStreamStarted:
		if err := r.Start(ctx, e.StreamID); err != nil {
			r.logger.Errorw("failed to start recording", "stream_id", e.StreamID, "error", err)
		}
	case ports.EventStreamEnded:
		if err := r.Finalize(ctx, e.StreamID); err != nil && err != domain.ErrRecordingNotFound {
			r.logger.Errorw("failed to finalize recording", "stream_id", e.StreamID, "error", err)
		}
	}
}

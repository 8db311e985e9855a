package ports

import (
	"context"
	"io"
	"time"

	"livecast/internal/core/domain"
)

// StreamRepository is the narrow contract against the session registry.
type StreamRepository interface {
	Create(ctx context.Context, stream *domain.Stream) error
	GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	Update(ctx context.Context, stream *domain.Stream) error
	SetLive(ctx context.Context, id domain.StreamID, live bool, at time.Time) error
	SetViewerCount(ctx context.Context, id domain.StreamID, count int) error
	SetRecording(ctx context.Context, id domain.StreamID, ref *domain.RecordingRef) error
	ListLive(ctx context.Context) ([]*domain.Stream, error)
	ListExpiredRecordings(ctx context.Context, now time.Time) ([]*domain.Stream, error)
}

// ChatRepository is an append-only ordered log per stream. Append assigns
// the sequence number; readers page by sequence, not time.
type ChatRepository interface {
	Append(ctx context.Context, msg *domain.ChatMessage) (uint64, error)
	ListSince(ctx context.Context, streamID domain.StreamID, sinceSeq uint64, limit int) ([]*domain.ChatMessage, error)
	Flag(ctx context.Context, streamID domain.StreamID, seq uint64) error
}

// BlobStorage persists finalized recordings. PresignedURL returns a
// retrieval URL valid for at most expiry.
type BlobStorage interface {
	Put(ctx context.Context, objectName string, data io.Reader, size int64, contentType string) error
	Get(ctx context.Context, objectName string) (io.ReadCloser, error)
	Delete(ctx context.Context, objectName string) error
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

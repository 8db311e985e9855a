package domain

import "time"

type RecordingStatus string

const (
	RecordingActive     RecordingStatus = "active"
	RecordingFinalizing RecordingStatus = "finalizing"
	RecordingReady      RecordingStatus = "ready"
	RecordingFailed     RecordingStatus = "failed"
)

// Recording accumulates encoded chunks for one publish-to-stop interval
// and becomes a single immutable blob on finalize.
type Recording struct {
	StreamID   StreamID
	ObjectName string
	Status     RecordingStatus
	Chunks     int
	Bytes      int64
	StartedAt  time.Time
	EndedAt    *time.Time
	ExpiresAt  *time.Time
}

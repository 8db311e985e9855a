package domain

import "time"

type ChatMessageType string

const (
	ChatText     ChatMessageType = "text"
	ChatEmote    ChatMessageType = "emote"
	ChatDonation ChatMessageType = "donation"
	ChatSystem   ChatMessageType = "system"
)

// ChatMessage is immutable once appended. Sequence is assigned by the
// registry and totally orders messages within a stream; wall clocks are
// informational only.
type ChatMessage struct {
	StreamID  StreamID
	Sequence  uint64
	Author    UserID
	Body      string
	Type      ChatMessageType
	Flagged   bool
	CreatedAt time.Time
}

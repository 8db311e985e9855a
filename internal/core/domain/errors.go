package domain

import "errors"

var (
	ErrBadCredential     = errors.New("bad stream credential")
	ErrPublisherConflict = errors.New("publisher already attached")
	ErrStreamNotFound    = errors.New("stream not found")
	ErrNegotiationFailed = errors.New("handshake negotiation failed")
	ErrRelayFault        = errors.New("relay forwarding fault")
	ErrStorageFault      = errors.New("recording storage fault")
	ErrCapacityReached   = errors.New("capacity reached")
	ErrRecordingNotFound = errors.New("recording not found")
	ErrConnectionClosed  = errors.New("connection closed")
)

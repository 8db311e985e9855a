package utils

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"github.com/google/uuid"
)

// GenerateStreamID generates a unique stream ID.
func GenerateStreamID() string {
	return "stream_" + uuid.NewString()
}

// GenerateConnectionID generates a unique connection ID.
func GenerateConnectionID() string {
	return "conn_" + uuid.NewString()
}

// GenerateStreamKey generates an opaque publish credential. 16 random
// bytes hex-encoded; compared only through SecureCompare.
func GenerateStreamKey() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b)
}

// SecureCompare compares credentials in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

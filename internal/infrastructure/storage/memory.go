package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"livecast/internal/core/domain"
)

// MemoryStorage keeps blobs in a map. Used in tests and in dev mode when
// no object store is configured.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (s *MemoryStorage) Put(ctx context.Context, objectName string, data io.Reader, size int64, contentType string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectName] = buf
	return nil
}

func (s *MemoryStorage) Get(ctx context.Context, objectName string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.objects[objectName]
	if !ok {
		return nil, domain.ErrRecordingNotFound
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (s *MemoryStorage) Delete(ctx context.Context, objectName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectName)
	return nil
}

func (s *MemoryStorage) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[objectName]; !ok {
		return "", domain.ErrRecordingNotFound
	}
	return fmt.Sprintf("memory://%s?expires_in=%d", objectName, int(expiry.Seconds())), nil
}

// Len reports the number of stored objects.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

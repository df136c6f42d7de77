package objectstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore provides an in-memory implementation for development and
// testing. Presigned URLs point at a non-routable host; tests only
// assert on their presence and shape.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]struct{}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]struct{})}
}

// Exists reports whether Put has been called for the key.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// PresignPut returns a fake signed URL carrying the key and expiry.
func (s *MemoryStore) PresignPut(_ context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://memory.invalid/%s?X-Expires=%d", key, int64(expiry.Seconds())), nil
}

// Put marks an object as present, simulating a completed upload.
func (s *MemoryStore) Put(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = struct{}{}
}

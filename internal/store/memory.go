package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory maps. It is used in
// tests and single-process development setups.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	expiry map[string]time.Time
	now    func() time.Time
}

// NewMemory creates a new in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (s *MemoryStore) expired(key string) bool {
	exp, ok := s.expiry[key]
	return ok && s.now().After(exp)
}

// Get returns the value for key, or nil if absent or expired.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.expired(key) {
		return nil, nil
	}
	val, ok := s.values[key]
	if !ok {
		return nil, nil
	}
	// Return a copy to prevent mutation
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Put stores a value. A ttl of zero means no expiration.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored

	if ttl > 0 {
		s.expiry[key] = s.now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

// Delete removes a key. Absent keys are a no-op.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.expiry, key)
	return nil
}

// List returns all live keys with the given prefix.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.values {
		if strings.HasPrefix(k, prefix) && !s.expired(k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Package memory provides an in-memory persistence medium used for tests and
// ephemeral environments. It enforces an optional byte quota so the eviction
// ladder can be exercised without a real backend.
package memory

import (
	"context"
	"fmt"
	"sync"

	"groovecore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Medium = (*Store)(nil)

// Store is a quota-aware in-memory key-value medium.
type Store struct {
	mu     sync.Mutex
	data   map[string][]byte
	quota  int // max total bytes across values; 0 disables the limit
	stored int
}

// NewStore constructs a medium. quotaBytes <= 0 disables the quota.
func NewStore(quotaBytes int) *Store {
	return &Store{data: make(map[string][]byte), quota: quotaBytes}
}

// Get returns the bytes stored under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores value under key, wrapping domain.ErrQuotaExceeded when the
// write would push the store past its byte quota.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.stored - len(s.data[key]) + len(value)
	if s.quota > 0 && next > s.quota {
		return fmt.Errorf("write %q (%d bytes over %d): %w", key, next-s.quota, s.quota, domain.ErrQuotaExceeded)
	}
	s.stored = next
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Remove deletes key; absent keys are a no-op.
func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored -= len(s.data[key])
	delete(s.data, key)
	return nil
}

// Keys enumerates every stored key.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out, nil
}

// StoredBytes reports the current total payload size (diagnostics).
func (s *Store) StoredBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored
}

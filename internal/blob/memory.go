package blob

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process development.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.blobs[clean] = buf
	s.mu.Unlock()
	return clean, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.blobs[clean]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	clean, err := sanitizeKey(prefix)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(prefix, "/") {
		clean += "/"
	}

	s.mu.RLock()
	var keys []string
	for key := range s.blobs {
		if strings.HasPrefix(key, clean) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	clean, err := sanitizeKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.blobs, clean)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

var _ Store = (*MemoryStore)(nil)

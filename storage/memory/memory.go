// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"fmt"
	"sync"

	"github.com/brokerportal/sessionguard/storage"
)

// Store is a thread-safe in-memory storage.Store. It backs session-scoped
// storage, which does not outlive the process, and tests.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{data: make(map[string]string)}
}

func (s *Store) Get(slot string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[slot]
	if !ok {
		return "", fmt.Errorf("%s: %w", slot, storage.ErrNotFound)
	}
	return v, nil
}

func (s *Store) Put(slot, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[slot] = value
	return nil
}

func (s *Store) Delete(slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, slot)
	return nil
}

// Len returns the number of occupied slots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

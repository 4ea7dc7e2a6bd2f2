// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/joynr/storage"
)

var _ storage.RoutingStore = (*Store)(nil)

// Store is an in-memory routing store, mostly useful in tests and for
// runtimes that do not need to survive restarts.
type Store struct {
	mu     sync.RWMutex
	data   map[string]storage.Entry
	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		data: make(map[string]storage.Entry),
	}
}

// Save persists an entry.
func (s *Store) Save(_ context.Context, e storage.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	s.data[e.ParticipantID] = e
	return nil
}

// Delete removes an entry.
func (s *Store) Delete(_ context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	delete(s.data, participantID)
	return nil
}

// Get retrieves an entry by participant id.
func (s *Store) Get(_ context.Context, participantID string) (storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[participantID]
	if !ok {
		return storage.Entry{}, storage.ErrNotFound
	}
	return e, nil
}

// List returns all entries.
func (s *Store) List(_ context.Context) ([]storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]storage.Entry, 0, len(s.data))
	for _, e := range s.data {
		result = append(result, e)
	}
	return result, nil
}

// Close marks the store closed (no resources to release).
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

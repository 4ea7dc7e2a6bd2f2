// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.RoutingStore = (*Store)(nil)

const keyPrefix = "route:"

// Store persists routing entries in BadgerDB. Non-sticky entries carry a TTL
// matching their expiry date so Badger drops them on its own once they are
// stale. Sticky entries are kept until deleted.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string // Directory for BadgerDB data
	SyncWrites bool
	GCInterval time.Duration
}

// New opens a BadgerDB-backed routing store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 5 * time.Minute
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC(cfg.GCInterval)

	return s, nil
}

// Save persists an entry.
func (s *Store) Save(_ context.Context, e storage.Entry) error {
	rec, err := storage.ToRecord(e)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(keyPrefix+e.ParticipantID), data)
		if !e.Sticky && e.ExpiryDate != message.NoExpiry {
			ttl := time.Until(time.UnixMilli(e.ExpiryDate))
			if ttl <= 0 {
				return txn.Delete([]byte(keyPrefix + e.ParticipantID))
			}
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Delete removes an entry.
func (s *Store) Delete(_ context.Context, participantID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + participantID))
	})
}

// Get retrieves an entry by participant id.
func (s *Store) Get(_ context.Context, participantID string) (storage.Entry, error) {
	var rec storage.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + participantID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return storage.Entry{}, err
	}
	return storage.FromRecord(rec)
}

// List returns all entries that have not expired yet.
func (s *Store) List(_ context.Context) ([]storage.Entry, error) {
	var entries []storage.Entry

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec storage.Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				e, err := storage.FromRecord(rec)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return entries, err
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

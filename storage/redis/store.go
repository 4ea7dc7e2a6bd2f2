// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a Redis-backed routing store, so several runtimes
// can share what they learned about participant addresses.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/joynr/storage"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

var _ storage.RoutingStore = (*Store)(nil)

// Store keeps all routing entries in one Redis hash:
//
//	{prefix}routes -> HASH participantID => msgpack(storage.Record)
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	log       *slog.Logger
}

// Config configures the Redis store.
type Config struct {
	// Addr is the Redis server address (default: "localhost:6379").
	Addr string

	// Addrs is a list of addresses for cluster mode.
	Addrs []string

	// Password for authentication.
	Password string

	// DB is the database number (ignored in cluster mode).
	DB int

	// KeyPrefix is prepended to all keys (default: "joynr:").
	KeyPrefix string

	// Client allows providing a pre-configured Redis client.
	Client redis.UniversalClient

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// New creates a Redis-backed routing store and checks connectivity.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Addr == "" && len(cfg.Addrs) == 0 && cfg.Client == nil {
		cfg.Addr = "localhost:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "joynr:"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var client redis.UniversalClient
	switch {
	case cfg.Client != nil:
		client = cfg.Client
	case len(cfg.Addrs) > 0:
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addrs,
			Password: cfg.Password,
		})
	default:
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := &Store{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		log:       cfg.Logger,
	}
	s.log.Info("redis routing store started", slog.String("prefix", cfg.KeyPrefix))

	return s, nil
}

func (s *Store) routesKey() string {
	return s.keyPrefix + "routes"
}

// Save persists an entry.
func (s *Store) Save(ctx context.Context, e storage.Entry) error {
	rec, err := storage.ToRecord(e)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.routesKey(), e.ParticipantID, data).Err()
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, participantID string) error {
	return s.client.HDel(ctx, s.routesKey(), participantID).Err()
}

// Get retrieves an entry by participant id.
func (s *Store) Get(ctx context.Context, participantID string) (storage.Entry, error) {
	data, err := s.client.HGet(ctx, s.routesKey(), participantID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return storage.Entry{}, storage.ErrNotFound
		}
		return storage.Entry{}, err
	}
	return decode(data)
}

// List returns all entries that have not expired yet. Expired ones are
// removed from the hash on the way.
func (s *Store) List(ctx context.Context) ([]storage.Entry, error) {
	all, err := s.client.HGetAll(ctx, s.routesKey()).Result()
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	entries := make([]storage.Entry, 0, len(all))
	var stale []string
	for id, raw := range all {
		e, err := decode([]byte(raw))
		if err != nil {
			s.log.Warn("skipping undecodable routing entry",
				slog.String("participant_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if !e.Sticky && now > e.ExpiryDate {
			stale = append(stale, id)
			continue
		}
		entries = append(entries, e)
	}

	if len(stale) > 0 {
		if err := s.client.HDel(ctx, s.routesKey(), stale...).Err(); err != nil {
			s.log.Warn("failed to remove expired routing entries", slog.String("error", err.Error()))
		}
	}

	return entries, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(data []byte) (storage.Entry, error) {
	var rec storage.Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return storage.Entry{}, err
	}
	return storage.FromRecord(rec)
}

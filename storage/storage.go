// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage persists routing table entries so a restarted runtime
// can still reach participants it learned about earlier.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/joynr/address"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// RoutingStore persists routing entries keyed by participant id.
type RoutingStore interface {
	// Save inserts or replaces the entry of e.ParticipantID.
	Save(ctx context.Context, e Entry) error

	// Delete removes the entry of participantID. Deleting a missing entry is not an error.
	Delete(ctx context.Context, participantID string) error

	// Get returns the entry of participantID or ErrNotFound.
	Get(ctx context.Context, participantID string) (Entry, error)

	// List returns all stored entries.
	List(ctx context.Context) ([]Entry, error)

	// Close releases the backend.
	Close() error
}

// Entry is a persisted routing entry.
type Entry struct {
	ParticipantID   string
	Address         address.Address
	GloballyVisible bool
	ExpiryDate      int64 // epoch milliseconds, grace period included
	Sticky          bool
}

// Record is the serialized form of an Entry. The address is kept in its
// JSON wire form so every backend shares one address encoding.
type Record struct {
	ParticipantID   string          `json:"participant_id" msgpack:"id"`
	Address         json.RawMessage `json:"address" msgpack:"a"`
	GloballyVisible bool            `json:"globally_visible" msgpack:"v"`
	ExpiryDate      int64           `json:"expiry_date" msgpack:"e"`
	Sticky          bool            `json:"sticky" msgpack:"s"`
}

// ToRecord converts e to its serialized form. Addresses that only exist in
// memory (in-process) fail with address.ErrNotSerializable.
func ToRecord(e Entry) (Record, error) {
	data, err := address.Marshal(e.Address)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ParticipantID:   e.ParticipantID,
		Address:         data,
		GloballyVisible: e.GloballyVisible,
		ExpiryDate:      e.ExpiryDate,
		Sticky:          e.Sticky,
	}, nil
}

// FromRecord converts a serialized record back into an Entry.
func FromRecord(r Record) (Entry, error) {
	addr, err := address.Unmarshal(r.Address)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %s: %w", r.ParticipantID, err)
	}
	return Entry{
		ParticipantID:   r.ParticipantID,
		Address:         addr,
		GloballyVisible: r.GloballyVisible,
		ExpiryDate:      r.ExpiryDate,
		Sticky:          r.Sticky,
	}, nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package messaging defines the transport stubs the router hands messages
// to, and the registry selecting a stub for an address.
package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
)

// Stub transmits messages to one address. Transmit must not block on the
// network; it invokes exactly one of onSuccess or onFailure, at most once,
// from any goroutine.
type Stub interface {
	Transmit(ctx context.Context, msg *message.Message, onSuccess func(), onFailure func(error))
}

// StubFactory creates stubs for addresses of one kind.
type StubFactory interface {
	Create(addr address.Address) (Stub, error)
}

// StubFactoryFunc adapts a function to StubFactory.
type StubFactoryFunc func(addr address.Address) (Stub, error)

func (f StubFactoryFunc) Create(addr address.Address) (Stub, error) {
	return f(addr)
}

// MulticastSkeleton receives multicasts from a transport. Subscriptions are
// reference counted by the implementation.
type MulticastSkeleton interface {
	RegisterMulticastSubscription(multicastID string) error
	UnregisterMulticastSubscription(multicastID string) error
}

var _ StubFactory = (*Registry)(nil)

// Registry dispatches stub creation to the factory registered for the
// address kind, and keeps the multicast skeletons of each transport.
type Registry struct {
	mu        sync.RWMutex
	factories map[address.Kind]StubFactory
	skeletons map[address.Kind]MulticastSkeleton
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[address.Kind]StubFactory),
		skeletons: make(map[address.Kind]MulticastSkeleton),
	}
}

// Register sets the factory for kind, replacing any previous one.
func (r *Registry) Register(kind address.Kind, f StubFactory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

// RegisterSkeleton sets the multicast skeleton for kind.
func (r *Registry) RegisterSkeleton(kind address.Kind, s MulticastSkeleton) {
	r.mu.Lock()
	r.skeletons[kind] = s
	r.mu.Unlock()
}

// Create implements StubFactory.
func (r *Registry) Create(addr address.Address) (Stub, error) {
	if addr == nil {
		return nil, fmt.Errorf("%w: nil", ErrNoStub)
	}
	r.mu.RLock()
	f, ok := r.factories[addr.Kind()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoStub, addr.Kind())
	}
	return f.Create(addr)
}

// Skeleton returns the multicast skeleton of kind.
func (r *Registry) Skeleton(kind address.Kind) (MulticastSkeleton, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skeletons[kind]
	return s, ok
}

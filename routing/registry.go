// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"slices"
	"sync"

	"github.com/absmach/joynr/topics"
)

// MulticastReceivers records which local participants subscribed to which
// multicasts. Registrations may use the '+' and '*' wildcards.
type MulticastReceivers struct {
	mu       sync.RWMutex
	exact    map[string]map[string]struct{}
	patterns map[string]map[string]struct{}
}

// NewMulticastReceivers returns an empty registry.
func NewMulticastReceivers() *MulticastReceivers {
	return &MulticastReceivers{
		exact:    make(map[string]map[string]struct{}),
		patterns: make(map[string]map[string]struct{}),
	}
}

// Register adds subscriberID as a receiver of multicastID. It reports
// whether this is the first receiver of multicastID.
func (r *MulticastReceivers) Register(multicastID, subscriberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.bucket(multicastID)
	set, ok := m[multicastID]
	if !ok {
		set = make(map[string]struct{})
		m[multicastID] = set
	}
	set[subscriberID] = struct{}{}
	return !ok
}

// Unregister removes subscriberID from multicastID. It reports whether
// multicastID has no receivers left.
func (r *MulticastReceivers) Unregister(multicastID, subscriberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.bucket(multicastID)
	set, ok := m[multicastID]
	if !ok {
		return true
	}
	delete(set, subscriberID)
	if len(set) == 0 {
		delete(m, multicastID)
		return true
	}
	return false
}

// Receivers returns the subscribers of every registration matching the
// concrete multicastID, without duplicates and in sorted order.
func (r *MulticastReceivers) Receivers(multicastID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for id := range r.exact[multicastID] {
		seen[id] = struct{}{}
	}
	for pattern, set := range r.patterns {
		if !topics.MulticastMatch(pattern, multicastID) {
			continue
		}
		for id := range set {
			seen[id] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// All returns a copy of every registration keyed by multicast id or pattern.
func (r *MulticastReceivers) All() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.exact)+len(r.patterns))
	for _, m := range []map[string]map[string]struct{}{r.exact, r.patterns} {
		for mid, set := range m {
			ids := make([]string, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			out[mid] = ids
		}
	}
	return out
}

func (r *MulticastReceivers) bucket(multicastID string) map[string]map[string]struct{} {
	if topics.HasWildcard(multicastID) {
		return r.patterns
	}
	return r.exact
}

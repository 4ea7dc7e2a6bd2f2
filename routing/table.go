// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package routing keeps track of where participants can be reached and
// resolves the destinations of outbound messages.
package routing

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/storage"
)

const (
	numShards = 64

	// storeTimeout bounds a single write-through call.
	storeTimeout = 5 * time.Second
)

// TableConfig holds the routing table parameters.
type TableConfig struct {
	// GracePeriod is added to every stored expiry date.
	GracePeriod time.Duration

	// PurgeInterval is the period of the background purge loop started by Start.
	// Zero disables the loop.
	PurgeInterval time.Duration
}

// Entry is the routing state of one participant.
type Entry struct {
	Address         address.Address
	GloballyVisible bool
	ExpiryDate      int64 // epoch milliseconds, grace period included
	Sticky          bool
}

type tableShard struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	seq      uint64
	inflight map[string]int

	// storeMu orders store writes of the shard without holding mu during I/O.
	storeMu sync.Mutex
	written map[string]uint64
}

// storeWrite is a change captured under the shard lock and written to the
// store once the lock is released. Writes older than one already applied
// for the same participant are skipped.
type storeWrite struct {
	participantID string
	entry         Entry
	deleted       bool
	seq           uint64
}

// Table maps participant ids to transport addresses. Entries are spread
// across shards, each guarded by its own lock, so operations on different
// participants do not contend.
type Table struct {
	shards    [numShards]tableShard
	count     atomic.Int64
	grace     int64
	interval  time.Duration
	validator address.Validator
	store     storage.RoutingStore
	now       func() time.Time
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithStore writes accepted changes through to store.
func WithStore(store storage.RoutingStore) TableOption {
	return func(t *Table) { t.store = store }
}

// WithLogger sets the table logger.
func WithLogger(logger *slog.Logger) TableOption {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TableOption {
	return func(t *Table) { t.now = now }
}

// NewTable creates an empty routing table. A nil validator accepts every
// non-nil address and every update.
func NewTable(cfg TableConfig, validator address.Validator, opts ...TableOption) *Table {
	if validator == nil {
		validator = address.NewValidator()
	}
	t := &Table{
		grace:     cfg.GracePeriod.Milliseconds(),
		interval:  cfg.PurgeInterval,
		validator: validator,
		now:       time.Now,
		logger:    slog.Default(),
		stopCh:    make(chan struct{}),
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]Entry)
		t.shards[i].inflight = make(map[string]int)
		t.shards[i].written = make(map[string]uint64)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) shard(participantID string) *tableShard {
	h := fnv.New32a()
	h.Write([]byte(participantID))
	return &t.shards[h.Sum32()%numShards]
}

// Put inserts or updates the entry of participantID. Invalid addresses are
// ignored. On an existing entry the expiry only grows and the sticky flag
// is never cleared. The stored address is replaced only if the validator
// allows it, and a sticky entry only gives way to another sticky put.
func (t *Table) Put(participantID string, addr address.Address, visible bool, expiryDate int64, sticky bool) {
	if !t.validator.IsValidForRoutingTable(addr) {
		t.logger.Debug("routing entry rejected",
			slog.String("participant_id", participantID),
			slog.Any("address", addr))
		return
	}
	expiry := message.AddSaturating(expiryDate, t.grace)

	s := t.shard(participantID)
	s.mu.Lock()
	w, ok := t.put(s, participantID, addr, visible, expiry, sticky)
	s.mu.Unlock()

	if ok {
		t.flush(s, w)
	}
}

// put applies the update rules. The caller holds s.mu.
func (t *Table) put(s *tableShard, participantID string, addr address.Address, visible bool, expiry int64, sticky bool) ([]storeWrite, bool) {
	old, exists := s.entries[participantID]
	if !exists {
		e := Entry{Address: addr, GloballyVisible: visible, ExpiryDate: expiry, Sticky: sticky}
		s.entries[participantID] = e
		t.count.Add(1)
		return t.stage(s, nil, participantID, e, false), true
	}

	next := old
	next.ExpiryDate = max(old.ExpiryDate, expiry)
	next.Sticky = old.Sticky || sticky

	replace := t.validator.AllowUpdate(old.Address, addr)
	if old.Sticky && !sticky {
		replace = false
	}
	if replace {
		next.Address = addr
		next.GloballyVisible = visible
	} else if !address.Equal(old.Address, addr) {
		t.logger.Debug("routing entry kept",
			slog.String("participant_id", participantID),
			slog.String("current", old.Address.String()),
			slog.String("rejected", addr.String()))
	}

	if next == old {
		return nil, false
	}
	s.entries[participantID] = next
	return t.stage(s, nil, participantID, next, false), true
}

// Get returns the address of participantID.
func (t *Table) Get(participantID string) (address.Address, bool) {
	e, ok := t.entry(participantID)
	if !ok {
		return nil, false
	}
	return e.Address, true
}

// Entry returns the full entry of participantID.
func (t *Table) Entry(participantID string) (Entry, bool) {
	return t.entry(participantID)
}

// Contains reports whether participantID has an entry.
func (t *Table) Contains(participantID string) bool {
	_, ok := t.entry(participantID)
	return ok
}

// IsGloballyVisible returns the visibility of participantID or ErrUnknownParticipant.
func (t *Table) IsGloballyVisible(participantID string) (bool, error) {
	e, ok := t.entry(participantID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return e.GloballyVisible, nil
}

// ExpiryDate returns the stored expiry of participantID or ErrUnknownParticipant.
func (t *Table) ExpiryDate(participantID string) (int64, error) {
	e, ok := t.entry(participantID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return e.ExpiryDate, nil
}

// IsSticky returns the sticky flag of participantID or ErrUnknownParticipant.
func (t *Table) IsSticky(participantID string) (bool, error) {
	e, ok := t.entry(participantID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return e.Sticky, nil
}

// Remove deletes the entry of participantID and reports whether it existed.
func (t *Table) Remove(participantID string) bool {
	s := t.shard(participantID)
	s.mu.Lock()
	if _, ok := s.entries[participantID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, participantID)
	t.count.Add(-1)
	w := t.stage(s, nil, participantID, Entry{}, true)
	s.mu.Unlock()

	t.flush(s, w)
	return true
}

// Purge removes every non-sticky entry whose expiry has passed and returns
// the number of removed entries. Shards are locked one at a time and store
// deletes run after the shard is unlocked.
func (t *Table) Purge() int {
	now := t.now().UnixMilli()
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		var writes []storeWrite
		s.mu.Lock()
		for id, e := range s.entries {
			if e.Sticky || now <= e.ExpiryDate {
				continue
			}
			delete(s.entries, id)
			t.count.Add(-1)
			writes = t.stage(s, writes, id, Entry{}, true)
			removed++
		}
		s.mu.Unlock()
		t.flush(s, writes)
	}
	if removed > 0 {
		t.logger.Debug("routing table purged", slog.Int("removed", removed))
	}
	return removed
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return int(t.count.Load())
}

// Snapshot returns a copy of all entries.
func (t *Table) Snapshot() map[string]Entry {
	out := make(map[string]Entry, t.Len())
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for id, e := range s.entries {
			out[id] = e
		}
		s.mu.RUnlock()
	}
	return out
}

// Load restores the entries kept in the store. Stored expiry dates already
// include the grace period and are taken as they are; expired non-sticky
// entries are skipped. Load does not overwrite entries already present.
func (t *Table) Load(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	entries, err := t.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load routing entries: %w", err)
	}

	now := t.now().UnixMilli()
	loaded := 0
	for _, se := range entries {
		if !se.Sticky && now > se.ExpiryDate {
			continue
		}
		if !t.validator.IsValidForRoutingTable(se.Address) {
			continue
		}
		s := t.shard(se.ParticipantID)
		s.mu.Lock()
		if _, exists := s.entries[se.ParticipantID]; !exists {
			s.entries[se.ParticipantID] = Entry{
				Address:         se.Address,
				GloballyVisible: se.GloballyVisible,
				ExpiryDate:      se.ExpiryDate,
				Sticky:          se.Sticky,
			}
			t.count.Add(1)
			loaded++
		}
		s.mu.Unlock()
	}
	t.logger.Info("routing table loaded", slog.Int("entries", loaded))
	return loaded, nil
}

// Start runs the purge loop until Stop is called.
func (t *Table) Start() {
	if t.interval <= 0 {
		return
	}
	t.wg.Add(1)
	go t.purgeLoop()
}

// Stop ends the purge loop. It is safe to call more than once.
func (t *Table) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *Table) purgeLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Purge()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Table) entry(participantID string) (Entry, bool) {
	s := t.shard(participantID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[participantID]
	return e, ok
}

// stage records a store change. The caller holds s.mu.
func (t *Table) stage(s *tableShard, writes []storeWrite, participantID string, e Entry, deleted bool) []storeWrite {
	if t.store == nil {
		return writes
	}
	s.seq++
	s.inflight[participantID]++
	return append(writes, storeWrite{participantID: participantID, entry: e, deleted: deleted, seq: s.seq})
}

// flush applies staged changes. It must be called without s.mu held.
func (t *Table) flush(s *tableShard, writes []storeWrite) {
	if len(writes) == 0 {
		return
	}
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	for _, w := range writes {
		if w.seq > s.written[w.participantID] {
			s.written[w.participantID] = w.seq
			t.write(w)
		}

		s.mu.Lock()
		s.inflight[w.participantID]--
		if s.inflight[w.participantID] == 0 {
			delete(s.inflight, w.participantID)
			delete(s.written, w.participantID)
		}
		s.mu.Unlock()
	}
}

// write applies one change. In-process addresses only live as long as the
// process and are never stored.
func (t *Table) write(w storeWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if w.deleted || w.entry.Address.Kind() == address.KindInProcess {
		if err := t.store.Delete(ctx, w.participantID); err != nil {
			t.logger.Warn("failed to delete persisted routing entry",
				slog.String("participant_id", w.participantID),
				slog.String("error", err.Error()))
		}
		return
	}

	err := t.store.Save(ctx, storage.Entry{
		ParticipantID:   w.participantID,
		Address:         w.entry.Address,
		GloballyVisible: w.entry.GloballyVisible,
		ExpiryDate:      w.entry.ExpiryDate,
		Sticky:          w.entry.Sticky,
	})
	if err != nil {
		t.logger.Warn("failed to persist routing entry",
			slog.String("participant_id", w.participantID),
			slog.String("error", err.Error()))
	}
}

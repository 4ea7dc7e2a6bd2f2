// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/storage"
	"github.com/absmach/joynr/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiver struct{ name string }

func (*receiver) Receive(*message.Message) error { return nil }

var (
	mqttAddr = address.MQTT{BrokerURI: "joynrdefaultgbid", Topic: "provider/topic"}
	wsAddr   = address.WebSocket{Protocol: "ws", Host: "localhost", Port: 4242, Path: "/"}
	wscAddr  = address.WebSocketClient{ID: "client-1"}
)

func inProcess(name string) address.InProcess {
	return address.InProcess{SkeletonID: name, Receiver: &receiver{name: name}}
}

func newTestTable(grace time.Duration, opts ...TableOption) *Table {
	return NewTable(TableConfig{GracePeriod: grace}, address.NewValidator(), opts...)
}

func TestTable_PutGet(t *testing.T) {
	tbl := newTestTable(0)

	tbl.Put("p", mqttAddr, true, 1000, false)

	addr, ok := tbl.Get("p")
	require.True(t, ok)
	assert.Equal(t, mqttAddr, addr)

	visible, err := tbl.IsGloballyVisible("p")
	require.NoError(t, err)
	assert.True(t, visible)
	assert.True(t, tbl.Contains("p"))
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_GracePeriod(t *testing.T) {
	tbl := newTestTable(42 * time.Millisecond)

	tbl.Put("p", mqttAddr, false, 1000, false)

	expiry, err := tbl.ExpiryDate("p")
	require.NoError(t, err)
	assert.Equal(t, int64(1042), expiry)
}

func TestTable_GracePeriodSaturates(t *testing.T) {
	tbl := newTestTable(42 * time.Millisecond)

	tbl.Put("p", mqttAddr, false, math.MaxInt64-21, false)

	expiry, err := tbl.ExpiryDate("p")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), expiry)
}

func TestTable_UnknownParticipant(t *testing.T) {
	tbl := newTestTable(0)

	_, ok := tbl.Get("nobody")
	assert.False(t, ok)

	_, err := tbl.IsGloballyVisible("nobody")
	assert.ErrorIs(t, err, ErrUnknownParticipant)
	_, err = tbl.ExpiryDate("nobody")
	assert.ErrorIs(t, err, ErrUnknownParticipant)
	_, err = tbl.IsSticky("nobody")
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestTable_InvalidAddressIgnored(t *testing.T) {
	own := address.MQTT{BrokerURI: "gbid", Topic: "own"}
	tbl := NewTable(TableConfig{}, address.NewValidator(own))

	tbl.Put("p", address.Unresolved{}, false, 1000, false)
	tbl.Put("q", own, false, 1000, false)
	tbl.Put("r", nil, false, 1000, false)

	assert.False(t, tbl.Contains("p"))
	assert.False(t, tbl.Contains("q"))
	assert.False(t, tbl.Contains("r"))
	assert.Zero(t, tbl.Len())

	tbl.Put("s", mqttAddr, false, 1000, false)
	tbl.Put("s", address.Unresolved{}, true, 5000, false)

	e, ok := tbl.Entry("s")
	require.True(t, ok)
	assert.Equal(t, Entry{Address: mqttAddr, ExpiryDate: 1000}, e)
}

func TestTable_Precedence(t *testing.T) {
	first := inProcess("first")
	second := inProcess("second")

	tests := []struct {
		name    string
		initial address.Address
		next    address.Address
		want    address.Address
	}{
		{"in-process kept against mqtt", first, mqttAddr, first},
		{"in-process kept against websocket", first, wsAddr, first},
		{"in-process kept against websocket client", first, wscAddr, first},
		{"in-process replaced by in-process", first, second, second},
		{"websocket client kept against mqtt", wscAddr, mqttAddr, wscAddr},
		{"websocket client replaced by in-process", wscAddr, first, first},
		{"mqtt replaced by websocket", mqttAddr, wsAddr, wsAddr},
		{"websocket replaced by mqtt", wsAddr, mqttAddr, mqttAddr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := newTestTable(0)
			tbl.Put("p", tt.initial, false, 1000, false)
			tbl.Put("p", tt.next, false, 1000, false)

			got, ok := tbl.Get("p")
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTable_Sticky(t *testing.T) {
	tbl := newTestTable(0)

	tbl.Put("p", mqttAddr, false, 1000, true)
	tbl.Put("p", wsAddr, true, 2000, false)

	e, ok := tbl.Entry("p")
	require.True(t, ok)
	assert.Equal(t, mqttAddr, e.Address)
	assert.False(t, e.GloballyVisible)
	assert.True(t, e.Sticky)
	assert.Equal(t, int64(2000), e.ExpiryDate, "expiry still grows on a sticky entry")

	tbl.Put("p", wsAddr, true, 500, true)
	e, _ = tbl.Entry("p")
	assert.Equal(t, wsAddr, e.Address, "a sticky put may replace a sticky entry")
	assert.True(t, e.GloballyVisible)
	assert.Equal(t, int64(2000), e.ExpiryDate)
}

func TestTable_StickyNeverCleared(t *testing.T) {
	tbl := newTestTable(0)

	tbl.Put("p", mqttAddr, false, 1000, false)
	tbl.Put("p", mqttAddr, false, 1000, true)
	tbl.Put("p", mqttAddr, false, 1000, false)

	sticky, err := tbl.IsSticky("p")
	require.NoError(t, err)
	assert.True(t, sticky)
}

func TestTable_ExpiryMonotonic(t *testing.T) {
	tbl := newTestTable(0)

	tbl.Put("p", mqttAddr, false, 5000, false)
	tbl.Put("p", wsAddr, false, 1000, false)

	e, _ := tbl.Entry("p")
	assert.Equal(t, wsAddr, e.Address)
	assert.Equal(t, int64(5000), e.ExpiryDate)
}

func TestTable_Remove(t *testing.T) {
	tbl := newTestTable(0)
	tbl.Put("p", mqttAddr, false, 1000, false)

	assert.True(t, tbl.Remove("p"))
	assert.False(t, tbl.Remove("p"))
	assert.False(t, tbl.Contains("p"))
	assert.Zero(t, tbl.Len())
}

func TestTable_Purge(t *testing.T) {
	now := time.UnixMilli(10_000)
	tbl := newTestTable(100*time.Millisecond, WithClock(func() time.Time { return now }))

	tbl.Put("expired", mqttAddr, false, 9_000, false)
	tbl.Put("in-grace", mqttAddr, false, 9_950, false)
	tbl.Put("exact", mqttAddr, false, 9_900, false)
	tbl.Put("valid", mqttAddr, false, 20_000, false)
	tbl.Put("sticky", mqttAddr, false, 1_000, true)

	assert.Equal(t, 1, tbl.Purge())
	before := tbl.Snapshot()
	assert.Zero(t, tbl.Purge())
	assert.Equal(t, before, tbl.Snapshot(), "purge is idempotent")

	assert.False(t, tbl.Contains("expired"))
	assert.True(t, tbl.Contains("in-grace"))
	assert.True(t, tbl.Contains("exact"), "an entry is removed only once now is past its expiry")
	assert.True(t, tbl.Contains("valid"))
	assert.True(t, tbl.Contains("sticky"))
}

func TestTable_PurgeLoop(t *testing.T) {
	tbl := NewTable(TableConfig{PurgeInterval: 10 * time.Millisecond}, nil)
	tbl.Put("p", mqttAddr, false, time.Now().Add(-time.Second).UnixMilli(), false)

	tbl.Start()
	defer tbl.Stop()

	require.Eventually(t, func() bool { return !tbl.Contains("p") }, time.Second, 5*time.Millisecond)
}

func TestTable_Concurrent(t *testing.T) {
	tbl := newTestTable(0)
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("p-%d", i%50)
				tbl.Put(id, address.WebSocketClient{ID: fmt.Sprintf("c-%d", g)}, g%2 == 0, int64(i), false)
				tbl.Get(id)
				if i%17 == 0 {
					tbl.Remove(id)
				}
				if i%31 == 0 {
					tbl.Purge()
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, len(tbl.Snapshot()), tbl.Len())
}

func TestTable_Persistence(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	tbl := newTestTable(0, WithStore(store))

	expiry := time.Now().Add(time.Hour).UnixMilli()
	tbl.Put("remote", mqttAddr, true, expiry, false)
	tbl.Put("local", inProcess("local"), false, expiry, false)

	saved, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1, "in-process entries are not persisted")
	assert.Equal(t, "remote", saved[0].ParticipantID)

	restored := newTestTable(0, WithStore(store))
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	addr, ok := restored.Get("remote")
	require.True(t, ok)
	assert.Equal(t, mqttAddr, addr)

	e, _ := restored.Entry("remote")
	assert.Equal(t, expiry, e.ExpiryDate, "loaded expiry is not extended twice")

	restored.Remove("remote")
	_, err = store.Get(ctx, "remote")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTable_LoadSkipsExpired(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Save(ctx, storage.Entry{ParticipantID: "old", Address: mqttAddr, ExpiryDate: 1}))
	require.NoError(t, store.Save(ctx, storage.Entry{ParticipantID: "pinned", Address: wsAddr, ExpiryDate: 1, Sticky: true}))

	tbl := newTestTable(0, WithStore(store))
	n, err := tbl.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, tbl.Contains("pinned"))
	assert.False(t, tbl.Contains("old"))
}

// gatedStore blocks every Save until release is closed.
type gatedStore struct {
	*memory.Store
	entered chan string
	release chan struct{}
}

func (g *gatedStore) Save(ctx context.Context, e storage.Entry) error {
	g.entered <- e.ParticipantID
	<-g.release
	return g.Store.Save(ctx, e)
}

func TestTable_StoreWritesOutsideShardLock(t *testing.T) {
	store := &gatedStore{Store: memory.New(), entered: make(chan string, 4), release: make(chan struct{})}
	tbl := newTestTable(0, WithStore(store))
	expiry := time.Now().Add(time.Hour).UnixMilli()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tbl.Put("remote", mqttAddr, true, expiry, false)
	}()

	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatalf("store was never called")
	}

	read := make(chan bool, 1)
	go func() {
		_, ok := tbl.Get("remote")
		read <- ok
	}()
	select {
	case ok := <-read:
		assert.True(t, ok)
	case <-time.After(time.Second):
		close(store.release)
		t.Fatalf("Get blocked behind a pending store write")
	}

	close(store.release)
	<-done
}

func TestTable_StaleStoreWriteSkipped(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{Store: memory.New(), entered: make(chan string, 4), release: make(chan struct{})}
	tbl := newTestTable(0, WithStore(store))
	expiry := time.Now().Add(time.Hour).UnixMilli()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tbl.Put("remote", mqttAddr, true, expiry, false)
	}()
	<-store.entered

	wg.Add(2)
	go func() {
		defer wg.Done()
		tbl.Put("remote", mqttAddr, true, expiry+1000, false)
	}()
	require.Eventually(t, func() bool {
		e, _ := tbl.Entry("remote")
		return e.ExpiryDate == expiry+1000
	}, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		assert.True(t, tbl.Remove("remote"))
	}()
	require.Eventually(t, func() bool { return !tbl.Contains("remote") }, time.Second, time.Millisecond)

	close(store.release)
	wg.Wait()

	if _, err := store.Get(ctx, "remote"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("store kept a removed entry: %v", err)
	}

	s := tbl.shard("remote")
	s.storeMu.Lock()
	assert.Empty(t, s.written)
	s.storeMu.Unlock()
	s.mu.RLock()
	assert.Empty(t, s.inflight)
	s.mu.RUnlock()
}

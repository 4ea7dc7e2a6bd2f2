// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	e := storage.Entry{
		ParticipantID:   "provider-1",
		Address:         address.MQTT{BrokerURI: "gbid1", Topic: "cc/replyto"},
		GloballyVisible: true,
		ExpiryDate:      time.Now().Add(time.Hour).UnixMilli(),
	}
	require.NoError(t, store.Save(ctx, e))

	got, err := store.Get(ctx, "provider-1")
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestStore_GetNotFound(t *testing.T) {
	store := setupStore(t)

	_, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_SaveExpiredDeletes(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	e := storage.Entry{
		ParticipantID: "p",
		Address:       address.WebSocketClient{ID: "c"},
		ExpiryDate:    time.Now().Add(time.Hour).UnixMilli(),
	}
	require.NoError(t, store.Save(ctx, e))

	e.ExpiryDate = time.Now().Add(-time.Second).UnixMilli()
	require.NoError(t, store.Save(ctx, e))

	_, err := store.Get(ctx, "p")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_StickyHasNoTTL(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	e := storage.Entry{
		ParticipantID: "pinned",
		Address:       address.WebSocketClient{ID: "c"},
		ExpiryDate:    time.Now().Add(-time.Second).UnixMilli(),
		Sticky:        true,
	}
	require.NoError(t, store.Save(ctx, e))

	got, err := store.Get(ctx, "pinned")
	require.NoError(t, err)
	assert.Equal(t, e, got)

	e.ExpiryDate = time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, store.Save(ctx, e))

	err = store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + "pinned"))
		if err != nil {
			return err
		}
		if item.ExpiresAt() != 0 {
			t.Fatalf("sticky entry stored with badger TTL, expires at %d", item.ExpiresAt())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ListAndDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, storage.Entry{
			ParticipantID: id,
			Address:       address.WebSocketClient{ID: "client-" + id},
			ExpiryDate:    message.NoExpiry,
			Sticky:        id == "b",
		}))
	}

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	require.NoError(t, store.Delete(ctx, "a"))
	entries, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStore_CloseIdempotent(t *testing.T) {
	store, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

func setupStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

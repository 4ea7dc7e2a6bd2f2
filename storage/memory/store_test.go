// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveGetDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	e := storage.Entry{
		ParticipantID:   "p1",
		Address:         address.WebSocketClient{ID: "client-1"},
		GloballyVisible: false,
		ExpiryDate:      5000,
	}
	require.NoError(t, s.Save(ctx, e))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, e, got)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.Delete(ctx, "p1"))
	_, err = s.Get(ctx, "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Closed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	err := s.Save(context.Background(), storage.Entry{ParticipantID: "p"})
	assert.ErrorIs(t, err, storage.ErrClosed)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package inprocess

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	got []*message.Message
	err error
}

func (r *recorder) Receive(msg *message.Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func TestStub_Transmit(t *testing.T) {
	rec := &recorder{}
	stub, err := NewFactory().Create(address.InProcess{SkeletonID: "s", Receiver: rec})
	require.NoError(t, err)

	msg := &message.Message{ID: "m1"}
	delivered := false
	stub.Transmit(context.Background(), msg, func() { delivered = true }, func(err error) { t.Fatalf("unexpected failure: %v", err) })

	assert.True(t, delivered)
	assert.Equal(t, []*message.Message{msg}, rec.got)
}

func TestStub_ReceiverError(t *testing.T) {
	rec := &recorder{err: errors.New("skeleton gone")}
	stub, err := NewFactory().Create(address.InProcess{SkeletonID: "s", Receiver: rec})
	require.NoError(t, err)

	var got error
	stub.Transmit(context.Background(), &message.Message{ID: "m1"}, func() { t.Fatal("unexpected success") }, func(err error) { got = err })
	assert.ErrorIs(t, got, rec.err)
}

func TestStub_CancelledContext(t *testing.T) {
	rec := &recorder{}
	stub, err := NewFactory().Create(address.InProcess{SkeletonID: "s", Receiver: rec})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got error
	stub.Transmit(ctx, &message.Message{ID: "m1"}, func() {}, func(err error) { got = err })
	assert.ErrorIs(t, got, context.Canceled)
	assert.Empty(t, rec.got)
}

func TestFactory_WrongAddress(t *testing.T) {
	_, err := NewFactory().Create(address.WebSocketClient{ID: "c"})
	assert.ErrorIs(t, err, messaging.ErrNoStub)
}

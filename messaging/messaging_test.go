// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStub fails with err when set, and succeeds otherwise.
type mockStub struct {
	calls atomic.Int32
	err   atomic.Pointer[error]
}

func (s *mockStub) fail(err error) { s.err.Store(&err) }

func (s *mockStub) Transmit(_ context.Context, _ *message.Message, onSuccess func(), onFailure func(error)) {
	s.calls.Add(1)
	if p := s.err.Load(); p != nil && *p != nil {
		onFailure(*p)
		return
	}
	onSuccess()
}

type result struct {
	ok  bool
	err error
}

func transmit(s Stub) result {
	var r result
	s.Transmit(context.Background(), &message.Message{ID: "m"},
		func() { r.ok = true },
		func(err error) { r.err = err })
	return r
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	stub := &mockStub{}
	r.Register(address.KindMQTT, StubFactoryFunc(func(address.Address) (Stub, error) { return stub, nil }))

	got, err := r.Create(address.MQTT{BrokerURI: "g", Topic: "t"})
	require.NoError(t, err)
	assert.Same(t, stub, got)

	_, err = r.Create(address.WebSocketClient{ID: "c"})
	assert.ErrorIs(t, err, ErrNoStub)

	_, err = r.Create(nil)
	assert.ErrorIs(t, err, ErrNoStub)
}

func TestRegistry_Skeleton(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Skeleton(address.KindMQTT)
	assert.False(t, ok)

	var sk MulticastSkeleton = nopSkeleton{}
	r.RegisterSkeleton(address.KindMQTT, sk)
	got, ok := r.Skeleton(address.KindMQTT)
	require.True(t, ok)
	assert.Equal(t, sk, got)
}

type nopSkeleton struct{}

func (nopSkeleton) RegisterMulticastSubscription(string) error   { return nil }
func (nopSkeleton) UnregisterMulticastSubscription(string) error { return nil }

func TestErrors(t *testing.T) {
	cause := errors.New("malformed")
	err := fmt.Errorf("attempt 3: %w", NotSent(cause))

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsPermanent(ErrMessageExpired))
	assert.True(t, IsPermanent(ErrShutdown))
	assert.False(t, IsPermanent(errors.New("connection reset")))

	var de *DelayError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", &DelayError{Delay: time.Second, Err: cause}), &de)
	assert.Equal(t, time.Second, de.Delay)
	assert.False(t, IsPermanent(de))
}

func TestBreakerFactory_OpensAfterThreshold(t *testing.T) {
	stub := &mockStub{}
	stub.fail(errors.New("unreachable"))
	f := NewBreakerFactory(StubFactoryFunc(func(address.Address) (Stub, error) { return stub, nil }),
		BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}, nil)

	addr := address.WebSocketClient{ID: "c"}
	s, err := f.Create(addr)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		r := transmit(s)
		require.Error(t, r.err)
	}

	r := transmit(s)
	var de *DelayError
	require.ErrorAs(t, r.err, &de)
	assert.Equal(t, time.Minute, de.Delay)
	assert.ErrorIs(t, r.err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), stub.calls.Load(), "an open breaker does not reach the stub")

	// The breaker is shared by every stub of the same address.
	s2, err := f.Create(addr)
	require.NoError(t, err)
	assert.ErrorAs(t, transmit(s2).err, &de)

	f.Forget(addr)
	s3, err := f.Create(addr)
	require.NoError(t, err)
	assert.NotErrorIs(t, transmit(s3).err, gobreaker.ErrOpenState)
}

func TestBreakerFactory_PermanentFailuresDoNotTrip(t *testing.T) {
	stub := &mockStub{}
	stub.fail(NotSent(errors.New("bad message")))
	f := NewBreakerFactory(StubFactoryFunc(func(address.Address) (Stub, error) { return stub, nil }),
		BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, nil)

	s, err := f.Create(address.WebSocketClient{ID: "c"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r := transmit(s)
		var ns *NotSentError
		require.ErrorAs(t, r.err, &ns)
	}
	assert.Equal(t, int32(3), stub.calls.Load())
}

func TestBreakerFactory_Disabled(t *testing.T) {
	stub := &mockStub{}
	f := NewBreakerFactory(StubFactoryFunc(func(address.Address) (Stub, error) { return stub, nil }), BreakerConfig{}, nil)

	s, err := f.Create(address.WebSocketClient{ID: "c"})
	require.NoError(t, err)
	assert.Same(t, stub, s)
	assert.True(t, transmit(s).ok)
}

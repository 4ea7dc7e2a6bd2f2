// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/internal/scheduler"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/messaging"
	"github.com/absmach/joynr/messaging/inprocess"
	"github.com/absmach/joynr/router"
	"github.com/absmach/joynr/routing"
	"github.com/absmach/joynr/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback delivers every routed message to a dispatcher, asynchronously.
type loopback struct {
	mu     sync.Mutex
	target *Dispatcher
	routed []*message.Message
	drop   bool
}

func (l *loopback) Route(msg *message.Message) (*router.Delivery, error) {
	l.mu.Lock()
	l.routed = append(l.routed, msg)
	target, drop := l.target, l.drop
	l.mu.Unlock()

	if !drop && target != nil {
		go func() { _ = target.Receive(msg) }()
	}
	return nil, nil
}

func (l *loopback) messages() []*message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*message.Message(nil), l.routed...)
}

type subsMock struct {
	mu      sync.Mutex
	replies []subscription.Reply
	pubs    []subscription.Publication
	mcasts  []subscription.MulticastPublication
}

func (s *subsMock) HandleReply(r subscription.Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, r)
}

func (s *subsMock) HandlePublication(p subscription.Publication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubs = append(s.pubs, p)
}

func (s *subsMock) HandleMulticastPublication(p subscription.MulticastPublication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcasts = append(s.mcasts, p)
}

type pubsMock struct {
	mu        sync.Mutex
	requests  []subscription.Request
	broadcast []subscription.BroadcastRequest
	multicast []subscription.MulticastRequest
	stops     []subscription.Stop
	from, to  string
}

func (p *pubsMock) AddSubscriptionRequest(subscriberID, providerID string, req subscription.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.from, p.to = subscriberID, providerID
	p.requests = append(p.requests, req)
}

func (p *pubsMock) AddBroadcastSubscriptionRequest(_, _ string, req subscription.BroadcastRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcast = append(p.broadcast, req)
}

func (p *pubsMock) AddMulticastSubscriptionRequest(_, _ string, req subscription.MulticastRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.multicast = append(p.multicast, req)
}

func (p *pubsMock) StopPublication(stop subscription.Stop) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops = append(p.stops, stop)
}

func setup(t *testing.T, opts ...Option) (*Dispatcher, *loopback) {
	t.Helper()
	lb := &loopback{}
	d := New(lb, opts...)
	lb.target = d
	return d, lb
}

func TestRequestReply(t *testing.T) {
	d, _ := setup(t)
	d.AddRequestCaller("provider", RequestCallerFunc(func(_ context.Context, method string, params []any) ([]any, error) {
		assert.Equal(t, "greet", method)
		return []any{"hello " + params[0].(string)}, nil
	}))

	resp, err := d.Request(context.Background(), "consumer", "provider", "greet", []any{"joynr"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []any{"hello joynr"}, resp)
}

func TestRequest_RemoteError(t *testing.T) {
	d, _ := setup(t)
	d.AddRequestCaller("provider", RequestCallerFunc(func(context.Context, string, []any) ([]any, error) {
		return nil, errors.New("method not implemented")
	}))

	_, err := d.Request(context.Background(), "consumer", "provider", "missing", nil, time.Second)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "method not implemented", remote.Message)
}

func TestRequest_NoProvider(t *testing.T) {
	d, _ := setup(t)

	_, err := d.Request(context.Background(), "consumer", "nobody", "greet", nil, time.Second)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, ErrNoProvider.Error())
}

func TestRequest_Timeout(t *testing.T) {
	d, lb := setup(t)
	lb.drop = true

	_, err := d.Request(context.Background(), "consumer", "provider", "greet", nil, 30*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	assert.Empty(t, d.pending)
}

func TestOneWay(t *testing.T) {
	d, _ := setup(t)
	called := make(chan string, 1)
	d.AddRequestCaller("provider", RequestCallerFunc(func(_ context.Context, method string, _ []any) ([]any, error) {
		called <- method
		return nil, nil
	}))

	_, err := d.OneWay("consumer", "provider", "ping", nil, time.Second)
	require.NoError(t, err)
	select {
	case m := <-called:
		assert.Equal(t, "ping", m)
	case <-time.After(time.Second):
		t.Fatalf("one-way request not invoked")
	}
}

func TestSend_SetsReplyTo(t *testing.T) {
	replyTo := address.MQTT{BrokerURI: "joynrdefaultgbid", Topic: "replies/cc"}
	d, lb := setup(t, WithReplyTo(replyTo))
	lb.drop = true

	_, err := d.Send(message.TypeSubscriptionRequest, "c", "p", subscription.Request{SubscriptionID: "s"}, time.Minute)
	require.NoError(t, err)
	_, err = d.Send(message.TypePublication, "p", "c", subscription.Publication{SubscriptionID: "s"}, time.Minute)
	require.NoError(t, err)

	msgs := lb.messages()
	require.Len(t, msgs, 2)
	got, err := address.Parse(msgs[0].ReplyTo)
	require.NoError(t, err)
	assert.Equal(t, replyTo, got)
	assert.Empty(t, msgs[1].ReplyTo)
	assert.True(t, msgs[0].TTLAbsolute)
}

func TestReceive_SubscriptionMessages(t *testing.T) {
	d, lb := setup(t)
	lb.drop = true
	subs, pubs := &subsMock{}, &pubsMock{}
	d.SetHandlers(subs, pubs)

	receive := func(typ message.Type, from, to string, payload any) {
		t.Helper()
		data, err := message.EncodePayload(payload)
		require.NoError(t, err)
		require.NoError(t, d.Receive(message.New(typ, from, to, time.Minute, data)))
	}

	qos := subscription.Periodic(time.Second).WithPublicationTTL(time.Minute)
	receive(message.TypeSubscriptionRequest, "c", "p", subscription.Request{SubscriptionID: "s1", Name: "temperature", Qos: qos})
	receive(message.TypeBroadcastSubscriptionRequest, "c", "p", subscription.BroadcastRequest{SubscriptionID: "s2", Name: "alarm"})
	receive(message.TypeMulticastSubscriptionRequest, "c", "p", subscription.MulticastRequest{SubscriptionID: "s3", MulticastID: "p/alarm"})
	receive(message.TypeSubscriptionStop, "c", "p", subscription.Stop{SubscriptionID: "s1"})
	receive(message.TypeSubscriptionReply, "p", "c", subscription.Reply{SubscriptionID: "s1"})
	receive(message.TypePublication, "p", "c", subscription.Publication{SubscriptionID: "s1", Response: []any{"21.5"}})
	receive(message.TypeMulticast, "p", "p/alarm", subscription.MulticastPublication{MulticastID: "p/alarm", Response: []any{"smoke"}})

	require.Len(t, pubs.requests, 1)
	assert.Equal(t, "c", pubs.from)
	assert.Equal(t, "p", pubs.to)
	assert.Equal(t, qos, pubs.requests[0].Qos)
	assert.Len(t, pubs.broadcast, 1)
	assert.Equal(t, "p/alarm", pubs.multicast[0].MulticastID)
	assert.Equal(t, []subscription.Stop{{SubscriptionID: "s1"}}, pubs.stops)

	assert.Len(t, subs.replies, 1)
	require.Len(t, subs.pubs, 1)
	assert.Equal(t, []any{"21.5"}, subs.pubs[0].Response)
	assert.Equal(t, "p/alarm", subs.mcasts[0].MulticastID)
}

func TestReceive_Errors(t *testing.T) {
	d, _ := setup(t)

	msg := message.New(message.TypePublication, "p", "c", time.Minute, nil)
	assert.ErrorIs(t, d.Receive(msg), ErrNoHandler)

	d.SetHandlers(&subsMock{}, &pubsMock{})
	bad := message.New(message.TypePublication, "p", "c", time.Minute, []byte{0xc1})
	assert.ErrorIs(t, d.Receive(bad), message.ErrMalformed)

	oneWay := message.New(message.TypeOneWay, "c", "nobody", time.Minute, mustEncode(t, OneWayRequest{Method: "m"}))
	assert.ErrorIs(t, d.Receive(oneWay), ErrNoProvider)
}

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := message.EncodePayload(v)
	require.NoError(t, err)
	return data
}

func setupRouted(t *testing.T) (*Dispatcher, *router.Router) {
	t.Helper()

	table := routing.NewTable(routing.TableConfig{}, address.NewValidator())
	receivers := routing.NewMulticastReceivers()
	stubs := messaging.NewRegistry()
	stubs.Register(address.KindInProcess, inprocess.NewFactory())
	sched := scheduler.New(scheduler.Config{Workers: 2, QueueSize: 16}, nil)

	rt := router.New(router.Config{RetryInterval: 10 * time.Millisecond}, table, receivers,
		routing.NewAddressManager(table, receivers, "", nil), stubs, sched)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	return New(rt), rt
}

func TestRequest_UnknownRecipientFailsFast(t *testing.T) {
	d, _ := setupRouted(t)

	start := time.Now()
	_, err := d.Request(context.Background(), "consumer", "unknown-provider", "m", nil, 2*time.Second)
	require.ErrorIs(t, err, messaging.ErrNoAddress)
	assert.True(t, messaging.IsPermanent(err))
	assert.Less(t, time.Since(start), time.Second)

	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	assert.Empty(t, d.pending)
}

func TestRequest_ThroughRouter(t *testing.T) {
	d, rt := setupRouted(t)
	rt.AddNextHop("provider", address.InProcess{SkeletonID: "d", Receiver: d}, false, message.NoExpiry, false)
	rt.AddNextHop("consumer", address.InProcess{SkeletonID: "d", Receiver: d}, false, message.NoExpiry, false)
	d.AddRequestCaller("provider", RequestCallerFunc(func(context.Context, string, []any) ([]any, error) {
		return []any{"pong"}, nil
	}))

	resp, err := d.Request(context.Background(), "consumer", "provider", "ping", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []any{"pong"}, resp)
}

func TestOneWay_DeliveryReportsFailure(t *testing.T) {
	d, _ := setupRouted(t)

	delivery, err := d.OneWay("consumer", "unknown-provider", "ping", nil, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, delivery.Wait(ctx), messaging.ErrNoAddress)
}

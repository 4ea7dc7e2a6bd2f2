// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher turns payloads into routed messages and hands
// incoming messages to the request callers and subscription managers of
// local participants.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/router"
	"github.com/absmach/joynr/subscription"
	"github.com/google/uuid"
)

var (
	ErrNoHandler  = errors.New("no handler for message")
	ErrNoProvider = errors.New("no provider for participant")
)

// RemoteError is the error a provider answered a request with.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// Router routes outgoing messages.
type Router interface {
	Route(msg *message.Message) (*router.Delivery, error)
}

// RequestCaller executes the methods of a local provider.
type RequestCaller interface {
	Invoke(ctx context.Context, method string, params []any) ([]any, error)
}

// RequestCallerFunc adapts a function to a RequestCaller.
type RequestCallerFunc func(ctx context.Context, method string, params []any) ([]any, error)

// Invoke implements RequestCaller.
func (f RequestCallerFunc) Invoke(ctx context.Context, method string, params []any) ([]any, error) {
	return f(ctx, method, params)
}

// SubscriptionHandler is the consumer side of subscriptions.
type SubscriptionHandler interface {
	HandleReply(reply subscription.Reply)
	HandlePublication(pub subscription.Publication)
	HandleMulticastPublication(pub subscription.MulticastPublication)
}

// PublicationHandler is the provider side of subscriptions.
type PublicationHandler interface {
	AddSubscriptionRequest(subscriberID, providerID string, req subscription.Request)
	AddBroadcastSubscriptionRequest(subscriberID, providerID string, req subscription.BroadcastRequest)
	AddMulticastSubscriptionRequest(subscriberID, providerID string, req subscription.MulticastRequest)
	StopPublication(stop subscription.Stop)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReplyTo sets the address remote providers answer requests to.
func WithReplyTo(addr address.Address) Option {
	return func(d *Dispatcher) {
		s, err := address.Format(addr)
		if err != nil {
			d.logger.Warn("reply-to address not serializable", slog.String("address", addr.String()))
			return
		}
		d.replyTo = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

var (
	_ address.MessageReceiver = (*Dispatcher)(nil)
	_ subscription.Sender     = (*Dispatcher)(nil)
)

// Dispatcher is the message receiver of local participants.
type Dispatcher struct {
	router  Router
	logger  *slog.Logger
	replyTo string
	now     func() time.Time

	mu      sync.RWMutex
	callers map[string]RequestCaller
	subs    SubscriptionHandler
	pubs    PublicationHandler

	pendingMu sync.Mutex
	pending   map[string]chan Reply
}

// New creates a dispatcher sending through r.
func New(r Router, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		router:  r,
		logger:  slog.Default(),
		now:     time.Now,
		callers: make(map[string]RequestCaller),
		pending: make(map[string]chan Reply),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetHandlers wires the subscription managers. Either may be nil.
func (d *Dispatcher) SetHandlers(subs SubscriptionHandler, pubs PublicationHandler) {
	d.mu.Lock()
	d.subs = subs
	d.pubs = pubs
	d.mu.Unlock()
}

// AddRequestCaller serves requests addressed to participantID.
func (d *Dispatcher) AddRequestCaller(participantID string, c RequestCaller) {
	d.mu.Lock()
	d.callers[participantID] = c
	d.mu.Unlock()
}

// RemoveRequestCaller stops serving participantID.
func (d *Dispatcher) RemoveRequestCaller(participantID string) {
	d.mu.Lock()
	delete(d.callers, participantID)
	d.mu.Unlock()
}

// Send encodes payload and routes it from one participant to another. The
// returned delivery resolves with the routing outcome; permanent failures
// found after Send returned are reported there.
func (d *Dispatcher) Send(typ message.Type, from, to string, payload any, ttl time.Duration) (*router.Delivery, error) {
	data, err := message.EncodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}

	msg := message.New(typ, from, to, ttl, data)
	msg.ExpiryDate = message.ExpiryFromTTL(d.now(), ttl)
	if msg.ExpectsReply() && d.replyTo != "" {
		msg.ReplyTo = d.replyTo
	}

	return d.router.Route(msg)
}

// Request calls method on the provider to and waits for its reply until
// ctx is done or ttl elapsed. A request the router gives up on fails
// without waiting for the reply.
func (d *Dispatcher) Request(ctx context.Context, from, to, method string, params []any, ttl time.Duration) ([]any, error) {
	id := uuid.New().String()
	ch := make(chan Reply, 1)

	d.pendingMu.Lock()
	d.pending[id] = ch
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
	}()

	req := Request{RequestReplyID: id, Method: method, Params: params}
	delivery, err := d.Send(message.TypeRequest, from, to, req, ttl)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	var routed <-chan struct{}
	if delivery != nil {
		routed = delivery.Done()
	}
	for {
		select {
		case r := <-ch:
			if r.Error != "" {
				return nil, &RemoteError{Message: r.Error}
			}
			return r.Response, nil
		case <-routed:
			if err := delivery.Err(); err != nil {
				return nil, fmt.Errorf("request %s to %s not delivered: %w", id, to, err)
			}
			routed = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// OneWay calls method on the provider to without waiting for an answer.
func (d *Dispatcher) OneWay(from, to, method string, params []any, ttl time.Duration) (*router.Delivery, error) {
	return d.Send(message.TypeOneWay, from, to, OneWayRequest{Method: method, Params: params}, ttl)
}

// Receive implements address.MessageReceiver. Requests are executed
// asynchronously; everything else is handled before Receive returns.
func (d *Dispatcher) Receive(msg *message.Message) error {
	d.mu.RLock()
	subs, pubs := d.subs, d.pubs
	d.mu.RUnlock()

	switch msg.Type {
	case message.TypeRequest:
		var req Request
		if err := message.DecodePayload(msg.Payload, &req); err != nil {
			return err
		}
		go d.serve(msg, req)
		return nil

	case message.TypeOneWay:
		var req OneWayRequest
		if err := message.DecodePayload(msg.Payload, &req); err != nil {
			return err
		}
		caller, ok := d.caller(msg.Recipient)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoProvider, msg.Recipient)
		}
		go d.invoke(msg, caller, req.Method, req.Params)
		return nil

	case message.TypeReply:
		var r Reply
		if err := message.DecodePayload(msg.Payload, &r); err != nil {
			return err
		}
		d.pendingMu.Lock()
		ch, ok := d.pending[r.RequestReplyID]
		d.pendingMu.Unlock()
		if !ok {
			d.logger.Debug("reply without pending request dropped",
				slog.String("request_reply_id", r.RequestReplyID))
			return nil
		}
		select {
		case ch <- r:
		default:
		}
		return nil
	}

	if subs == nil && pubs == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Type)
	}
	return d.dispatchSubscription(msg, subs, pubs)
}

func (d *Dispatcher) dispatchSubscription(msg *message.Message, subs SubscriptionHandler, pubs PublicationHandler) error {
	switch msg.Type {
	case message.TypeSubscriptionRequest:
		var req subscription.Request
		return decodeTo(msg, pubs != nil, &req, func() { pubs.AddSubscriptionRequest(msg.Sender, msg.Recipient, req) })
	case message.TypeBroadcastSubscriptionRequest:
		var req subscription.BroadcastRequest
		return decodeTo(msg, pubs != nil, &req, func() { pubs.AddBroadcastSubscriptionRequest(msg.Sender, msg.Recipient, req) })
	case message.TypeMulticastSubscriptionRequest:
		var req subscription.MulticastRequest
		return decodeTo(msg, pubs != nil, &req, func() { pubs.AddMulticastSubscriptionRequest(msg.Sender, msg.Recipient, req) })
	case message.TypeSubscriptionStop:
		var stop subscription.Stop
		return decodeTo(msg, pubs != nil, &stop, func() { pubs.StopPublication(stop) })
	case message.TypeSubscriptionReply:
		var r subscription.Reply
		return decodeTo(msg, subs != nil, &r, func() { subs.HandleReply(r) })
	case message.TypePublication:
		var p subscription.Publication
		return decodeTo(msg, subs != nil, &p, func() { subs.HandlePublication(p) })
	case message.TypeMulticast:
		var p subscription.MulticastPublication
		return decodeTo(msg, subs != nil, &p, func() { subs.HandleMulticastPublication(p) })
	default:
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Type)
	}
}

func decodeTo(msg *message.Message, handled bool, v any, handle func()) error {
	if !handled {
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Type)
	}
	if err := message.DecodePayload(msg.Payload, v); err != nil {
		return err
	}
	handle()
	return nil
}

func (d *Dispatcher) caller(participantID string) (RequestCaller, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.callers[participantID]
	return c, ok
}

// serve executes a request and routes the reply back to its sender.
func (d *Dispatcher) serve(msg *message.Message, req Request) {
	reply := Reply{RequestReplyID: req.RequestReplyID}

	caller, ok := d.caller(msg.Recipient)
	if !ok {
		reply.Error = fmt.Sprintf("%s: %s", ErrNoProvider, msg.Recipient)
	} else {
		resp, err := d.invoke(msg, caller, req.Method, req.Params)
		if err != nil {
			reply.Error = err.Error()
		}
		reply.Response = resp
	}

	ttl := msg.TTL(d.now())
	if ttl <= 0 {
		d.logger.Warn("request expired before reply",
			slog.String("message_id", msg.ID),
			slog.String("method", req.Method))
		return
	}
	if _, err := d.Send(message.TypeReply, msg.Recipient, msg.Sender, reply, ttl); err != nil {
		d.logger.Warn("failed to send reply",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) invoke(msg *message.Message, caller RequestCaller, method string, params []any) ([]any, error) {
	ctx, cancel := context.WithDeadline(context.Background(), time.UnixMilli(msg.ExpiryDate))
	defer cancel()

	resp, err := caller.Invoke(ctx, method, params)
	if err != nil {
		d.logger.Debug("request failed",
			slog.String("participant_id", msg.Recipient),
			slog.String("method", method),
			slog.String("error", err.Error()))
	}
	return resp, err
}

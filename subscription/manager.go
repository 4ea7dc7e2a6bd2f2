// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscription tracks the subscriptions a consumer holds on remote
// attributes, broadcasts and multicasts.
package subscription

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/joynr/internal/scheduler"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/router"
	"github.com/absmach/joynr/routing"
	"github.com/absmach/joynr/topics"
	"github.com/google/uuid"
)

// Sender sends a payload to a participant. A non-nil delivery resolves
// with the routing outcome of the message.
type Sender interface {
	Send(typ message.Type, from, to string, payload any, ttl time.Duration) (*router.Delivery, error)
}

// MulticastRegistrar makes multicasts of a provider reach a subscriber.
type MulticastRegistrar interface {
	AddMulticastReceiver(multicastID, subscriberID, providerID string) error
	RemoveMulticastReceiver(multicastID, subscriberID, providerID string) error
}

// Listener receives the events of one subscription.
type Listener interface {
	OnSubscribed(subscriptionID string)
	OnReceive(values []any)
	OnError(err error)
}

// ListenerFuncs adapts functions to a Listener. Nil functions are skipped.
type ListenerFuncs struct {
	Subscribed func(subscriptionID string)
	Receive    func(values []any)
	Error      func(err error)
}

func (l ListenerFuncs) OnSubscribed(id string) {
	if l.Subscribed != nil {
		l.Subscribed(id)
	}
}

func (l ListenerFuncs) OnReceive(values []any) {
	if l.Receive != nil {
		l.Receive(values)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

// Registration describes a subscription to register.
type Registration struct {
	// SubscriptionID is generated when empty. Reusing the id of an active
	// subscription updates it.
	SubscriptionID string

	// From is the subscribing participant, To the provider.
	From string
	To   string

	// Name of the attribute, broadcast or multicast.
	Name string

	Qos      Qos
	Listener Listener

	// FilterParameters apply to broadcast subscriptions.
	FilterParameters map[string]string

	// Partitions apply to multicast subscriptions.
	Partitions []string
}

// Config configures a Manager.
type Config struct {
	// RequestTTL is the TTL of subscription requests and stops. It is
	// shortened to the subscription's remaining validity.
	RequestTTL time.Duration
}

type state struct {
	id          string
	from, to    string
	multicastID string
	qos         Qos
	listener    Listener
	future      *Future

	mu     sync.Mutex
	expiry *scheduler.Task
	alert  *scheduler.Task
	closed bool
}

// Manager is the consumer side of subscriptions.
type Manager struct {
	cfg       Config
	sender    Sender
	multicast MulticastRegistrar
	sched     *scheduler.Scheduler
	logger    *slog.Logger

	mu   sync.RWMutex
	subs map[string]*state
}

// NewManager creates a subscription manager. Timers run on sched.
func NewManager(cfg Config, sender Sender, multicast MulticastRegistrar, sched *scheduler.Scheduler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		sender:    sender,
		multicast: multicast,
		sched:     sched,
		logger:    logger,
		subs:      make(map[string]*state),
	}
}

// RegisterAttributeSubscription subscribes to an attribute.
func (m *Manager) RegisterAttributeSubscription(reg Registration) (*Future, error) {
	return m.register(reg, "", func(id string) (message.Type, any) {
		return message.TypeSubscriptionRequest, Request{SubscriptionID: id, Name: reg.Name, Qos: reg.Qos}
	})
}

// RegisterBroadcastSubscription subscribes to a selective broadcast.
func (m *Manager) RegisterBroadcastSubscription(reg Registration) (*Future, error) {
	return m.register(reg, "", func(id string) (message.Type, any) {
		return message.TypeBroadcastSubscriptionRequest, BroadcastRequest{
			SubscriptionID:   id,
			Name:             reg.Name,
			Qos:              reg.Qos,
			FilterParameters: reg.FilterParameters,
		}
	})
}

// RegisterMulticastSubscription subscribes to a multicast. Partitions may
// end in wildcards.
func (m *Manager) RegisterMulticastSubscription(reg Registration) (*Future, error) {
	multicastID, err := routing.BuildMulticastID(reg.To, reg.Name, reg.Partitions...)
	if err != nil {
		return nil, err
	}
	return m.register(reg, multicastID, func(id string) (message.Type, any) {
		return message.TypeMulticastSubscriptionRequest, MulticastRequest{
			SubscriptionID: id,
			MulticastID:    multicastID,
			Name:           reg.Name,
			Qos:            reg.Qos,
		}
	})
}

func (m *Manager) register(reg Registration, multicastID string, request func(id string) (message.Type, any)) (*Future, error) {
	if reg.Listener == nil {
		return nil, errors.New("subscription listener is required")
	}

	now := m.sched.Now()
	if reg.Qos.Expires() && reg.Qos.TimeLeft(now) <= 0 {
		return nil, ErrSubscriptionExpired
	}

	id := reg.SubscriptionID
	if id == "" {
		id = uuid.New().String()
	}

	future := newFuture(id)
	// An update replaces the previous state but keeps the id. A future
	// still waiting for its reply is answered by the new request.
	if old := m.remove(id); old != nil {
		old.stopTimers()
		m.removeMulticastReceiver(old)
		if old.future.pending() {
			future = old.future
		}
	}

	st := &state{
		id:          id,
		from:        reg.From,
		to:          reg.To,
		multicastID: multicastID,
		qos:         reg.Qos,
		listener:    reg.Listener,
		future:      future,
	}

	if multicastID != "" && m.multicast != nil {
		if err := m.multicast.AddMulticastReceiver(multicastID, reg.From, reg.To); err != nil {
			err = fmt.Errorf("failed to register multicast receiver: %w", err)
			future.resolve(err)
			return nil, err
		}
	}

	m.mu.Lock()
	m.subs[id] = st
	m.mu.Unlock()

	if err := m.arm(st, now); err != nil {
		m.drop(st)
		future.resolve(err)
		return nil, err
	}

	typ, payload := request(id)
	delivery, err := m.sender.Send(typ, reg.From, reg.To, payload, m.requestTTL(st.qos, now))
	if err != nil {
		err = fmt.Errorf("failed to send subscription request %s: %w", id, err)
		m.drop(st)
		future.resolve(err)
		return nil, err
	}
	if delivery != nil {
		go m.watchRequest(st, delivery)
	}

	m.logger.Debug("subscription registered",
		slog.String("subscription_id", id),
		slog.String("provider_id", reg.To),
		slog.String("name", reg.Name),
		slog.String("qos", string(reg.Qos.Kind)))
	return st.future, nil
}

// Unregister stops a subscription and tells the provider.
func (m *Manager) Unregister(subscriptionID string) error {
	st := m.remove(subscriptionID)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscriptionID)
	}
	st.stopTimers()
	st.future.resolve(ErrUnsubscribed)
	m.removeMulticastReceiver(st)

	now := m.sched.Now()
	stop := Stop{SubscriptionID: subscriptionID}
	delivery, err := m.sender.Send(message.TypeSubscriptionStop, st.from, st.to, stop, m.requestTTL(st.qos, now))
	if err != nil {
		return fmt.Errorf("failed to send subscription stop %s: %w", subscriptionID, err)
	}
	if delivery != nil {
		go m.watchStop(st, delivery)
	}
	return nil
}

// watchRequest ends st when its subscription request cannot be delivered.
func (m *Manager) watchRequest(st *state, d *router.Delivery) {
	<-d.Done()
	err := d.Err()
	if err == nil {
		return
	}

	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return
	}

	err = fmt.Errorf("subscription request %s not delivered: %w", st.id, err)
	m.logger.Warn("subscription request not delivered",
		slog.String("subscription_id", st.id),
		slog.String("provider_id", st.to),
		slog.String("error", err.Error()))
	m.drop(st)
	st.future.resolve(err)
	st.listener.OnError(err)
}

// watchStop reports a stop the provider never received to the listener.
func (m *Manager) watchStop(st *state, d *router.Delivery) {
	<-d.Done()
	err := d.Err()
	if err == nil {
		return
	}

	m.logger.Warn("subscription stop not delivered",
		slog.String("subscription_id", st.id),
		slog.String("provider_id", st.to),
		slog.String("error", err.Error()))
	st.listener.OnError(fmt.Errorf("subscription stop %s not delivered: %w", st.id, err))
}

// IsActive reports whether the subscription is registered and not expired.
func (m *Manager) IsActive(subscriptionID string) bool {
	m.mu.RLock()
	st, ok := m.subs[subscriptionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return !st.qos.Expires() || st.qos.TimeLeft(m.sched.Now()) > 0
}

// HandleReply resolves the future of a subscription request. A reply
// carrying an error ends the subscription.
func (m *Manager) HandleReply(reply Reply) {
	m.mu.RLock()
	st, ok := m.subs[reply.SubscriptionID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("reply for unknown subscription dropped",
			slog.String("subscription_id", reply.SubscriptionID))
		return
	}

	if reply.Error != "" {
		err := &ProviderError{SubscriptionID: reply.SubscriptionID, Message: reply.Error}
		m.drop(st)
		st.future.resolve(err)
		st.listener.OnError(err)
		return
	}

	st.future.resolve(nil)
	st.listener.OnSubscribed(reply.SubscriptionID)
}

// HandlePublication hands a publication to the subscription's listener.
func (m *Manager) HandlePublication(pub Publication) {
	m.mu.RLock()
	st, ok := m.subs[pub.SubscriptionID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("publication for unknown subscription dropped",
			slog.String("subscription_id", pub.SubscriptionID))
		return
	}

	m.deliver(st, pub.Response, pub.Error)
}

// HandleMulticastPublication hands a multicast to every subscription whose
// multicast id matches it.
func (m *Manager) HandleMulticastPublication(pub MulticastPublication) {
	m.mu.RLock()
	var matched []*state
	for _, st := range m.subs {
		if st.multicastID != "" && topics.MulticastMatch(st.multicastID, pub.MulticastID) {
			matched = append(matched, st)
		}
	}
	m.mu.RUnlock()

	if len(matched) == 0 {
		m.logger.Debug("multicast without subscription dropped",
			slog.String("multicast_id", pub.MulticastID))
		return
	}
	for _, st := range matched {
		m.deliver(st, pub.Response, "")
	}
}

func (m *Manager) deliver(st *state, values []any, perr string) {
	now := m.sched.Now()
	if st.qos.Expires() && st.qos.TimeLeft(now) <= 0 {
		return
	}
	m.rearmAlert(st)

	if perr != "" {
		st.listener.OnError(&ProviderError{SubscriptionID: st.id, Message: perr})
		return
	}
	st.listener.OnReceive(values)
}

// arm schedules the expiry cleanup and the missed publication alert.
func (m *Manager) arm(st *state, now time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.qos.Expires() {
		t, err := m.sched.Schedule(st.qos.TimeLeft(now), func() { m.expire(st) })
		if err != nil {
			return fmt.Errorf("failed to schedule subscription expiry: %w", err)
		}
		st.expiry = t
	}
	if st.qos.AlertAfter > 0 {
		t, err := m.sched.Schedule(st.qos.AlertAfter, func() { m.alert(st) })
		if err != nil {
			return fmt.Errorf("failed to schedule publication alert: %w", err)
		}
		st.alert = t
	}
	return nil
}

func (m *Manager) rearmAlert(st *state) {
	if st.qos.AlertAfter <= 0 {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	if st.alert != nil {
		st.alert.Cancel()
	}
	t, err := m.sched.Schedule(st.qos.AlertAfter, func() { m.alert(st) })
	if err != nil {
		m.logger.Warn("failed to rearm publication alert",
			slog.String("subscription_id", st.id),
			slog.String("error", err.Error()))
		st.alert = nil
		return
	}
	st.alert = t
}

func (m *Manager) alert(st *state) {
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return
	}

	st.listener.OnError(ErrPublicationMissed)
	m.rearmAlert(st)
}

func (m *Manager) expire(st *state) {
	m.mu.Lock()
	if cur, ok := m.subs[st.id]; ok && cur == st {
		delete(m.subs, st.id)
	}
	m.mu.Unlock()

	st.stopTimers()
	m.removeMulticastReceiver(st)
	m.logger.Debug("subscription expired", slog.String("subscription_id", st.id))
}

// drop removes st without telling the provider.
func (m *Manager) drop(st *state) {
	m.mu.Lock()
	if cur, ok := m.subs[st.id]; ok && cur == st {
		delete(m.subs, st.id)
	}
	m.mu.Unlock()

	st.stopTimers()
	m.removeMulticastReceiver(st)
}

func (m *Manager) remove(id string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.subs[id]
	if !ok {
		return nil
	}
	delete(m.subs, id)
	return st
}

func (m *Manager) removeMulticastReceiver(st *state) {
	if st.multicastID == "" || m.multicast == nil {
		return
	}
	if err := m.multicast.RemoveMulticastReceiver(st.multicastID, st.from, st.to); err != nil {
		m.logger.Warn("failed to remove multicast receiver",
			slog.String("multicast_id", st.multicastID),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) requestTTL(q Qos, now time.Time) time.Duration {
	ttl := m.cfg.RequestTTL
	if q.Expires() {
		if left := q.TimeLeft(now); ttl <= 0 || left < ttl {
			ttl = left
		}
	}
	return ttl
}

// stopTimers cancels both timers. It is safe to call more than once.
func (st *state) stopTimers() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	if st.expiry != nil {
		st.expiry.Cancel()
		st.expiry = nil
	}
	if st.alert != nil {
		st.alert.Cancel()
		st.alert = nil
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package publication publishes attribute values and broadcasts of local
// providers to their subscribers.
package publication

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
	"github.com/absmach/joynr/subscription"
	"github.com/absmach/joynr/topics"
	"golang.org/x/time/rate"
)

// Sender sends a payload to a participant.
type Sender interface {
	Send(typ message.Type, from, to string, payload any, ttl time.Duration) (*router.Delivery, error)
}

// Config configures a Manager.
type Config struct {
	// ReplyTTL is the TTL of subscription replies.
	ReplyTTL time.Duration

	// MulticastTTL is the TTL of fired multicasts.
	MulticastTTL time.Duration
}

// info is the publication state of one subscription.
type info struct {
	id         string
	subscriber string
	provider   string
	name       string
	qos        subscription.Qos
	params     map[string]string
	filters    []BroadcastFilter
	limiter    *rate.Limiter

	mu          sync.Mutex
	heartbeat   *scheduler.Task
	expiry      *scheduler.Task
	unsubscribe func()
	removed     bool
	last        time.Time
}

type pending struct {
	qos    subscription.Qos
	replay func()
}

// Manager is the provider side of subscriptions.
type Manager struct {
	cfg    Config
	sender Sender
	sched  *scheduler.Scheduler
	logger *slog.Logger

	mu        sync.Mutex
	providers map[string]Provider
	subs      map[string]*info
	queued    map[string][]pending
}

// NewManager creates a publication manager. Timers run on sched.
func NewManager(cfg Config, sender Sender, sched *scheduler.Scheduler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		sender:    sender,
		sched:     sched,
		logger:    logger,
		providers: make(map[string]Provider),
		subs:      make(map[string]*info),
		queued:    make(map[string][]pending),
	}
}

// ProviderRegistered makes p available and replays the subscription
// requests that arrived for it before. Requests that expired while queued
// are dropped.
func (m *Manager) ProviderRegistered(providerID string, p Provider) {
	m.mu.Lock()
	m.providers[providerID] = p
	queued := m.queued[providerID]
	delete(m.queued, providerID)
	m.mu.Unlock()

	m.logger.Info("provider registered",
		slog.String("provider_id", providerID),
		slog.Int("queued_requests", len(queued)))

	now := m.sched.Now()
	for _, q := range queued {
		if q.qos.Expires() && q.qos.TimeLeft(now) <= 0 {
			m.logger.Debug("queued subscription request expired", slog.String("provider_id", providerID))
			continue
		}
		q.replay()
	}
}

// ProviderUnregistered removes the provider with all its subscriptions and
// queued requests.
func (m *Manager) ProviderUnregistered(providerID string) {
	m.mu.Lock()
	delete(m.providers, providerID)
	delete(m.queued, providerID)
	var removed []*info
	for id, in := range m.subs {
		if in.provider == providerID {
			delete(m.subs, id)
			removed = append(removed, in)
		}
	}
	m.mu.Unlock()

	for _, in := range removed {
		in.close()
	}
	m.logger.Info("provider unregistered",
		slog.String("provider_id", providerID),
		slog.Int("subscriptions", len(removed)))
}

// AddSubscriptionRequest starts publishing an attribute to subscriberID.
func (m *Manager) AddSubscriptionRequest(subscriberID, providerID string, req subscription.Request) {
	p, ok := m.provider(providerID, req.Qos, func() { m.AddSubscriptionRequest(subscriberID, providerID, req) })
	if !ok {
		return
	}
	if !m.accept(subscriberID, providerID, req.SubscriptionID, req.Qos) {
		return
	}

	value, verr := p.AttributeValue(req.Name)
	if errors.Is(verr, ErrUnknownAttribute) {
		m.reply(subscriberID, providerID, req.SubscriptionID, fmt.Errorf("%w: %s", ErrUnknownAttribute, req.Name))
		return
	}

	in := m.newInfo(req.SubscriptionID, subscriberID, providerID, req.Name, req.Qos)
	if req.Qos.IsOnChange() {
		unsubscribe, err := p.SubscribeAttribute(req.Name, func(v any) { m.onChange(in, []any{v}) })
		if err != nil {
			m.reply(subscriberID, providerID, req.SubscriptionID, err)
			return
		}
		in.unsubscribe = unsubscribe
	}
	if err := m.store(in); err != nil {
		in.close()
		m.reply(subscriberID, providerID, req.SubscriptionID, err)
		return
	}

	m.reply(subscriberID, providerID, req.SubscriptionID, nil)
	if in.limiter != nil {
		in.limiter.Allow()
	}
	m.publishValue(in, value, verr)

	if d := req.Qos.HeartbeatInterval(); d > 0 {
		m.scheduleHeartbeat(in, p, d)
	}
}

// AddBroadcastSubscriptionRequest starts publishing a selective broadcast
// to subscriberID. Occurrences pass the provider's filters in order.
func (m *Manager) AddBroadcastSubscriptionRequest(subscriberID, providerID string, req subscription.BroadcastRequest) {
	p, ok := m.provider(providerID, req.Qos, func() { m.AddBroadcastSubscriptionRequest(subscriberID, providerID, req) })
	if !ok {
		return
	}
	if !m.accept(subscriberID, providerID, req.SubscriptionID, req.Qos) {
		return
	}

	in := m.newInfo(req.SubscriptionID, subscriberID, providerID, req.Name, req.Qos)
	in.params = req.FilterParameters
	in.filters = p.BroadcastFilters(req.Name)

	unsubscribe, err := p.SubscribeBroadcast(req.Name, func(values []any) { m.onBroadcast(in, values) })
	if err != nil {
		m.reply(subscriberID, providerID, req.SubscriptionID, err)
		return
	}
	in.unsubscribe = unsubscribe

	if err := m.store(in); err != nil {
		in.close()
		m.reply(subscriberID, providerID, req.SubscriptionID, err)
		return
	}
	m.reply(subscriberID, providerID, req.SubscriptionID, nil)
}

// AddMulticastSubscriptionRequest acknowledges a multicast subscription.
// Multicasts are fired to their id, so no per-subscriber state is kept.
func (m *Manager) AddMulticastSubscriptionRequest(subscriberID, providerID string, req subscription.MulticastRequest) {
	if _, ok := m.provider(providerID, req.Qos, func() { m.AddMulticastSubscriptionRequest(subscriberID, providerID, req) }); !ok {
		return
	}
	if !m.accept(subscriberID, providerID, req.SubscriptionID, req.Qos) {
		return
	}
	m.reply(subscriberID, providerID, req.SubscriptionID, nil)
}

// StopPublication ends a subscription. Unknown ids are ignored.
func (m *Manager) StopPublication(stop subscription.Stop) {
	m.mu.Lock()
	in, ok := m.subs[stop.SubscriptionID]
	delete(m.subs, stop.SubscriptionID)
	m.mu.Unlock()

	if ok {
		in.close()
		m.logger.Debug("publication stopped", slog.String("subscription_id", stop.SubscriptionID))
	}
}

// FireMulticast publishes values to every subscriber of the multicast.
func (m *Manager) FireMulticast(providerID, name string, partitions []string, values []any) error {
	m.mu.Lock()
	_, ok := m.providers[providerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}

	multicastID, err := routing.BuildMulticastID(providerID, name, partitions...)
	if err != nil {
		return err
	}
	if topics.HasWildcard(multicastID) {
		return fmt.Errorf("%w: wildcards cannot be fired", topics.ErrInvalidPartition)
	}

	pub := subscription.MulticastPublication{MulticastID: multicastID, Response: values}
	if _, err := m.sender.Send(message.TypeMulticast, providerID, multicastID, pub, m.cfg.MulticastTTL); err != nil {
		return fmt.Errorf("failed to fire multicast %s: %w", multicastID, err)
	}
	return nil
}

// Subscriptions returns the number of active publications.
func (m *Manager) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close stops every publication.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*info)
	m.mu.Unlock()

	for _, in := range subs {
		in.close()
	}
}

// provider returns the registered provider, or queues replay for later.
func (m *Manager) provider(providerID string, qos subscription.Qos, replay func()) (Provider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.providers[providerID]; ok {
		return p, true
	}
	m.queued[providerID] = append(m.queued[providerID], pending{qos: qos, replay: replay})
	m.logger.Debug("subscription request queued for unknown provider",
		slog.String("provider_id", providerID))
	return nil, false
}

// accept rejects expired requests and drops a previous subscription with
// the same id.
func (m *Manager) accept(subscriberID, providerID, id string, qos subscription.Qos) bool {
	if qos.Expires() && qos.TimeLeft(m.sched.Now()) <= 0 {
		m.reply(subscriberID, providerID, id, subscription.ErrSubscriptionExpired)
		return false
	}
	m.StopPublication(subscription.Stop{SubscriptionID: id})
	return true
}

func (m *Manager) newInfo(id, subscriberID, providerID, name string, qos subscription.Qos) *info {
	in := &info{
		id:         id,
		subscriber: subscriberID,
		provider:   providerID,
		name:       name,
		qos:        qos,
	}
	if qos.MinInterval > 0 {
		in.limiter = rate.NewLimiter(rate.Every(qos.MinInterval), 1)
	}
	return in
}

// store registers in and schedules its cleanup at the expiry instant.
func (m *Manager) store(in *info) error {
	if in.qos.Expires() {
		t, err := m.sched.Schedule(in.qos.TimeLeft(m.sched.Now()), func() { m.expire(in) })
		if err != nil {
			return fmt.Errorf("failed to schedule publication expiry: %w", err)
		}
		in.mu.Lock()
		in.expiry = t
		in.mu.Unlock()
	}

	m.mu.Lock()
	m.subs[in.id] = in
	m.mu.Unlock()
	return nil
}

func (m *Manager) expire(in *info) {
	m.mu.Lock()
	if cur, ok := m.subs[in.id]; ok && cur == in {
		delete(m.subs, in.id)
	}
	m.mu.Unlock()

	in.close()
	m.logger.Debug("publication expired", slog.String("subscription_id", in.id))
}

func (m *Manager) onChange(in *info, values []any) {
	if in.limiter != nil && !in.limiter.Allow() {
		m.logger.Debug("publication throttled by min interval", slog.String("subscription_id", in.id))
		return
	}
	m.publish(in, values, "")
}

func (m *Manager) onBroadcast(in *info, values []any) {
	if !passes(in.filters, values, in.params) {
		return
	}
	m.onChange(in, values)
}

func (m *Manager) publishValue(in *info, value any, err error) {
	if err != nil {
		m.publish(in, nil, err.Error())
		return
	}
	m.publish(in, []any{value}, "")
}

func (m *Manager) publish(in *info, values []any, perr string) {
	in.mu.Lock()
	removed := in.removed
	in.last = m.sched.Now()
	in.mu.Unlock()
	if removed {
		return
	}

	pub := subscription.Publication{SubscriptionID: in.id, Response: values, Error: perr}
	if _, err := m.sender.Send(message.TypePublication, in.provider, in.subscriber, pub, in.qos.PublicationTTL); err != nil {
		m.logger.Warn("failed to send publication",
			slog.String("subscription_id", in.id),
			slog.String("error", err.Error()))
	}
}

// scheduleHeartbeat arms the publication timer. Periodic subscriptions
// publish on every tick; keep-alive subscriptions only when nothing was
// published for interval.
func (m *Manager) scheduleHeartbeat(in *info, p Provider, interval time.Duration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.removed {
		return
	}

	delay := interval
	if in.qos.Kind == subscription.KindOnChangeWithKeepAlive && !in.last.IsZero() {
		delay = in.last.Add(interval).Sub(m.sched.Now())
	}

	t, err := m.sched.Schedule(delay, func() { m.heartbeat(in, p, interval) })
	if err != nil {
		m.logger.Warn("failed to schedule publication timer",
			slog.String("subscription_id", in.id),
			slog.String("error", err.Error()))
		return
	}
	in.heartbeat = t
}

func (m *Manager) heartbeat(in *info, p Provider, interval time.Duration) {
	in.mu.Lock()
	idle := m.sched.Now().Sub(in.last)
	in.mu.Unlock()

	if in.qos.Kind != subscription.KindOnChangeWithKeepAlive || idle >= interval {
		value, err := p.AttributeValue(in.name)
		m.publishValue(in, value, err)
	}
	m.scheduleHeartbeat(in, p, interval)
}

// close cancels the timers and unregisters the change listener. It is safe
// to call more than once.
func (in *info) close() {
	in.mu.Lock()
	if in.removed {
		in.mu.Unlock()
		return
	}
	in.removed = true
	if in.heartbeat != nil {
		in.heartbeat.Cancel()
	}
	if in.expiry != nil {
		in.expiry.Cancel()
	}
	unsubscribe := in.unsubscribe
	in.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (m *Manager) reply(subscriberID, providerID, id string, err error) {
	r := subscription.Reply{SubscriptionID: id}
	if err != nil {
		r.Error = err.Error()
		m.logger.Warn("subscription request rejected",
			slog.String("subscription_id", id),
			slog.String("provider_id", providerID),
			slog.String("error", r.Error))
	}
	if _, err := m.sender.Send(message.TypeSubscriptionReply, providerID, subscriberID, r, m.cfg.ReplyTTL); err != nil {
		m.logger.Warn("failed to send subscription reply",
			slog.String("subscription_id", id),
			slog.String("error", err.Error()))
	}
}

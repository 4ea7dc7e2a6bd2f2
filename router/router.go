// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router delivers messages to the transport addresses of their
// recipients, retrying transient failures until the message expires.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/internal/scheduler"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/messaging"
	"github.com/absmach/joynr/routing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errRelativeTTL = errors.New("relative ttl is not supported")

var _ address.MessageReceiver = (*Router)(nil)

// Config holds the retry parameters.
type Config struct {
	// RetryInterval is the base delay between attempts.
	RetryInterval time.Duration

	// MaxRetryDelay caps the backoff. It is ignored when below RetryInterval.
	MaxRetryDelay time.Duration

	// QueueFullBackoff is the pause before resubmitting a task the
	// scheduler rejected because its queue was full.
	QueueFullBackoff time.Duration

	// QueueFullRetries bounds those resubmissions.
	QueueFullRetries int

	// ShutdownTimeout bounds the wait for running attempts on Shutdown.
	ShutdownTimeout time.Duration
}

// MessageProcessedListener is told when a message left the router,
// delivered or not.
type MessageProcessedListener interface {
	OnMessageProcessed(messageID string, err error)
}

// SkeletonProvider returns the multicast skeleton of a transport.
type SkeletonProvider interface {
	Skeleton(kind address.Kind) (messaging.MulticastSkeleton, bool)
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records router metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithSkeletons lets the router subscribe multicasts on transports.
func WithSkeletons(p SkeletonProvider) Option {
	return func(r *Router) { r.skeletons = p }
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithJitter replaces the random backoff component, a value in [0, 1).
func WithJitter(jitter func() float64) Option {
	return func(r *Router) { r.jitter = jitter }
}

// Router routes messages. Each message is delivered by a chain of attempts
// on the scheduler; attempt N+1 is only scheduled once every callback of
// attempt N has returned.
type Router struct {
	cfg       Config
	table     *routing.Table
	receivers *routing.MulticastReceivers
	addresses *routing.AddressManager
	stubs     messaging.StubFactory
	sched     *scheduler.Scheduler
	skeletons SkeletonProvider
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
	jitter    func() float64

	listenersMu sync.RWMutex
	listeners   []MessageProcessedListener

	active  sync.Map // *job -> struct{}
	stopped atomic.Bool
}

// New creates a router.
func New(cfg Config, table *routing.Table, receivers *routing.MulticastReceivers, addresses *routing.AddressManager, stubs messaging.StubFactory, sched *scheduler.Scheduler, opts ...Option) *Router {
	r := &Router{
		cfg:       cfg,
		table:     table,
		receivers: receivers,
		addresses: addresses,
		stubs:     stubs,
		sched:     sched,
		tracer:    otel.Tracer("github.com/absmach/joynr/router"),
		logger:    slog.Default(),
		now:       time.Now,
		jitter:    rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddListener registers l for message processed notifications.
func (r *Router) AddListener(l MessageProcessedListener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

// job is the retry state of one message.
type job struct {
	msg      *message.Message
	delivery *Delivery
	attempt  int
	// retry holds the multicast addresses that failed transiently in the
	// previous attempt. Unicast messages are resolved again on every attempt.
	retry []address.Address
}

// Route accepts msg for delivery. Expired messages and messages with a
// relative TTL are rejected right away; everything else resolves through
// the returned Delivery.
func (r *Router) Route(msg *message.Message) (*Delivery, error) {
	if r.stopped.Load() {
		return nil, messaging.ErrShutdown
	}
	if !msg.TTLAbsolute {
		return nil, messaging.NotSent(errRelativeTTL)
	}
	ctx := context.Background()
	if msg.IsExpired(r.now()) {
		r.metrics.recordExpired(ctx, msg.Type)
		r.logger.Warn("dropping expired message",
			slog.String("message_id", msg.ID),
			slog.String("type", string(msg.Type)))
		return nil, messaging.ErrMessageExpired
	}

	r.learnReplyTo(msg)

	j := &job{msg: msg, delivery: newDelivery(msg.ID)}
	r.active.Store(j, struct{}{})
	if err := r.schedule(j, 0); err != nil {
		r.active.Delete(j)
		return nil, err
	}
	r.metrics.recordRouted(ctx, msg.Type)
	return j.delivery, nil
}

// Receive routes a message that arrived on a transport. It lets the router
// act as the receiver of skeletons and servers.
func (r *Router) Receive(msg *message.Message) error {
	_, err := r.Route(msg)
	return err
}

// AddNextHop stores the address of participantID.
func (r *Router) AddNextHop(participantID string, addr address.Address, globallyVisible bool, expiryDate int64, sticky bool) {
	r.table.Put(participantID, addr, globallyVisible, expiryDate, sticky)
}

// RemoveNextHop forgets the address of participantID.
func (r *Router) RemoveNextHop(participantID string) {
	r.table.Remove(participantID)
}

// ResolveNextHop reports whether participantID has a known address.
func (r *Router) ResolveNextHop(participantID string) bool {
	return r.table.Contains(participantID)
}

// AddMulticastReceiver registers subscriberID for multicastID and, when the
// provider is reached through a transport with a multicast skeleton,
// subscribes the multicast there as well.
func (r *Router) AddMulticastReceiver(multicastID, subscriberID, providerID string) error {
	providerAddr, ok := r.table.Get(providerID)
	if !ok {
		return fmt.Errorf("%w: provider %s", routing.ErrUnknownParticipant, providerID)
	}

	r.receivers.Register(multicastID, subscriberID)
	if sk, ok := r.skeleton(providerAddr); ok {
		if err := sk.RegisterMulticastSubscription(multicastID); err != nil {
			r.receivers.Unregister(multicastID, subscriberID)
			return fmt.Errorf("failed to subscribe multicast %s: %w", multicastID, err)
		}
	}
	return nil
}

// RemoveMulticastReceiver undoes AddMulticastReceiver.
func (r *Router) RemoveMulticastReceiver(multicastID, subscriberID, providerID string) error {
	r.receivers.Unregister(multicastID, subscriberID)

	providerAddr, ok := r.table.Get(providerID)
	if !ok {
		return nil
	}
	if sk, ok := r.skeleton(providerAddr); ok {
		if err := sk.UnregisterMulticastSubscription(multicastID); err != nil {
			return fmt.Errorf("failed to unsubscribe multicast %s: %w", multicastID, err)
		}
	}
	return nil
}

// Shutdown stops accepting messages, cancels scheduled attempts and waits
// for running ones. Deliveries that did not finish resolve with
// messaging.ErrShutdown.
func (r *Router) Shutdown(ctx context.Context) error {
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if r.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
		defer cancel()
	}

	r.logger.Info("shutting down message router")
	err := r.sched.Shutdown(ctx)

	r.active.Range(func(k, _ any) bool {
		r.finish(k.(*job), messaging.ErrShutdown)
		return true
	})
	return err
}

func (r *Router) skeleton(providerAddr address.Address) (messaging.MulticastSkeleton, bool) {
	if r.skeletons == nil {
		return nil, false
	}
	return r.skeletons.Skeleton(providerAddr.Kind())
}

// learnReplyTo stores the sender's reply-to address of messages that
// expect an answer, so the reply can be routed back.
func (r *Router) learnReplyTo(msg *message.Message) {
	if !msg.ExpectsReply() || msg.ReplyTo == "" {
		return
	}
	addr, err := address.Parse(msg.ReplyTo)
	if err != nil {
		r.logger.Debug("ignoring unparseable reply-to address",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
		return
	}
	r.table.Put(msg.Sender, addr, true, msg.ExpiryDate, false)
}

// schedule submits the next attempt of j. A full queue is retried a bounded
// number of times with a synchronous pause.
func (r *Router) schedule(j *job, delay time.Duration) error {
	for i := 0; ; i++ {
		_, err := r.sched.Schedule(delay, func() { r.attempt(j) })
		switch {
		case err == nil:
			return nil
		case errors.Is(err, scheduler.ErrStopped):
			return messaging.ErrShutdown
		case errors.Is(err, scheduler.ErrQueueFull) && i < r.cfg.QueueFullRetries:
			r.logger.Debug("scheduler queue full, backing off",
				slog.String("message_id", j.msg.ID),
				slog.Int("retry", i+1))
			time.Sleep(r.cfg.QueueFullBackoff)
		default:
			return messaging.NotSent(err)
		}
	}
}

func (r *Router) attempt(j *job) {
	ctx, span := r.tracer.Start(context.Background(), "router.attempt", trace.WithAttributes(
		attribute.String("message.id", j.msg.ID),
		attribute.String("message.type", string(j.msg.Type)),
		attribute.Int("attempt", j.attempt),
	))

	if j.msg.IsExpired(r.now()) {
		span.End()
		r.finish(j, messaging.ErrMessageExpired)
		return
	}

	addrs := j.retry
	if addrs == nil {
		var err error
		addrs, err = r.addresses.Addresses(j.msg)
		if err != nil {
			span.End()
			r.finish(j, messaging.NotSent(err))
			return
		}
	}
	if len(addrs) == 0 {
		span.End()
		if j.msg.IsMulticast() {
			r.finish(j, nil)
			return
		}
		r.finish(j, messaging.NotSent(fmt.Errorf("%w: %s", messaging.ErrNoAddress, j.msg.Recipient)))
		return
	}

	deadline := time.UnixMilli(j.msg.ExpiryDate)
	ctx, cancel := context.WithDeadline(ctx, deadline)

	res := &attemptResult{remaining: len(addrs)}
	complete := func() {
		cancel()
		r.completeAttempt(j, res, span)
	}

	for _, addr := range addrs {
		stub, err := r.stubs.Create(addr)
		if err != nil {
			if errors.Is(err, messaging.ErrNoStub) {
				err = messaging.NotSent(err)
			}
			if res.fail(addr, err) {
				complete()
			}
			continue
		}

		var once sync.Once
		stub.Transmit(ctx, j.msg,
			func() {
				once.Do(func() {
					if res.succeed() {
						complete()
					}
				})
			},
			func(err error) {
				once.Do(func() {
					if res.fail(addr, err) {
						complete()
					}
				})
			})
	}
}

// attemptResult collects the outcome of one attempt over all addresses.
type attemptResult struct {
	mu        sync.Mutex
	remaining int
	transient []address.Address
	lastErr   error
	permErr   error
	delay     time.Duration
}

func (a *attemptResult) succeed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remaining--
	return a.remaining == 0
}

func (a *attemptResult) fail(addr address.Address, err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if messaging.IsPermanent(err) {
		a.permErr = err
	} else {
		a.transient = append(a.transient, addr)
		a.lastErr = err
		var de *messaging.DelayError
		if errors.As(err, &de) && de.Delay > a.delay {
			a.delay = de.Delay
		}
	}
	a.remaining--
	return a.remaining == 0
}

// completeAttempt finishes j or schedules its next attempt. When the next
// retry delay is not shorter than the remaining TTL the message is failed
// with ErrMessageExpired right away instead of being rescheduled only to
// expire on its next attempt. The caller sees the same error a little early.
func (r *Router) completeAttempt(j *job, res *attemptResult, span trace.Span) {
	defer span.End()

	res.mu.Lock()
	transient, lastErr, permErr, requested := res.transient, res.lastErr, res.permErr, res.delay
	res.mu.Unlock()

	if len(transient) == 0 {
		if permErr != nil {
			span.SetStatus(codes.Error, permErr.Error())
		}
		r.finish(j, permErr)
		return
	}
	if errors.Is(lastErr, messaging.ErrShutdown) {
		r.finish(j, messaging.ErrShutdown)
		return
	}
	if permErr != nil {
		r.logger.Warn("multicast address failed permanently",
			slog.String("message_id", j.msg.ID),
			slog.String("error", permErr.Error()))
	}

	delay := requested
	if delay <= 0 {
		delay = Backoff(r.cfg.RetryInterval, r.cfg.MaxRetryDelay, j.attempt, r.jitter())
	}
	span.SetStatus(codes.Error, lastErr.Error())

	if j.msg.TTL(r.now()) <= delay {
		r.finish(j, messaging.ErrMessageExpired)
		return
	}

	j.attempt++
	if j.msg.IsMulticast() {
		j.retry = transient
	}

	r.logger.Debug("message delivery failed, retrying",
		slog.String("message_id", j.msg.ID),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", lastErr.Error()))
	r.metrics.recordRetry(context.Background(), j.msg.Type, delay)

	if err := r.schedule(j, delay); err != nil {
		r.finish(j, err)
	}
}

func (r *Router) finish(j *job, err error) {
	if !j.delivery.resolve(err) {
		return
	}
	r.active.Delete(j)

	ctx := context.Background()
	switch {
	case err == nil:
		r.metrics.recordDelivered(ctx, j.msg.Type)
		r.logger.Debug("message delivered",
			slog.String("message_id", j.msg.ID),
			slog.Int("attempts", j.attempt+1))
	case errors.Is(err, messaging.ErrMessageExpired):
		r.metrics.recordExpired(ctx, j.msg.Type)
		r.logger.Warn("message expired before delivery",
			slog.String("message_id", j.msg.ID),
			slog.String("recipient", j.msg.Recipient),
			slog.Int("attempts", j.attempt+1))
	case errors.Is(err, messaging.ErrShutdown):
		r.logger.Info("message dropped on shutdown", slog.String("message_id", j.msg.ID))
	default:
		r.metrics.recordFailed(ctx, j.msg.Type)
		r.logger.Error("message delivery failed",
			slog.String("message_id", j.msg.ID),
			slog.String("recipient", j.msg.Recipient),
			slog.String("error", err.Error()))
	}

	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		l.OnMessageProcessed(j.msg.ID, err)
	}
}

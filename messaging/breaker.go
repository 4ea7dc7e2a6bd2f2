// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the per-address circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures that
	// opens the breaker. Zero disables breaking.
	FailureThreshold uint32

	// ResetTimeout is how long an open breaker rejects messages.
	ResetTimeout time.Duration
}

var _ StubFactory = (*BreakerFactory)(nil)

// BreakerFactory wraps the stubs of another factory in one circuit breaker
// per destination address. While a breaker is open, transmissions fail
// with a DelayError of the reset timeout.
type BreakerFactory struct {
	next     StubFactory
	cfg      BreakerConfig
	logger   *slog.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// NewBreakerFactory decorates next.
func NewBreakerFactory(next StubFactory, cfg BreakerConfig, logger *slog.Logger) *BreakerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerFactory{
		next:     next,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// Create implements StubFactory.
func (f *BreakerFactory) Create(addr address.Address) (Stub, error) {
	stub, err := f.next.Create(addr)
	if err != nil {
		return nil, err
	}
	if f.cfg.FailureThreshold == 0 {
		return stub, nil
	}
	return &breakerStub{stub: stub, cb: f.breaker(addr), delay: f.cfg.ResetTimeout}, nil
}

// Forget drops the breaker of addr, typically once its participant is gone.
func (f *BreakerFactory) Forget(addr address.Address) {
	f.mu.Lock()
	delete(f.breakers, address.Key(addr))
	f.mu.Unlock()
}

func (f *BreakerFactory) breaker(addr address.Address) *gobreaker.TwoStepCircuitBreaker {
	key := address.Key(addr)

	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[key]; ok {
		return cb
	}
	threshold := f.cfg.FailureThreshold
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     f.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			f.logger.Warn("messaging circuit breaker state changed",
				slog.String("address", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	f.breakers[key] = cb
	return cb
}

type breakerStub struct {
	stub  Stub
	cb    *gobreaker.TwoStepCircuitBreaker
	delay time.Duration
}

func (s *breakerStub) Transmit(ctx context.Context, msg *message.Message, onSuccess func(), onFailure func(error)) {
	done, err := s.cb.Allow()
	if err != nil {
		onFailure(&DelayError{Delay: s.delay, Err: err})
		return
	}
	s.stub.Transmit(ctx, msg,
		func() {
			done(true)
			onSuccess()
		},
		func(err error) {
			// A message the transport refuses says nothing about the
			// destination's health.
			done(IsPermanent(err))
			onFailure(err)
		})
}

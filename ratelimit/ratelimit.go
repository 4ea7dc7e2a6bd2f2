// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles connection attempts per remote host.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimiter keeps one token bucket per remote host. Buckets idle for
// twice the cleanup interval are dropped.
type HostLimiter struct {
	mu      sync.Mutex
	hosts   map[string]*hostEntry
	rate    rate.Limit
	burst   int
	cleanup time.Duration
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type hostEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewHostLimiter creates a limiter allowing r attempts per second with the
// given burst per host. A positive cleanup interval starts a background
// loop that forgets idle hosts.
func NewHostLimiter(r float64, burst int, cleanup time.Duration) *HostLimiter {
	l := &HostLimiter{
		hosts:   make(map[string]*hostEntry),
		rate:    rate.Limit(r),
		burst:   burst,
		cleanup: cleanup,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if cleanup > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Allow reports whether an attempt from remoteAddr, in host:port or bare
// host form, may proceed. Empty addresses are always allowed.
func (l *HostLimiter) Allow(remoteAddr string) bool {
	host := hostOf(remoteAddr)
	if host == "" {
		return true
	}

	now := l.now()
	l.mu.Lock()
	e, ok := l.hosts[host]
	if !ok {
		e = &hostEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.hosts[host] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked hosts.
func (l *HostLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}

// Stop ends the cleanup loop.
func (l *HostLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *HostLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.forgetIdle()
		case <-l.stopCh:
			return
		}
	}
}

func (l *HostLimiter) forgetIdle() {
	threshold := l.now().Add(-2 * l.cleanup)

	l.mu.Lock()
	defer l.mu.Unlock()
	for host, e := range l.hosts {
		if e.lastSeen.Before(threshold) {
			delete(l.hosts, host)
		}
	}
}

func hostOf(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

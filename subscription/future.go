// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"sync"
)

// Future resolves when the provider replied to a subscription request.
type Future struct {
	SubscriptionID string

	done chan struct{}
	once sync.Once
	err  error
}

func newFuture(id string) *Future {
	return &Future{SubscriptionID: id, done: make(chan struct{})}
}

// Done is closed once the reply arrived.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks for the reply. It returns the provider's error, if any.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.SubscriptionID, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *Future) pending() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

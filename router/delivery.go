// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"sync"
)

// Delivery is the outcome of routing one message. It resolves once the
// message was delivered to every address, failed permanently, or expired.
type Delivery struct {
	MessageID string

	done chan struct{}
	once sync.Once
	err  error
}

func newDelivery(messageID string) *Delivery {
	return &Delivery{MessageID: messageID, done: make(chan struct{})}
}

// Done is closed when the delivery resolved.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Err returns the final error, or nil while pending or after success.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until the delivery resolved or ctx is done.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Delivery) resolve(err error) bool {
	resolved := false
	d.once.Do(func() {
		d.err = err
		close(d.done)
		resolved = true
	})
	return resolved
}

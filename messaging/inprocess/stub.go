// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package inprocess delivers messages to receivers living in the same process.
package inprocess

import (
	"context"
	"fmt"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/messaging"
)

var _ messaging.Stub = (*Stub)(nil)

// Stub hands messages to the receiver of an in-process address.
type Stub struct {
	receiver address.MessageReceiver
}

// NewFactory returns the stub factory for in-process addresses.
func NewFactory() messaging.StubFactory {
	return messaging.StubFactoryFunc(func(addr address.Address) (messaging.Stub, error) {
		a, ok := addr.(address.InProcess)
		if !ok || a.Receiver == nil {
			return nil, fmt.Errorf("%w: %v", messaging.ErrNoStub, addr)
		}
		return &Stub{receiver: a.Receiver}, nil
	})
}

// Transmit calls the receiver on the caller's goroutine.
func (s *Stub) Transmit(ctx context.Context, msg *message.Message, onSuccess func(), onFailure func(error)) {
	if err := ctx.Err(); err != nil {
		onFailure(err)
		return
	}
	if err := s.receiver.Receive(msg); err != nil {
		onFailure(err)
		return
	}
	onSuccess()
}

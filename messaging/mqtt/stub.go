// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/messaging"
)

var _ messaging.Stub = (*Stub)(nil)

// Stub publishes messages to one MQTT address.
type Stub struct {
	client Client
	topic  string
	qos    byte
	codec  message.Codec
}

// NewFactory returns the stub factory for MQTT addresses.
func NewFactory(clients *Clients, codec message.Codec) messaging.StubFactory {
	return messaging.StubFactoryFunc(func(addr address.Address) (messaging.Stub, error) {
		a, ok := addr.(address.MQTT)
		if !ok {
			return nil, fmt.Errorf("%w: %v", messaging.ErrNoStub, addr)
		}
		cl, err := clients.Get(a.BrokerURI)
		if errors.Is(err, ErrUnknownGBID) {
			return nil, messaging.NotSent(err)
		}
		if err != nil {
			return nil, err
		}
		return &Stub{client: cl, topic: a.Topic, qos: clients.cfg.QoS, codec: codec}, nil
	})
}

// Transmit publishes msg and reports the outcome once the broker
// acknowledged it.
func (s *Stub) Transmit(ctx context.Context, msg *message.Message, onSuccess func(), onFailure func(error)) {
	data, err := s.codec.Marshal(msg)
	if err != nil {
		onFailure(messaging.NotSent(err))
		return
	}

	tok := s.client.Publish(s.topic, s.qos, false, data)
	go func() {
		select {
		case <-tok.Done():
			if err := tok.Error(); err != nil {
				onFailure(fmt.Errorf("publish to %s: %w", s.topic, err))
				return
			}
			onSuccess()
		case <-ctx.Done():
			onFailure(ctx.Err())
		}
	}()
}

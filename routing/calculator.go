// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"slices"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/topics"
)

// Transport names a calculator can be selected by.
const (
	TransportMQTT      = "mqtt"
	TransportWebSocket = "websocket"
)

// AddressCalculator computes the transport addresses a multicast message
// is published to on one transport.
type AddressCalculator interface {
	// Calculate returns the addresses msg must be sent to.
	Calculate(msg *message.Message) []address.Address

	// Supports reports whether the calculator serves the named transport.
	Supports(transport string) bool

	// CreatesGlobalTransportAddresses reports whether the addresses leave
	// this runtime. Such addresses are only used for globally visible providers.
	CreatesGlobalTransportAddresses() bool
}

var (
	_ AddressCalculator = (*MQTTCalculator)(nil)
	_ AddressCalculator = (*WebSocketCalculator)(nil)
)

// MQTTCalculator publishes multicasts to one topic per backend.
type MQTTCalculator struct {
	// GBIDs are the configured backends. The first one is the default.
	GBIDs []string

	// TopicPrefix is prepended to the multicast id.
	TopicPrefix string
}

// Calculate returns one MQTT address per target backend. A message naming a
// known backend in its gbid header goes to that backend only; otherwise it
// is published on every configured backend.
func (c *MQTTCalculator) Calculate(msg *message.Message) []address.Address {
	topic := topics.WithPrefix(c.TopicPrefix, msg.Recipient)
	if gbid, ok := msg.Header(message.HeaderGBID); ok && slices.Contains(c.GBIDs, gbid) {
		return []address.Address{address.MQTT{BrokerURI: gbid, Topic: topic}}
	}

	addrs := make([]address.Address, 0, len(c.GBIDs))
	for _, gbid := range c.GBIDs {
		addrs = append(addrs, address.MQTT{BrokerURI: gbid, Topic: topic})
	}
	return addrs
}

func (c *MQTTCalculator) Supports(transport string) bool {
	return transport == TransportMQTT
}

func (c *MQTTCalculator) CreatesGlobalTransportAddresses() bool {
	return true
}

// WebSocketCalculator hands every multicast to the cluster controller a
// libjoynr runtime is connected to.
type WebSocketCalculator struct {
	ClusterController address.WebSocket
}

func (c *WebSocketCalculator) Calculate(*message.Message) []address.Address {
	return []address.Address{c.ClusterController}
}

func (c *WebSocketCalculator) Supports(transport string) bool {
	return transport == TransportWebSocket
}

func (c *WebSocketCalculator) CreatesGlobalTransportAddresses() bool {
	return false
}

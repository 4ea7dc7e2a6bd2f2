// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

// Request subscribes to an attribute.
type Request struct {
	SubscriptionID string `msgpack:"id"`
	Name           string `msgpack:"n"`
	Qos            Qos    `msgpack:"q"`
}

// BroadcastRequest subscribes to a selective broadcast. FilterParameters
// are handed to the provider's broadcast filters.
type BroadcastRequest struct {
	SubscriptionID   string            `msgpack:"id"`
	Name             string            `msgpack:"n"`
	Qos              Qos               `msgpack:"q"`
	FilterParameters map[string]string `msgpack:"f,omitempty"`
}

// MulticastRequest subscribes to a multicast.
type MulticastRequest struct {
	SubscriptionID string `msgpack:"id"`
	MulticastID    string `msgpack:"m"`
	Name           string `msgpack:"n"`
	Qos            Qos    `msgpack:"q"`
}

// Reply answers a subscription request. Error is empty on success.
type Reply struct {
	SubscriptionID string `msgpack:"id"`
	Error          string `msgpack:"err,omitempty"`
}

// Stop ends a subscription.
type Stop struct {
	SubscriptionID string `msgpack:"id"`
}

// Publication carries a value of a subscribed attribute or broadcast.
type Publication struct {
	SubscriptionID string `msgpack:"id"`
	Response       []any  `msgpack:"r,omitempty"`
	Error          string `msgpack:"err,omitempty"`
}

// MulticastPublication carries the values of a fired multicast.
type MulticastPublication struct {
	MulticastID string `msgpack:"m"`
	Response    []any  `msgpack:"r,omitempty"`
}

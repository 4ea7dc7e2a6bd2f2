// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package address defines the transport endpoints a participant can be
// reached at, and the rules deciding which endpoint wins when a participant
// is registered more than once.
package address

import (
	"fmt"
	"strconv"

	"github.com/absmach/joynr/message"
)

// Kind identifies the concrete transport of an Address.
type Kind uint8

// Address kinds, ordered from lowest to highest routing precedence.
const (
	KindUnresolved Kind = iota
	KindMQTT
	KindChannel
	KindWebSocket
	KindWebSocketClient
	KindInProcess
)

var kindNames = [...]string{
	KindUnresolved:      "unresolved",
	KindMQTT:            "mqtt",
	KindChannel:         "channel",
	KindWebSocket:       "websocket",
	KindWebSocketClient: "websocket-client",
	KindInProcess:       "inprocess",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Precedence returns the routing precedence of the kind. A higher value wins.
func (k Kind) Precedence() int {
	return int(k)
}

// Address is a transport endpoint. The set of implementations is closed:
// InProcess, MQTT, WebSocket, WebSocketClient, Channel and Unresolved.
type Address interface {
	Kind() Kind
	String() string

	sealed()
}

// MessageReceiver accepts messages handed over in memory.
type MessageReceiver interface {
	Receive(msg *message.Message) error
}

// InProcess delivers messages to a receiver living in the same process.
// Receiver must be a comparable value (usually a pointer).
type InProcess struct {
	SkeletonID string
	Receiver   MessageReceiver
}

// MQTT addresses a topic on the broker identified by BrokerURI (the GBID).
type MQTT struct {
	BrokerURI string `json:"brokerUri" msgpack:"b"`
	Topic     string `json:"topic" msgpack:"t"`
}

// WebSocket addresses a WebSocket server endpoint.
type WebSocket struct {
	Protocol string `json:"protocol" msgpack:"s"`
	Host     string `json:"host" msgpack:"h"`
	Port     int    `json:"port" msgpack:"p"`
	Path     string `json:"path" msgpack:"a"`
}

// WebSocketClient addresses a client connected to the local WebSocket server.
type WebSocketClient struct {
	ID string `json:"id" msgpack:"i"`
}

// Channel addresses a legacy HTTP long-poll channel on a bounce proxy.
type Channel struct {
	EndpointURL string `json:"messagingEndpointUrl" msgpack:"u"`
	ChannelID   string `json:"channelId" msgpack:"c"`
}

// Unresolved is a placeholder for an address that is not known yet.
type Unresolved struct{}

func (InProcess) Kind() Kind       { return KindInProcess }
func (MQTT) Kind() Kind            { return KindMQTT }
func (WebSocket) Kind() Kind       { return KindWebSocket }
func (WebSocketClient) Kind() Kind { return KindWebSocketClient }
func (Channel) Kind() Kind         { return KindChannel }
func (Unresolved) Kind() Kind      { return KindUnresolved }

func (InProcess) sealed()       {}
func (MQTT) sealed()            {}
func (WebSocket) sealed()       {}
func (WebSocketClient) sealed() {}
func (Channel) sealed()         {}
func (Unresolved) sealed()      {}

func (a InProcess) String() string { return "inprocess:" + a.SkeletonID }
func (a MQTT) String() string      { return "mqtt:" + a.BrokerURI + "/" + a.Topic }
func (a WebSocket) String() string {
	return fmt.Sprintf("%s://%s:%d%s", a.Protocol, a.Host, a.Port, a.Path)
}
func (a WebSocketClient) String() string { return "websocket-client:" + a.ID }
func (a Channel) String() string         { return "channel:" + a.EndpointURL + a.ChannelID }
func (Unresolved) String() string        { return "unresolved" }

// URL returns the dialable URL of a WebSocket address.
func (a WebSocket) URL() string {
	scheme := "ws"
	if a.Protocol == "wss" || a.Protocol == "WSS" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, a.Host, a.Port, a.Path)
}

// Equal reports whether a and b denote the same endpoint. Addresses are
// compared structurally.
func Equal(a, b Address) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	return a == b
}

// Key returns a string uniquely identifying the endpoint, suitable as a map
// key. Two addresses have the same key iff they are Equal.
func Key(a Address) string {
	if a == nil {
		return ""
	}
	return a.Kind().String() + "|" + a.String()
}

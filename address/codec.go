// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package address

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type names used on the wire, shared with other joynr runtimes.
const (
	TypeMQTT            = "joynr.system.RoutingTypes.MqttAddress"
	TypeWebSocket       = "joynr.system.RoutingTypes.WebSocketAddress"
	TypeWebSocketClient = "joynr.system.RoutingTypes.WebSocketClientAddress"
	TypeChannel         = "joynr.system.RoutingTypes.ChannelAddress"
)

var (
	ErrNotSerializable = errors.New("address cannot be serialized")
	ErrUnknownType     = errors.New("unknown address type")
)

type typed struct {
	TypeName string `json:"_typeName"`
}

// Marshal encodes addr as JSON with a "_typeName" discriminator.
func Marshal(addr Address) ([]byte, error) {
	var v any
	switch a := addr.(type) {
	case MQTT:
		v = struct {
			typed
			MQTT
		}{typed{TypeMQTT}, a}
	case WebSocket:
		v = struct {
			typed
			WebSocket
		}{typed{TypeWebSocket}, a}
	case WebSocketClient:
		v = struct {
			typed
			WebSocketClient
		}{typed{TypeWebSocketClient}, a}
	case Channel:
		v = struct {
			typed
			Channel
		}{typed{TypeChannel}, a}
	default:
		return nil, fmt.Errorf("%w: %v", ErrNotSerializable, addr)
	}
	return json.Marshal(v)
}

// Unmarshal decodes an address produced by Marshal.
func Unmarshal(data []byte) (Address, error) {
	var t typed
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}

	switch t.TypeName {
	case TypeMQTT:
		var a MQTT
		return decode(data, &a)
	case TypeWebSocket:
		var a WebSocket
		return decode(data, &a)
	case TypeWebSocketClient:
		var a WebSocketClient
		return decode(data, &a)
	case TypeChannel:
		var a Channel
		return decode(data, &a)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t.TypeName)
	}
}

// Parse decodes an address from its string form, as carried in the replyTo
// header of a message.
func Parse(s string) (Address, error) {
	return Unmarshal([]byte(s))
}

// Format returns the string form of addr for use in a replyTo header.
func Format(addr Address) (string, error) {
	data, err := Marshal(addr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decode[T Address](data []byte, a *T) (Address, error) {
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	return *a, nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrMalformed = errors.New("malformed message")

// Codec turns messages into bytes and back.
type Codec interface {
	Marshal(msg *Message) ([]byte, error)
	Unmarshal(data []byte) (*Message, error)
}

var _ Codec = MsgpackCodec{}

// MsgpackCodec encodes messages with MessagePack.
type MsgpackCodec struct{}

// Marshal implements Codec.
func (MsgpackCodec) Marshal(msg *Message) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	return data, nil
}

// Unmarshal implements Codec.
func (MsgpackCodec) Unmarshal(data []byte) (*Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.ID == "" || msg.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformed)
	}
	return &msg, nil
}

// EncodePayload encodes a payload value.
func EncodePayload(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodePayload decodes a payload produced by EncodePayload into v.
func DecodePayload(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return nil
}

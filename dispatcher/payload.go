// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

// Request invokes a method on a provider and expects a Reply.
type Request struct {
	RequestReplyID string `msgpack:"id"`
	Method         string `msgpack:"m"`
	Params         []any  `msgpack:"p,omitempty"`
}

// OneWayRequest invokes a method without a reply.
type OneWayRequest struct {
	Method string `msgpack:"m"`
	Params []any  `msgpack:"p,omitempty"`
}

// Reply answers a Request. Error is empty on success.
type Reply struct {
	RequestReplyID string `msgpack:"id"`
	Response       []any  `msgpack:"r,omitempty"`
	Error          string `msgpack:"err,omitempty"`
}

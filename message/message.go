// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the routed message envelope and its wire codec.
package message

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Type is the message type tag carried in the header.
type Type string

// Message types.
const (
	TypeRequest                      Type = "rq"
	TypeReply                        Type = "rp"
	TypeOneWay                       Type = "oneWay"
	TypeSubscriptionRequest          Type = "srq"
	TypeBroadcastSubscriptionRequest Type = "brq"
	TypeMulticastSubscriptionRequest Type = "mrq"
	TypeSubscriptionReply            Type = "srp"
	TypeSubscriptionStop             Type = "sst"
	TypePublication                  Type = "p"
	TypeMulticast                    Type = "m"
)

// HeaderGBID is the custom header selecting the backend (broker) a message
// is published to.
const HeaderGBID = "gbid"

// NoExpiry is the expiry date of a message that never expires.
const NoExpiry int64 = math.MaxInt64

// Message is the routed unit. The payload is opaque to the router.
type Message struct {
	ID            string            `msgpack:"id"`
	Type          Type              `msgpack:"t"`
	Sender        string            `msgpack:"s"`
	Recipient     string            `msgpack:"r"`
	ReplyTo       string            `msgpack:"rt,omitempty"`
	ExpiryDate    int64             `msgpack:"e"` // epoch milliseconds
	TTLAbsolute   bool              `msgpack:"a"`
	Payload       []byte            `msgpack:"p"`
	CustomHeaders map[string]string `msgpack:"h,omitempty"`

	// ReceivedFromGlobal marks a message that arrived over a global
	// transport. It is local state and never encoded.
	ReceivedFromGlobal bool `msgpack:"-"`
}

// NewID returns a fresh message id.
func NewID() string {
	return uuid.New().String()
}

// New returns a message with a fresh id and an absolute expiry date ttl from now.
func New(typ Type, sender, recipient string, ttl time.Duration, payload []byte) *Message {
	return &Message{
		ID:          NewID(),
		Type:        typ,
		Sender:      sender,
		Recipient:   recipient,
		ExpiryDate:  ExpiryFromTTL(time.Now(), ttl),
		TTLAbsolute: true,
		Payload:     payload,
	}
}

// IsExpired reports whether the message is dead at now. A message dies the
// instant now reaches its expiry date.
func (m *Message) IsExpired(now time.Time) bool {
	return now.UnixMilli() >= m.ExpiryDate
}

// TTL returns the time left before the message expires.
func (m *Message) TTL(now time.Time) time.Duration {
	if m.ExpiryDate == NoExpiry {
		return time.Duration(math.MaxInt64)
	}
	left := m.ExpiryDate - now.UnixMilli()
	if left <= 0 {
		return 0
	}
	return time.Duration(left) * time.Millisecond
}

// Header returns the custom header value for key.
func (m *Message) Header(key string) (string, bool) {
	if m.CustomHeaders == nil {
		return "", false
	}
	v, ok := m.CustomHeaders[key]
	return v, ok
}

// SetHeader sets a custom header.
func (m *Message) SetHeader(key, value string) {
	if m.CustomHeaders == nil {
		m.CustomHeaders = make(map[string]string)
	}
	m.CustomHeaders[key] = value
}

// IsMulticast reports whether the recipient is a multicast id rather than a
// participant.
func (m *Message) IsMulticast() bool {
	return m.Type == TypeMulticast
}

// ExpectsReply reports whether the receiver answers to the sender, so the
// sender's replyTo address is worth learning.
func (m *Message) ExpectsReply() bool {
	switch m.Type {
	case TypeRequest, TypeSubscriptionRequest, TypeBroadcastSubscriptionRequest, TypeMulticastSubscriptionRequest:
		return true
	default:
		return false
	}
}

// ExpiryFromTTL returns now+ttl in epoch milliseconds, saturating at NoExpiry.
func ExpiryFromTTL(now time.Time, ttl time.Duration) int64 {
	return AddSaturating(now.UnixMilli(), ttl.Milliseconds())
}

// AddSaturating adds two millisecond values without overflowing.
func AddSaturating(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	if b < 0 && a < math.MinInt64-b {
		return math.MinInt64
	}
	return a + b
}

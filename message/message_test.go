// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsExpired_Boundary(t *testing.T) {
	now := time.UnixMilli(10_000)
	m := &Message{ExpiryDate: 10_000}
	assert.True(t, m.IsExpired(now), "message dies the instant now reaches expiry")

	m.ExpiryDate = 10_001
	assert.False(t, m.IsExpired(now))
	assert.Equal(t, time.Millisecond, m.TTL(now))
}

func TestTTL(t *testing.T) {
	now := time.UnixMilli(1000)
	assert.Equal(t, time.Duration(0), (&Message{ExpiryDate: 500}).TTL(now))
	assert.Equal(t, time.Duration(math.MaxInt64), (&Message{ExpiryDate: NoExpiry}).TTL(now))
}

func TestAddSaturating(t *testing.T) {
	assert.Equal(t, int64(1042), AddSaturating(1000, 42))
	assert.Equal(t, int64(math.MaxInt64), AddSaturating(math.MaxInt64-10, 42))
	assert.Equal(t, int64(math.MinInt64), AddSaturating(math.MinInt64+10, -42))
}

func TestExpectsReply(t *testing.T) {
	for _, typ := range []Type{TypeRequest, TypeSubscriptionRequest, TypeBroadcastSubscriptionRequest, TypeMulticastSubscriptionRequest} {
		assert.True(t, (&Message{Type: typ}).ExpectsReply(), typ)
	}
	for _, typ := range []Type{TypeReply, TypeOneWay, TypePublication, TypeMulticast, TypeSubscriptionReply, TypeSubscriptionStop} {
		assert.False(t, (&Message{Type: typ}).ExpectsReply(), typ)
	}
}

func TestHeaders(t *testing.T) {
	m := New(TypeOneWay, "a", "b", time.Minute, nil)
	_, ok := m.Header(HeaderGBID)
	assert.False(t, ok)

	m.SetHeader(HeaderGBID, "gbid2")
	v, ok := m.Header(HeaderGBID)
	require.True(t, ok)
	assert.Equal(t, "gbid2", v)
}

func TestMsgpackCodec(t *testing.T) {
	var c MsgpackCodec
	m := New(TypeRequest, "sender", "recipient", time.Minute, []byte("payload"))
	m.ReplyTo = `{"_typeName":"joynr.system.RoutingTypes.MqttAddress"}`
	m.SetHeader(HeaderGBID, "g")

	data, err := c.Marshal(m)
	require.NoError(t, err)

	back, err := c.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestMsgpackCodec_ReceivedFromGlobalNotEncoded(t *testing.T) {
	var c MsgpackCodec
	m := New(TypeMulticast, "provider", "provider/ev", time.Minute, nil)
	m.ReceivedFromGlobal = true

	data, err := c.Marshal(m)
	require.NoError(t, err)

	back, err := c.Unmarshal(data)
	require.NoError(t, err)
	assert.False(t, back.ReceivedFromGlobal)
}

func TestMsgpackCodec_Malformed(t *testing.T) {
	var c MsgpackCodec
	_, err := c.Unmarshal([]byte{0xc1})
	assert.ErrorIs(t, err, ErrMalformed)

	data, err := c.Marshal(&Message{Type: TypeOneWay})
	require.NoError(t, err)
	_, err = c.Unmarshal(data)
	assert.ErrorIs(t, err, ErrMalformed)
}

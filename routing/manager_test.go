// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"testing"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCalculator struct {
	transport string
	global    bool
	addrs     []address.Address
	calls     int
}

func (c *mockCalculator) Calculate(*message.Message) []address.Address {
	c.calls++
	return c.addrs
}

func (c *mockCalculator) Supports(transport string) bool { return transport == c.transport }

func (c *mockCalculator) CreatesGlobalTransportAddresses() bool { return c.global }

var globalAddr = address.MQTT{BrokerURI: "gbid", Topic: "provider/weather"}

func multicastMsg(id string) *message.Message {
	return &message.Message{ID: "m1", Type: message.TypeMulticast, Sender: "provider", Recipient: id}
}

func setupManager(t *testing.T, providerVisible bool, calculators ...AddressCalculator) *AddressManager {
	t.Helper()

	tbl := newTestTable(0)
	receivers := NewMulticastReceivers()

	tbl.Put("provider", wsAddr, providerVisible, message.NoExpiry, false)
	tbl.Put("subscriber", wscAddr, false, message.NoExpiry, false)
	receivers.Register("provider/weather", "subscriber")

	return NewAddressManager(tbl, receivers, "", nil, calculators...)
}

func TestAddressManager_Unicast(t *testing.T) {
	m := setupManager(t, true)

	addrs, err := m.Addresses(&message.Message{Type: message.TypeRequest, Recipient: "subscriber"})
	require.NoError(t, err)
	assert.Equal(t, []address.Address{wscAddr}, addrs)

	addrs, err = m.Addresses(&message.Message{Type: message.TypeRequest, Recipient: "unknown"})
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestAddressManager_MulticastGloballyVisible(t *testing.T) {
	calc := &mockCalculator{transport: TransportMQTT, global: true, addrs: []address.Address{globalAddr}}
	m := setupManager(t, true, calc)

	addrs, err := m.Addresses(multicastMsg("provider/weather"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []address.Address{wscAddr, globalAddr}, addrs)
}

func TestAddressManager_MulticastNotGloballyVisible(t *testing.T) {
	calc := &mockCalculator{transport: TransportMQTT, global: true, addrs: []address.Address{globalAddr}}
	m := setupManager(t, false, calc)

	addrs, err := m.Addresses(multicastMsg("provider/weather"))
	require.NoError(t, err)
	assert.Equal(t, []address.Address{wscAddr}, addrs)
	assert.Zero(t, calc.calls)
}

func TestAddressManager_ReceivedFromGlobalStaysLocal(t *testing.T) {
	calc := &mockCalculator{transport: TransportMQTT, global: true, addrs: []address.Address{globalAddr}}
	m := setupManager(t, true, calc)

	msg := multicastMsg("provider/weather")
	msg.ReceivedFromGlobal = true

	addrs, err := m.Addresses(msg)
	require.NoError(t, err)
	assert.Equal(t, []address.Address{wscAddr}, addrs)
	if calc.calls != 0 {
		t.Fatalf("global calculator ran %d times for a message received from global", calc.calls)
	}
}

func TestAddressManager_ReceivedFromGlobalKeepsLocalTransports(t *testing.T) {
	cc := address.WebSocket{Protocol: "ws", Host: "cc", Port: 4242, Path: "/"}
	m := setupManager(t, true, &WebSocketCalculator{ClusterController: cc})

	msg := multicastMsg("provider/weather")
	msg.ReceivedFromGlobal = true

	addrs, err := m.Addresses(msg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []address.Address{wscAddr, cc}, addrs)
}

func TestAddressManager_UnknownProviderIsLocalOnly(t *testing.T) {
	calc := &mockCalculator{transport: TransportMQTT, global: true, addrs: []address.Address{globalAddr}}
	m := setupManager(t, true, calc)
	m.receivers.Register("ghost/weather", "subscriber")

	addrs, err := m.Addresses(multicastMsg("ghost/weather"))
	require.NoError(t, err)
	assert.Equal(t, []address.Address{wscAddr}, addrs)
}

func TestAddressManager_NonGlobalCalculatorNotGated(t *testing.T) {
	cc := address.WebSocket{Protocol: "ws", Host: "cc", Port: 4242, Path: "/"}
	m := setupManager(t, false, &WebSocketCalculator{ClusterController: cc})

	addrs, err := m.Addresses(multicastMsg("provider/weather"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []address.Address{wscAddr, cc}, addrs)
}

func TestAddressManager_AmbiguousTransport(t *testing.T) {
	a := &mockCalculator{transport: TransportMQTT, global: true, addrs: []address.Address{globalAddr}}
	b := &mockCalculator{transport: TransportMQTT, global: true}
	m := setupManager(t, true, a, b)

	_, err := m.Addresses(multicastMsg("provider/weather"))
	assert.ErrorIs(t, err, ErrAmbiguousMulticastTransport)
}

func TestAddressManager_PrimaryTransport(t *testing.T) {
	mqtt := &mockCalculator{transport: TransportMQTT, global: true, addrs: []address.Address{globalAddr}}
	ws := &mockCalculator{transport: TransportWebSocket, global: true, addrs: []address.Address{wsAddr}}
	m := setupManager(t, true, mqtt, ws)
	m.primary = TransportMQTT

	addrs, err := m.Addresses(multicastMsg("provider/weather"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []address.Address{wscAddr, globalAddr}, addrs)
	assert.Zero(t, ws.calls)
}

func TestAddressManager_Deduplicates(t *testing.T) {
	calc := &mockCalculator{transport: TransportMQTT, global: true, addrs: []address.Address{globalAddr, globalAddr, wscAddr}}
	m := setupManager(t, true, calc)
	m.receivers.Register("provider/+", "subscriber")

	addrs, err := m.Addresses(multicastMsg("provider/weather"))
	require.NoError(t, err)
	assert.Len(t, addrs, 2)
}

func TestAddressManager_NoReceivers(t *testing.T) {
	m := setupManager(t, false)

	addrs, err := m.Addresses(multicastMsg("provider/traffic"))
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestMQTTCalculator(t *testing.T) {
	c := &MQTTCalculator{GBIDs: []string{"gbid1", "gbid2"}, TopicPrefix: "mc"}

	msg := multicastMsg("provider/weather/europe")
	assert.Equal(t, []address.Address{
		address.MQTT{BrokerURI: "gbid1", Topic: "mc/provider/weather/europe"},
		address.MQTT{BrokerURI: "gbid2", Topic: "mc/provider/weather/europe"},
	}, c.Calculate(msg))

	msg.SetHeader(message.HeaderGBID, "gbid2")
	assert.Equal(t, []address.Address{
		address.MQTT{BrokerURI: "gbid2", Topic: "mc/provider/weather/europe"},
	}, c.Calculate(msg))

	msg.SetHeader(message.HeaderGBID, "unknown")
	assert.Len(t, c.Calculate(msg), 2)

	assert.True(t, c.Supports(TransportMQTT))
	assert.False(t, c.Supports(TransportWebSocket))
	assert.True(t, c.CreatesGlobalTransportAddresses())
}

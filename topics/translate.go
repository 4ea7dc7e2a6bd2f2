// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Multicast wildcards. A multicast id is "{provider}/{name}[/{partition}...]".
const (
	Separator         = "/"
	SingleLevel       = "+"
	MultiLevel        = "*"
	mqttMultiLevel    = "#"
	multiLevelSuffix  = Separator + MultiLevel
	mqttMultiLevelSfx = Separator + mqttMultiLevel
)

// MulticastToMQTT translates a multicast id or pattern into an MQTT topic
// filter.
//
//	'+' -> '+'
//	'*' -> '#' (last partition only)
func MulticastToMQTT(pattern string) string {
	if pattern == MultiLevel {
		return mqttMultiLevel
	}
	if strings.HasSuffix(pattern, multiLevelSuffix) {
		return strings.TrimSuffix(pattern, multiLevelSuffix) + mqttMultiLevelSfx
	}
	return pattern
}

// MQTTToMulticast translates an MQTT topic filter back into multicast form.
//
//	'#' -> '*'
func MQTTToMulticast(filter string) string {
	if filter == mqttMultiLevel {
		return MultiLevel
	}
	if strings.HasSuffix(filter, mqttMultiLevelSfx) {
		return strings.TrimSuffix(filter, mqttMultiLevelSfx) + multiLevelSuffix
	}
	return filter
}

// WithPrefix prepends a transport topic prefix to a multicast topic.
func WithPrefix(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	if strings.HasSuffix(prefix, Separator) {
		return prefix + topic
	}
	return prefix + Separator + topic
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package publication

// Provider exposes the attributes and broadcasts of a registered provider.
type Provider interface {
	// AttributeValue returns the current value of an attribute, or
	// ErrUnknownAttribute.
	AttributeValue(name string) (any, error)

	// SubscribeAttribute calls fn on every change of the attribute until
	// the returned function is called.
	SubscribeAttribute(name string, fn func(value any)) (unsubscribe func(), err error)

	// SubscribeBroadcast calls fn on every occurrence of the broadcast
	// until the returned function is called.
	SubscribeBroadcast(name string, fn func(values []any)) (unsubscribe func(), err error)

	// BroadcastFilters returns the filters of a selective broadcast.
	BroadcastFilters(name string) []BroadcastFilter
}

// BroadcastFilter decides whether a broadcast occurrence reaches a
// subscriber, given the filter parameters of its subscription.
type BroadcastFilter interface {
	Filter(values []any, params map[string]string) bool
}

// BroadcastFilterFunc adapts a function to a BroadcastFilter.
type BroadcastFilterFunc func(values []any, params map[string]string) bool

// Filter implements BroadcastFilter.
func (f BroadcastFilterFunc) Filter(values []any, params map[string]string) bool {
	return f(values, params)
}

// passes applies the filters in order. All of them must accept.
func passes(filters []BroadcastFilter, values []any, params map[string]string) bool {
	for _, f := range filters {
		if !f.Filter(values, params) {
			return false
		}
	}
	return true
}

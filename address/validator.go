// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package address

// Validator decides which addresses may enter the routing table and whether
// a stored address may be replaced by a new one.
type Validator interface {
	// IsValidForRoutingTable reports whether addr may be stored at all.
	IsValidForRoutingTable(addr Address) bool

	// AllowUpdate reports whether next may replace current.
	AllowUpdate(current, next Address) bool
}

var _ Validator = (*DefaultValidator)(nil)

// DefaultValidator rejects unresolved addresses and the runtime's own
// addresses, and protects in-process and websocket-client registrations
// from being overwritten by lower precedence transports.
type DefaultValidator struct {
	own map[string]struct{}
}

// NewValidator returns a validator that treats own as addresses of this
// runtime. Messages must never be routed back to them.
func NewValidator(own ...Address) *DefaultValidator {
	v := &DefaultValidator{own: make(map[string]struct{}, len(own))}
	for _, a := range own {
		if a != nil {
			v.own[Key(a)] = struct{}{}
		}
	}
	return v
}

// IsValidForRoutingTable implements Validator.
func (v *DefaultValidator) IsValidForRoutingTable(addr Address) bool {
	if addr == nil {
		return false
	}
	switch a := addr.(type) {
	case Unresolved:
		return false
	case InProcess:
		return a.Receiver != nil
	case MQTT:
		if a.BrokerURI == "" || a.Topic == "" {
			return false
		}
	case WebSocket:
		if a.Host == "" || a.Port <= 0 {
			return false
		}
	case WebSocketClient:
		if a.ID == "" {
			return false
		}
	case Channel:
		if a.EndpointURL == "" || a.ChannelID == "" {
			return false
		}
	}
	_, self := v.own[Key(addr)]
	return !self
}

// AllowUpdate implements Validator. Once an in-process or websocket-client
// address is stored, only an address of the same or higher precedence may
// replace it. The remaining kinds replace each other freely.
func (v *DefaultValidator) AllowUpdate(current, next Address) bool {
	if current == nil || Equal(current, next) {
		return true
	}
	switch current.Kind() {
	case KindInProcess, KindWebSocketClient:
		return next.Kind().Precedence() >= current.Kind().Precedence()
	default:
		return true
	}
}

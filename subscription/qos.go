// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"time"

	"github.com/absmach/joynr/message"
)

// Kind selects how a provider publishes.
type Kind string

// QoS kinds.
const (
	KindPeriodic              Kind = "periodic"
	KindOnChange              Kind = "onChange"
	KindOnChangeWithKeepAlive Kind = "onChangeWithKeepAlive"
	KindMulticast             Kind = "multicast"
)

// Qos is the quality of service of a subscription. Which of the interval
// fields apply depends on Kind.
type Qos struct {
	Kind Kind `msgpack:"k"`

	// ExpiryDate is the instant, in epoch milliseconds, the subscription
	// ends at. Zero means it never ends.
	ExpiryDate int64 `msgpack:"e,omitempty"`

	// PublicationTTL is the TTL of each publication message.
	PublicationTTL time.Duration `msgpack:"ttl"`

	// Period is the publication interval of periodic subscriptions.
	Period time.Duration `msgpack:"pe,omitempty"`

	// MinInterval is the shortest time between two on-change publications.
	MinInterval time.Duration `msgpack:"mi,omitempty"`

	// MaxInterval is the longest time without a publication of
	// on-change-with-keep-alive subscriptions.
	MaxInterval time.Duration `msgpack:"ma,omitempty"`

	// AlertAfter raises ErrPublicationMissed at the subscriber when no
	// publication arrived for this long. Zero disables the alert.
	AlertAfter time.Duration `msgpack:"aa,omitempty"`
}

// Periodic returns a QoS publishing every period.
func Periodic(period time.Duration) Qos {
	return Qos{Kind: KindPeriodic, Period: period}
}

// OnChange returns a QoS publishing on every change, at most once per
// minInterval.
func OnChange(minInterval time.Duration) Qos {
	return Qos{Kind: KindOnChange, MinInterval: minInterval}
}

// OnChangeWithKeepAlive returns an on-change QoS that also publishes the
// current value when nothing was published for maxInterval.
func OnChangeWithKeepAlive(minInterval, maxInterval time.Duration) Qos {
	return Qos{Kind: KindOnChangeWithKeepAlive, MinInterval: minInterval, MaxInterval: maxInterval}
}

// Multicast returns the QoS of a multicast subscription.
func Multicast() Qos {
	return Qos{Kind: KindMulticast}
}

// WithValidity returns a copy of q ending validity after now.
func (q Qos) WithValidity(now time.Time, validity time.Duration) Qos {
	q.ExpiryDate = message.ExpiryFromTTL(now, validity)
	return q
}

// WithPublicationTTL returns a copy of q with the given publication TTL.
func (q Qos) WithPublicationTTL(ttl time.Duration) Qos {
	q.PublicationTTL = ttl
	return q
}

// WithAlertAfter returns a copy of q with the given missed publication alert.
func (q Qos) WithAlertAfter(d time.Duration) Qos {
	q.AlertAfter = d
	return q
}

// Expires reports whether the subscription has a finite validity.
func (q Qos) Expires() bool {
	return q.ExpiryDate != 0 && q.ExpiryDate != message.NoExpiry
}

// TimeLeft returns the validity left at now. It is only meaningful when
// Expires is true, and negative once the subscription expired.
func (q Qos) TimeLeft(now time.Time) time.Duration {
	return time.Duration(q.ExpiryDate-now.UnixMilli()) * time.Millisecond
}

// HeartbeatInterval returns the interval of the provider's publication
// timer, or zero when the QoS publishes on change only.
func (q Qos) HeartbeatInterval() time.Duration {
	switch q.Kind {
	case KindPeriodic:
		return q.Period
	case KindOnChangeWithKeepAlive:
		return q.MaxInterval
	default:
		return 0
	}
}

// IsOnChange reports whether value changes trigger publications.
func (q Qos) IsOnChange() bool {
	return q.Kind == KindOnChange || q.Kind == KindOnChangeWithKeepAlive
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import "errors"

var (
	ErrSubscriptionExpired  = errors.New("subscription expired")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrPublicationMissed    = errors.New("publication missed")
	ErrUnsubscribed         = errors.New("subscription stopped before reply")
)

// ProviderError is an error reported by the provider in a reply or
// publication.
type ProviderError struct {
	SubscriptionID string
	Message        string
}

func (e *ProviderError) Error() string {
	return "subscription " + e.SubscriptionID + ": " + e.Message
}

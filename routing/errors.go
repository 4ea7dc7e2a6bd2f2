// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import "errors"

var (
	// ErrUnknownParticipant is returned by lookups on a participant that has no entry.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrAmbiguousMulticastTransport is returned when several address
	// calculators could serve a multicast and no primary transport picks one.
	ErrAmbiguousMulticastTransport = errors.New("ambiguous multicast transport: configure a primary global transport")

	// ErrInvalidMulticastID is returned for ids without provider and name.
	ErrInvalidMulticastID = errors.New("invalid multicast id")
)

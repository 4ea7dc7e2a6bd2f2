// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMessageExpired is returned for messages whose expiry date has passed.
	ErrMessageExpired = errors.New("message expired")

	// ErrShutdown is returned once the router stopped accepting work.
	ErrShutdown = errors.New("messaging is shutting down")

	// ErrNoStub is returned when no stub factory serves an address kind.
	ErrNoStub = errors.New("no messaging stub for address")

	// ErrNoAddress is returned when a unicast recipient has no known address.
	ErrNoAddress = errors.New("no address for recipient")
)

// NotSentError is a permanent send failure. The message is not retried.
type NotSentError struct {
	Err error
}

// NotSent wraps err into a permanent send failure.
func NotSent(err error) error {
	return &NotSentError{Err: err}
}

func (e *NotSentError) Error() string {
	return "message not sent: " + e.Err.Error()
}

func (e *NotSentError) Unwrap() error {
	return e.Err
}

// DelayError is a transient failure carrying the delay the transport asks
// for before the next attempt.
type DelayError struct {
	Delay time.Duration
	Err   error
}

func (e *DelayError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
}

func (e *DelayError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err ends the delivery of a message.
func IsPermanent(err error) bool {
	var ns *NotSentError
	return errors.As(err, &ns) ||
		errors.Is(err, ErrMessageExpired) ||
		errors.Is(err, ErrShutdown)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package publication

import "errors"

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrUnknownAttribute = errors.New("unknown attribute")
	ErrUnknownBroadcast = errors.New("unknown broadcast")
)

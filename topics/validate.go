// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"fmt"
)

// Common validation errors.
var (
	ErrInvalidPartition = errors.New("invalid multicast partition")
	ErrInvalidName      = errors.New("invalid multicast name")
)

// ValidatePartitions checks the partitions of a multicast subscription.
// Partitions are alphanumeric, '+' may appear anywhere and '*' only last.
func ValidatePartitions(partitions []string) error {
	for i, p := range partitions {
		switch p {
		case SingleLevel:
			continue
		case MultiLevel:
			if i != len(partitions)-1 {
				return fmt.Errorf("%w: %q must be the last partition", ErrInvalidPartition, MultiLevel)
			}
			continue
		}
		if !isAlphanumeric(p) {
			return fmt.Errorf("%w: %q", ErrInvalidPartition, p)
		}
	}
	return nil
}

// ValidateName checks a broadcast or multicast name.
func ValidateName(name string) error {
	if !isAlphanumeric(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

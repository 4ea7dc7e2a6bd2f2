// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"fmt"
	"strings"

	"github.com/absmach/joynr/topics"
)

// MulticastID identifies a multicast: provider/name[/partition...].
type MulticastID struct {
	ProviderID string
	Name       string
	Partitions []string
}

// ParseMulticastID splits a multicast id into its parts.
func ParseMulticastID(s string) (MulticastID, error) {
	parts := strings.Split(s, topics.Separator)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return MulticastID{}, fmt.Errorf("%w: %q", ErrInvalidMulticastID, s)
	}
	id := MulticastID{ProviderID: parts[0], Name: parts[1]}
	if len(parts) > 2 {
		id.Partitions = parts[2:]
	}
	return id, nil
}

// BuildMulticastID joins provider, name and partitions into a multicast id.
// Partitions are validated, so wildcard patterns can be built as well.
func BuildMulticastID(providerID, name string, partitions ...string) (string, error) {
	if providerID == "" {
		return "", fmt.Errorf("%w: empty provider id", ErrInvalidMulticastID)
	}
	if err := topics.ValidateName(name); err != nil {
		return "", err
	}
	if err := topics.ValidatePartitions(partitions); err != nil {
		return "", err
	}
	return strings.Join(append([]string{providerID, name}, partitions...), topics.Separator), nil
}

func (m MulticastID) String() string {
	return strings.Join(append([]string{m.ProviderID, m.Name}, m.Partitions...), topics.Separator)
}

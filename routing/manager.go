// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"log/slog"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
)

// AddressManager resolves the destination addresses of outbound messages.
type AddressManager struct {
	table       *Table
	receivers   *MulticastReceivers
	calculators []AddressCalculator
	primary     string
	logger      *slog.Logger
}

// NewAddressManager creates an address manager. primaryTransport selects the
// calculators used for multicasts; when empty, exactly one calculator may be
// registered.
func NewAddressManager(table *Table, receivers *MulticastReceivers, primaryTransport string, logger *slog.Logger, calculators ...AddressCalculator) *AddressManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &AddressManager{
		table:       table,
		receivers:   receivers,
		calculators: calculators,
		primary:     primaryTransport,
		logger:      logger,
	}
}

// Addresses returns the addresses msg must be delivered to, without
// duplicates. An empty result is not an error. The only error is
// ErrAmbiguousMulticastTransport.
func (m *AddressManager) Addresses(msg *message.Message) ([]address.Address, error) {
	if !msg.IsMulticast() {
		addr, ok := m.table.Get(msg.Recipient)
		if !ok {
			return nil, nil
		}
		return []address.Address{addr}, nil
	}

	calculators, err := m.selectCalculators()
	if err != nil {
		return nil, err
	}

	set := newAddressSet()
	for _, id := range m.receivers.Receivers(msg.Recipient) {
		if addr, ok := m.table.Get(id); ok {
			set.add(addr)
		}
	}

	// A multicast that came in over a global transport is already on the
	// backend; publishing it there again would loop it back to us.
	global := !msg.ReceivedFromGlobal && m.providerGloballyVisible(msg.Recipient)
	for _, c := range calculators {
		if c.CreatesGlobalTransportAddresses() && !global {
			continue
		}
		for _, addr := range c.Calculate(msg) {
			set.add(addr)
		}
	}
	return set.addrs, nil
}

func (m *AddressManager) selectCalculators() ([]AddressCalculator, error) {
	if m.primary == "" {
		if len(m.calculators) > 1 {
			return nil, ErrAmbiguousMulticastTransport
		}
		return m.calculators, nil
	}

	var selected []AddressCalculator
	for _, c := range m.calculators {
		if c.Supports(m.primary) {
			selected = append(selected, c)
		}
	}
	return selected, nil
}

// providerGloballyVisible treats any lookup failure as local only.
func (m *AddressManager) providerGloballyVisible(multicastID string) bool {
	id, err := ParseMulticastID(multicastID)
	if err != nil {
		m.logger.Debug("multicast id not parseable, delivering locally only",
			slog.String("multicast_id", multicastID))
		return false
	}
	visible, err := m.table.IsGloballyVisible(id.ProviderID)
	if err != nil {
		m.logger.Debug("multicast provider unknown, delivering locally only",
			slog.String("provider_id", id.ProviderID))
		return false
	}
	return visible
}

type addressSet struct {
	seen  map[string]struct{}
	addrs []address.Address
}

func newAddressSet() *addressSet {
	return &addressSet{seen: make(map[string]struct{})}
}

func (s *addressSet) add(addr address.Address) {
	k := address.Key(addr)
	if _, ok := s.seen[k]; ok {
		return
	}
	s.seen[k] = struct{}{}
	s.addrs = append(s.addrs, addr)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"testing"

	"github.com/absmach/joynr/topics"
)

func TestMulticastMatch(t *testing.T) {
	tests := []struct {
		pattern string
		id      string
		want    bool
	}{
		{"p/weather", "p/weather", true},
		{"p/weather/+", "p/weather/munich", true},
		{"p/weather/+", "p/weather", false},
		{"p/weather/+", "p/weather/munich/north", false},
		{"p/weather/*", "p/weather", true},
		{"p/weather/*", "p/weather/munich/north", true},
		{"p/weather/+/north", "p/weather/munich/north", true},
		{"p/weather/+/north", "p/weather/munich/south", false},
		{"p/+/munich/*", "p/weather/munich/north/1", true},
		{"p/weather/munich", "p/weather/berlin", false},
		{"p/other/*", "p/weather/munich", false},
		{"", "p/weather", false},
		{"p/weather", "", false},
	}

	for _, tt := range tests {
		if got := topics.MulticastMatch(tt.pattern, tt.id); got != tt.want {
			t.Errorf("MulticastMatch(%q, %q) = %v, want %v", tt.pattern, tt.id, got, tt.want)
		}
	}
}

func TestHasWildcard(t *testing.T) {
	if topics.HasWildcard("p/weather/munich") {
		t.Error("expected no wildcard")
	}
	if !topics.HasWildcard("p/weather/+") {
		t.Error("expected single-level wildcard")
	}
	if !topics.HasWildcard("p/weather/*") {
		t.Error("expected multi-level wildcard")
	}
	if topics.HasWildcard("p/weather/a*b") {
		t.Error("'*' inside a partition is not a wildcard")
	}
}

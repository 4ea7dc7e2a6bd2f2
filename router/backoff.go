// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"math"
	"time"
)

// maxBackoffExponent caps 2^attempt so long retry chains cannot overflow.
const maxBackoffExponent = 30

// Backoff returns the delay before retry number attempt:
//
//	interval + jitter * interval * 2^min(attempt, 30)
//
// with jitter in [0, 1). The result is capped at maxDelay when maxDelay is
// at least interval, and never overflows.
func Backoff(interval, maxDelay time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := min(attempt, maxBackoffExponent)

	total := float64(interval) + jitter*float64(interval)*math.Ldexp(1, exp)
	if maxDelay >= interval && total > float64(maxDelay) {
		return maxDelay
	}
	if total >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(total)
}

// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"math/rand"
	"time"
)

// Policy computes reconnect delays: exponential growth from Base,
// bounded by Cap, with uniform random jitter up to Jitter added on top.
// Delay is pure and stateless modulo the jitter draw; every Supervisor
// applies it identically. MaxAttempts is the number of consecutive
// abnormal closes after which a channel gives up permanently.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      time.Duration
	MaxAttempts int
}

// Delay returns the wait before reconnect attempt number attempt
// (zero-based): min(Base * 2^attempt, Cap) + rand(0, Jitter).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.Base
	// Double step by step rather than shifting so a large attempt
	// count cannot overflow past the cap.
	for i := 0; i < attempt && delay < p.Cap; i++ {
		delay *= 2
	}
	if delay > p.Cap {
		delay = p.Cap
	}

	if p.Jitter > 0 {
		//nolint:gosec // The random delay is for jitter, not security.
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return delay
}

// DefaultPolicy returns the standard reconnect tuning for a stream
// kind. The primary log channel retries hardest; telemetry
// side-channels give up sooner because the console degrades gracefully
// without them.
func DefaultPolicy(kind StreamKind) Policy {
	switch kind {
	case StreamLogs:
		return Policy{
			Base:        500 * time.Millisecond,
			Cap:         10 * time.Second,
			Jitter:      250 * time.Millisecond,
			MaxAttempts: 6,
		}
	case StreamGPU:
		return Policy{
			Base:        2 * time.Second,
			Cap:         30 * time.Second,
			Jitter:      500 * time.Millisecond,
			MaxAttempts: 3,
		}
	default:
		return Policy{
			Base:        1 * time.Second,
			Cap:         15 * time.Second,
			Jitter:      500 * time.Millisecond,
			MaxAttempts: 4,
		}
	}
}

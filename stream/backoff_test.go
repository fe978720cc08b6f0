// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"testing"
	"time"
)

func TestPolicyDelayDoubles(t *testing.T) {
	policy := Policy{Base: time.Second, Cap: time.Minute}

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for attempt, want := range expected {
		if got := policy.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestPolicyDelayCaps(t *testing.T) {
	policy := Policy{Base: time.Second, Cap: 10 * time.Second}

	if got := policy.Delay(4); got != 10*time.Second {
		t.Errorf("Delay(4) = %v, want cap %v", got, 10*time.Second)
	}
	// A huge attempt count must not overflow past the cap.
	if got := policy.Delay(500); got != 10*time.Second {
		t.Errorf("Delay(500) = %v, want cap %v", got, 10*time.Second)
	}
}

func TestPolicyDelayNegativeAttempt(t *testing.T) {
	policy := Policy{Base: time.Second, Cap: time.Minute}
	if got := policy.Delay(-3); got != time.Second {
		t.Errorf("Delay(-3) = %v, want %v", got, time.Second)
	}
}

func TestPolicyDelayJitterBounds(t *testing.T) {
	policy := Policy{
		Base:   time.Second,
		Cap:    time.Minute,
		Jitter: 500 * time.Millisecond,
	}

	for i := 0; i < 100; i++ {
		delay := policy.Delay(1)
		if delay < 2*time.Second || delay >= 2*time.Second+500*time.Millisecond {
			t.Fatalf("Delay(1) = %v, want in [2s, 2.5s)", delay)
		}
	}
}

func TestDefaultPolicyPerKind(t *testing.T) {
	logs := DefaultPolicy(StreamLogs)
	if logs.Base != 500*time.Millisecond || logs.MaxAttempts != 6 {
		t.Errorf("logs policy = %+v, want base 500ms ceiling 6", logs)
	}

	gpu := DefaultPolicy(StreamGPU)
	if gpu.Base != 2*time.Second || gpu.MaxAttempts != 3 {
		t.Errorf("gpu policy = %+v, want base 2s ceiling 3", gpu)
	}

	metrics := DefaultPolicy(StreamMetrics)
	samples := DefaultPolicy(StreamSamples)
	if metrics != samples {
		t.Errorf("metrics policy %+v differs from samples policy %+v", metrics, samples)
	}
	if metrics.MaxAttempts != 4 {
		t.Errorf("metrics ceiling = %d, want 4", metrics.MaxAttempts)
	}
}

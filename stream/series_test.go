// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"math"
	"testing"
)

func points(steps ...int) []Point {
	out := make([]Point, len(steps))
	for i, step := range steps {
		out[i] = Point{Step: step, Value: float64(step)}
	}
	return out
}

func assertSteps(t *testing.T, got []Point, want ...int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d points, want %d", len(got), len(want))
	}
	for i, step := range want {
		if got[i].Step != step {
			t.Fatalf("point %d has step %d, want %d", i, got[i].Step, step)
		}
	}
}

func TestSeriesBufferAppend(t *testing.T) {
	buffer := NewSeriesBuffer(10, 0)
	buffer.Merge(points(1, 2, 3))
	buffer.Merge(points(4))
	assertSteps(t, buffer.Points(), 1, 2, 3, 4)
}

func TestSeriesBufferDuplicateStepOverwrites(t *testing.T) {
	buffer := NewSeriesBuffer(10, 0)
	buffer.Merge([]Point{{Step: 3, Value: 1.0}})
	buffer.Merge([]Point{{Step: 3, Value: 2.5}})

	got := buffer.Points()
	if len(got) != 1 {
		t.Fatalf("got %d points, want 1", len(got))
	}
	if got[0].Value != 2.5 {
		t.Errorf("value = %v, want last-delivered 2.5", got[0].Value)
	}
}

func TestSeriesBufferLateInsert(t *testing.T) {
	buffer := NewSeriesBuffer(10, 0)
	// Live points arrive first, then a backfill batch fills the gap.
	buffer.Merge(points(5, 6))
	buffer.Merge(points(1, 2, 3, 5))
	assertSteps(t, buffer.Points(), 1, 2, 3, 5, 6)
}

func TestSeriesBufferCapEvictsOldest(t *testing.T) {
	buffer := NewSeriesBuffer(3, 0)
	buffer.Merge(points(1, 2, 3, 4, 5))
	assertSteps(t, buffer.Points(), 3, 4, 5)

	if last, ok := buffer.LastStep(); !ok || last != 5 {
		t.Errorf("LastStep = %d, %v; want 5, true", last, ok)
	}
}

func TestSeriesBufferRemergeIsIdempotent(t *testing.T) {
	buffer := NewSeriesBuffer(100, 0)
	batch := points(1, 2, 3, 4)
	buffer.Merge(batch)
	buffer.Merge(batch)
	buffer.Merge(batch)
	assertSteps(t, buffer.Points(), 1, 2, 3, 4)
}

func TestSeriesBufferSmoothedLength(t *testing.T) {
	buffer := NewSeriesBuffer(100, 0)
	buffer.Merge(points(1, 2, 3, 4, 5))
	if got, want := len(buffer.Smoothed()), buffer.Len(); got != want {
		t.Errorf("smoothed length = %d, want %d", got, want)
	}
}

func TestSeriesBufferSmoothedValues(t *testing.T) {
	buffer := NewSeriesBuffer(100, 0)
	buffer.Merge([]Point{
		{Step: 1, Value: 2},
		{Step: 2, Value: 4},
		{Step: 3, Value: 6},
		{Step: 4, Value: 8},
	})

	// Four points: window clamps to the minimum of 3. The prefix
	// averages over what exists so the smoothed series has no gap.
	want := []float64{2, 3, 4, 6}
	for i, point := range buffer.Smoothed() {
		if math.Abs(point.Value-want[i]) > 1e-9 {
			t.Errorf("smoothed[%d] = %v, want %v", i, point.Value, want[i])
		}
	}
}

func TestSeriesBufferSmoothingWindowGrows(t *testing.T) {
	buffer := NewSeriesBuffer(1000, 5)
	batch := make([]Point, 300)
	for i := range batch {
		batch[i] = Point{Step: i, Value: 1}
	}
	buffer.Merge(batch)

	// 300 points would want a window of 10, but the max clamps it to 5.
	// With a constant series the average is 1 everywhere regardless, so
	// check the tail against a spiked series instead.
	buffer.Merge([]Point{{Step: 300, Value: 11}})
	smoothed := buffer.Smoothed()
	tail := smoothed[len(smoothed)-1].Value
	// Window 5 over values [1 1 1 1 11] averages to 3.
	if math.Abs(tail-3) > 1e-9 {
		t.Errorf("smoothed tail = %v, want 3 (window clamped to 5)", tail)
	}
}

func TestSeriesBufferEmpty(t *testing.T) {
	buffer := NewSeriesBuffer(10, 0)
	if buffer.Len() != 0 {
		t.Errorf("Len = %d, want 0", buffer.Len())
	}
	if _, ok := buffer.LastStep(); ok {
		t.Error("LastStep on empty buffer should report false")
	}
	if len(buffer.Smoothed()) != 0 {
		t.Error("Smoothed on empty buffer should be empty")
	}
}

// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import "sort"

const (
	// DefaultSeriesCap is the default maximum number of points retained
	// per series. A multi-hour run logging every step produces far more;
	// the sliding window keeps the most recent data at the cost of
	// history depth.
	DefaultSeriesCap = 5000

	// DefaultSmoothingMaxWindow bounds the adaptive moving-average
	// window regardless of series length.
	DefaultSmoothingMaxWindow = 50
)

// SeriesBuffer is an ordered-by-step, capped sequence of metric points
// plus a derived moving-average companion. Merging is idempotent: a
// point re-delivered for an existing step overwrites in place, so
// at-least-once delivery across reconnects never duplicates data. When
// the cap is exceeded, the oldest points are evicted first.
//
// SeriesBuffer is not safe for concurrent use; the Aggregator
// serializes access.
type SeriesBuffer struct {
	capacity  int
	maxWindow int
	points    []Point
	smoothed  []Point
}

// NewSeriesBuffer creates a buffer holding at most capacity points.
// Non-positive arguments select the defaults.
func NewSeriesBuffer(capacity, maxWindow int) *SeriesBuffer {
	if capacity <= 0 {
		capacity = DefaultSeriesCap
	}
	if maxWindow <= 0 {
		maxWindow = DefaultSmoothingMaxWindow
	}
	return &SeriesBuffer{capacity: capacity, maxWindow: maxWindow}
}

// Merge applies a batch of points sorted ascending by step. The common
// case — live increments — appends or overwrites the newest point.
// Late points (a backfill reply arriving after live increments) are
// inserted or overwritten at their step, so merge order never matters.
// Afterwards the buffer is truncated from the front to the cap and the
// smoothed companion is recomputed.
func (b *SeriesBuffer) Merge(incoming []Point) {
	for _, point := range incoming {
		n := len(b.points)
		switch {
		case n == 0 || point.Step > b.points[n-1].Step:
			b.points = append(b.points, point)
		case point.Step == b.points[n-1].Step:
			b.points[n-1] = point
		default:
			i := sort.Search(n, func(i int) bool { return b.points[i].Step >= point.Step })
			if i < n && b.points[i].Step == point.Step {
				b.points[i] = point
			} else {
				b.points = append(b.points, Point{})
				copy(b.points[i+1:], b.points[i:])
				b.points[i] = point
			}
		}
	}

	if excess := len(b.points) - b.capacity; excess > 0 {
		b.points = append(b.points[:0], b.points[excess:]...)
	}

	b.recomputeSmoothed()
}

// recomputeSmoothed rebuilds the moving average over the full (capped)
// series. The window grows with series length — clamp(len/30, 3, max) —
// so an incremental running sum would drift as the window changes;
// recomputing over at most cap points is cheap and keeps the definition
// simple.
func (b *SeriesBuffer) recomputeSmoothed() {
	n := len(b.points)
	if n == 0 {
		b.smoothed = b.smoothed[:0]
		return
	}

	window := n / 30
	if window < 3 {
		window = 3
	}
	if window > b.maxWindow {
		window = b.maxWindow
	}

	if cap(b.smoothed) < n {
		b.smoothed = make([]Point, n)
	}
	b.smoothed = b.smoothed[:n]

	sum := 0.0
	for i, point := range b.points {
		sum += point.Value
		span := window
		if i+1 < window {
			span = i + 1
		} else if i >= window {
			sum -= b.points[i-window].Value
		}
		b.smoothed[i] = Point{
			Step:     point.Step,
			Value:    sum / float64(span),
			WallTime: point.WallTime,
		}
	}
}

// Len returns the number of points currently retained.
func (b *SeriesBuffer) Len() int { return len(b.points) }

// LastStep returns the step of the newest point, or false when the
// buffer is empty.
func (b *SeriesBuffer) LastStep() (int, bool) {
	if len(b.points) == 0 {
		return 0, false
	}
	return b.points[len(b.points)-1].Step, true
}

// Points returns a copy of the retained points.
func (b *SeriesBuffer) Points() []Point {
	out := make([]Point, len(b.points))
	copy(out, b.points)
	return out
}

// Smoothed returns a copy of the moving-average companion series.
func (b *SeriesBuffer) Smoothed() []Point {
	out := make([]Point, len(b.smoothed))
	copy(out, b.smoothed)
	return out
}

// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/atelier-ml/atelier/lib/clock"
)

// DefaultFlushInterval is the default cadence at which pending points
// become render-visible. Raw increments can arrive many times per
// second during fast training steps; re-rendering at that rate costs
// CPU with no perceptible benefit.
const DefaultFlushInterval = 1500 * time.Millisecond

// Series is a render-visible snapshot of one metric series.
type Series struct {
	Points   []Point
	Smoothed []Point
}

// Snapshot maps series names to their render-visible state at one
// flush boundary.
type Snapshot map[string]Series

// AggregatorConfig configures an Aggregator. Zero fields select
// defaults.
type AggregatorConfig struct {
	// SeriesCap bounds each visible series (DefaultSeriesCap).
	SeriesCap int

	// FlushInterval is the flush cadence (DefaultFlushInterval).
	FlushInterval time.Duration

	// SmoothingMaxWindow bounds the moving-average window
	// (DefaultSmoothingMaxWindow).
	SmoothingMaxWindow int

	// Clock drives the flush ticker. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// OnFlush receives a snapshot after every flush that merged at
	// least one point. May be nil for pull-only consumers.
	OnFlush func(Snapshot)
}

// Aggregator coalesces live metric points into bounded, render-friendly
// series. Ingest enqueues into per-series pending buffers without
// touching the visible state; a fixed-period flush drains all pending
// buffers into the visible SeriesBuffers and notifies the consumer.
//
// Thread-safe: Ingest is called from supervisor read loops while the
// flush loop runs in its own goroutine.
type Aggregator struct {
	capacity      int
	flushInterval time.Duration
	maxWindow     int
	clk           clock.Clock
	logger        *slog.Logger
	onFlush       func(Snapshot)

	mu      sync.Mutex
	pending map[string][]Point
	visible map[string]*SeriesBuffer
}

// NewAggregator creates an Aggregator from the given config.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.SeriesCap <= 0 {
		cfg.SeriesCap = DefaultSeriesCap
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.SmoothingMaxWindow <= 0 {
		cfg.SmoothingMaxWindow = DefaultSmoothingMaxWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Aggregator{
		capacity:      cfg.SeriesCap,
		flushInterval: cfg.FlushInterval,
		maxWindow:     cfg.SmoothingMaxWindow,
		clk:           cfg.Clock,
		logger:        cfg.Logger,
		onFlush:       cfg.OnFlush,
		pending:       make(map[string][]Point),
		visible:       make(map[string]*SeriesBuffer),
	}
}

// Ingest enqueues one point for the named series. The visible state is
// untouched until the next flush.
func (a *Aggregator) Ingest(series string, point Point) {
	a.mu.Lock()
	a.pending[series] = append(a.pending[series], point)
	a.mu.Unlock()
}

// IngestBatch enqueues a batch of points for the named series, as when
// a backfill reply arrives.
func (a *Aggregator) IngestBatch(series string, points []Point) {
	if len(points) == 0 {
		return
	}
	a.mu.Lock()
	a.pending[series] = append(a.pending[series], points...)
	a.mu.Unlock()
}

// Run drives the flush loop until ctx is cancelled, then performs one
// final flush so nothing ingested during shutdown is lost.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := a.clk.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Flush()
		case <-ctx.Done():
			a.Flush()
			return
		}
	}
}

// Flush drains all pending buffers into the visible series and invokes
// the consumer callback if anything merged. Pending points are sorted
// by step before merging so a backfill batch and live increments
// interleave correctly regardless of arrival order. Returns whether
// any points were merged.
func (a *Aggregator) Flush() bool {
	a.mu.Lock()
	merged := false
	for name, points := range a.pending {
		if len(points) == 0 {
			continue
		}
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].Step < points[j].Step
		})
		buffer := a.visible[name]
		if buffer == nil {
			buffer = NewSeriesBuffer(a.capacity, a.maxWindow)
			a.visible[name] = buffer
		}
		buffer.Merge(points)
		delete(a.pending, name)
		merged = true
	}
	var snapshot Snapshot
	var onFlush func(Snapshot)
	if merged && a.onFlush != nil {
		snapshot = a.snapshotLocked()
		onFlush = a.onFlush
	}
	a.mu.Unlock()

	if onFlush != nil {
		onFlush(snapshot)
	}
	return merged
}

// Snapshot returns the current render-visible state of every series.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	snapshot := make(Snapshot, len(a.visible))
	for name, buffer := range a.visible {
		snapshot[name] = Series{
			Points:   buffer.Points(),
			Smoothed: buffer.Smoothed(),
		}
	}
	return snapshot
}

// LastStep returns the newest visible or pending step for the named
// series. Used as the metrics cursor for backfill requests.
func (a *Aggregator) LastStep(series string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	last, ok := 0, false
	if buffer := a.visible[series]; buffer != nil {
		last, ok = buffer.LastStep()
	}
	for _, point := range a.pending[series] {
		if !ok || point.Step > last {
			last, ok = point.Step, true
		}
	}
	return last, ok
}

// SeriesNames returns the names of all series with visible or pending
// data.
func (a *Aggregator) SeriesNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]struct{}, len(a.visible)+len(a.pending))
	for name := range a.visible {
		seen[name] = struct{}{}
	}
	for name := range a.pending {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset discards all pending and visible data. Called on an explicit
// task restart so two unrelated runs are never stitched together.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.pending = make(map[string][]Point)
	a.visible = make(map[string]*SeriesBuffer)
	a.mu.Unlock()
}

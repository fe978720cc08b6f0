// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream implements Atelier's live telemetry channel: the
// client-side machinery that keeps the console synchronized with a
// long-running training job over an unreliable websocket transport. It
// replays missed history after reconnects, coalesces high-frequency
// metric points into bounded render-friendly series, and tears
// everything down when the job reaches a terminal state.
//
// The package is organized around the telemetry data flow:
//
//   - protocol.go: wire format for the telemetry stream (JSON tagged union)
//   - backoff.go: reconnect delay policy (exponential, capped, jittered)
//   - gate.go: the should-we-be-connected predicate over five inputs
//   - transport.go: websocket dialer and close-code classification
//   - supervisor.go: per-channel connection state machine with
//     generation tokens that make overlapping start/stop safe
//   - series.go: capped, idempotent metric series with smoothing
//   - aggregator.go: ingest/flush decoupling for render-rate control
//   - watcher.go: task lifecycle observation and terminal fan-out
//   - session.go: one task's channels, cursors, and history replay
//   - hub.go: process-wide session registry and visibility/online fan-out
//
// The flow: a Gate decides readiness, a Supervisor opens the transport,
// the session requests backfill from its cursor on every open, live
// increments then merge idempotently behind the backfill, the
// Aggregator flushes series to the UI on a fixed cadence, and the
// LifecycleWatcher closes every channel for a task once its job
// completes, fails, or is cancelled.
package stream

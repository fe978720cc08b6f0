// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import "fmt"

// StreamKind identifies one of the telemetry stream types a channel can
// subscribe to.
type StreamKind string

const (
	// StreamLogs carries training log lines with line-offset cursors.
	StreamLogs StreamKind = "logs"

	// StreamMetrics carries numeric training metrics keyed by step.
	StreamMetrics StreamKind = "metrics"

	// StreamSamples carries sample/artifact change notifications. The
	// files themselves are fetched out of band; the stream only signals
	// that a re-poll is due.
	StreamSamples StreamKind = "samples"

	// StreamGPU carries process-wide GPU utilization. Unlike the other
	// kinds it is not scoped to a task.
	StreamGPU StreamKind = "gpu"
)

// Valid reports whether k is a known stream kind.
func (k StreamKind) Valid() bool {
	switch k {
	case StreamLogs, StreamMetrics, StreamSamples, StreamGPU:
		return true
	}
	return false
}

// TaskScoped reports whether channels of this kind address a specific
// task. The gpu stream is machine-wide.
func (k StreamKind) TaskScoped() bool { return k != StreamGPU }

// Replayable reports whether the protocol defines history backfill for
// this kind. Samples and gpu are live-only streams.
func (k StreamKind) Replayable() bool {
	return k == StreamLogs || k == StreamMetrics
}

// ChannelID identifies one logical subscription: a (task, stream kind)
// pair. For the gpu kind, Task is empty.
type ChannelID struct {
	Task string
	Kind StreamKind
}

// String returns a compact identifier for logging.
func (id ChannelID) String() string {
	if !id.Kind.TaskScoped() {
		return string(id.Kind)
	}
	return id.Task + "/" + string(id.Kind)
}

// Endpoint returns the websocket URL for this channel under the given
// base URL (e.g., "ws://127.0.0.1:8700").
func (id ChannelID) Endpoint(base string) string {
	if !id.Kind.TaskScoped() {
		return fmt.Sprintf("%s/api/gpu/stream", base)
	}
	return fmt.Sprintf("%s/api/tasks/%s/stream/%s", base, id.Task, id.Kind)
}

// TaskState is the lifecycle state of a training task as reported by
// the backend job engine.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Valid reports whether s is a known lifecycle state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the task has reached a state after which
// no further progress occurs absent an explicit restart.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

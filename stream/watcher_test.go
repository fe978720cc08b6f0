// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import "testing"

func TestWatcherFiresTerminalOnce(t *testing.T) {
	var fired []TaskState
	watcher := NewLifecycleWatcher(TaskRunning, func(state TaskState) {
		fired = append(fired, state)
	}, nil)

	watcher.Observe(TaskCompleted)
	// State messages are delivered at-least-once across streams and
	// reconnects; redundant terminal observations must not re-fire.
	watcher.Observe(TaskCompleted)
	watcher.Observe(TaskFailed)

	if len(fired) != 1 || fired[0] != TaskCompleted {
		t.Fatalf("terminal fired %v, want exactly [completed]", fired)
	}
	if !watcher.Terminal() {
		t.Error("watcher should report terminal")
	}
}

func TestWatcherInitialTerminalSuppressed(t *testing.T) {
	fired := 0
	watcher := NewLifecycleWatcher(TaskFailed, func(TaskState) { fired++ }, nil)

	// The console already knew the task was done; a redundant terminal
	// message on connect is not news.
	watcher.Observe(TaskFailed)
	if fired != 0 {
		t.Errorf("terminal fired %d times, want 0", fired)
	}
}

func TestWatcherRestart(t *testing.T) {
	restarts := 0
	terminals := 0
	watcher := NewLifecycleWatcher(TaskRunning,
		func(TaskState) { terminals++ },
		func() { restarts++ },
	)

	watcher.Observe(TaskCompleted)
	watcher.Observe(TaskRunning)
	if restarts != 1 {
		t.Fatalf("restarts = %d, want 1", restarts)
	}

	// After a restart the terminal guard is re-armed.
	watcher.Observe(TaskFailed)
	if terminals != 2 {
		t.Errorf("terminals = %d, want 2", terminals)
	}
}

func TestWatcherRunningWithoutTerminalIsNotRestart(t *testing.T) {
	restarts := 0
	watcher := NewLifecycleWatcher(TaskPending, nil, func() { restarts++ })

	watcher.Observe(TaskRunning)
	watcher.Observe(TaskRunning)
	if restarts != 0 {
		t.Errorf("restarts = %d, want 0", restarts)
	}
}

func TestWatcherIgnoresUnknownStates(t *testing.T) {
	watcher := NewLifecycleWatcher(TaskRunning, nil, nil)
	watcher.Observe(TaskState("exploded"))
	if got := watcher.State(); got != TaskRunning {
		t.Errorf("state = %s, want running", got)
	}
}

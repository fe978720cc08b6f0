// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import "sync"

// LifecycleWatcher observes task lifecycle transitions arriving on any
// channel for a task. Reaching a terminal state is the authoritative
// signal to tear down every channel for that task: the watcher fires
// OnTerminal exactly once, guarded so the at-least-once delivery of
// state messages across streams and reconnects never double-fires it.
// A later transition from terminal back to running is an explicit
// restart: OnRestart fires so the session can reset cursors and
// displayed buffers before channels re-open, rather than stitching two
// unrelated runs together.
type LifecycleWatcher struct {
	mu           sync.Mutex
	state        TaskState
	terminalSeen bool

	onTerminal func(TaskState)
	onRestart  func()
}

// NewLifecycleWatcher creates a watcher starting from the given state.
// Either callback may be nil. If the initial state is already terminal
// the watcher treats it as seen, so a redundant terminal message on
// connect does not fire OnTerminal.
func NewLifecycleWatcher(initial TaskState, onTerminal func(TaskState), onRestart func()) *LifecycleWatcher {
	return &LifecycleWatcher{
		state:        initial,
		terminalSeen: initial.IsTerminal(),
		onTerminal:   onTerminal,
		onRestart:    onRestart,
	}
}

// Observe applies one lifecycle transition. Unknown states are ignored
// at the boundary. Callbacks run on the caller's goroutine, outside
// the watcher's lock.
func (w *LifecycleWatcher) Observe(next TaskState) {
	if !next.Valid() {
		return
	}

	w.mu.Lock()
	previous := w.state
	w.state = next

	var fireTerminal, fireRestart bool
	switch {
	case next.IsTerminal() && !w.terminalSeen:
		w.terminalSeen = true
		fireTerminal = true
	case next == TaskRunning && previous.IsTerminal():
		w.terminalSeen = false
		fireRestart = true
	}
	onTerminal := w.onTerminal
	onRestart := w.onRestart
	w.mu.Unlock()

	if fireTerminal && onTerminal != nil {
		onTerminal(next)
	}
	if fireRestart && onRestart != nil {
		onRestart()
	}
}

// State returns the last observed lifecycle state.
func (w *LifecycleWatcher) State() TaskState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Terminal reports whether the task is currently in a terminal state.
func (w *LifecycleWatcher) Terminal() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminalSeen
}

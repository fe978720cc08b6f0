// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import "sync"

// Gate computes whether a channel should be connected right now from
// five independent signals: an explicit enable flag, the job-running
// flag, the job-terminal flag, page visibility, and network online
// state. There are five reasons to disconnect but only one code path
// for doing it: the gate's edge-triggered OnChange callback, which the
// owning session wires to Supervisor Start/Stop.
//
// Visibility and online state default to true; the platform layer
// reports changes as they happen.
type Gate struct {
	mu       sync.Mutex
	enabled  bool
	running  bool
	terminal bool
	visible  bool
	online   bool
	onChange func(bool)
}

// NewGate returns a Gate with visibility and online state assumed true
// and everything else false.
func NewGate() *Gate {
	return &Gate{visible: true, online: true}
}

// OnChange registers the callback fired whenever the ShouldConnect
// result flips. Fired only on edges: redundant input updates that do
// not change the result are silent.
func (g *Gate) OnChange(fn func(shouldConnect bool)) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

// ShouldConnect reports whether every condition for holding a
// connection is currently met.
func (g *Gate) ShouldConnect() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shouldConnectLocked()
}

func (g *Gate) shouldConnectLocked() bool {
	return g.enabled && g.running && !g.terminal && g.visible && g.online
}

// SetEnabled sets the consumer-interest flag.
func (g *Gate) SetEnabled(enabled bool) { g.set(&g.enabled, enabled) }

// SetRunning sets the job-running flag.
func (g *Gate) SetRunning(running bool) { g.set(&g.running, running) }

// SetTerminal sets the job-terminal flag. Marking a job terminal also
// clears the running flag; the two are never simultaneously true.
func (g *Gate) SetTerminal(terminal bool) {
	g.mu.Lock()
	before := g.shouldConnectLocked()
	g.terminal = terminal
	if terminal {
		g.running = false
	}
	after := g.shouldConnectLocked()
	fn := g.onChange
	g.mu.Unlock()

	if before != after && fn != nil {
		fn(after)
	}
}

// SetVisible sets the page-visibility flag.
func (g *Gate) SetVisible(visible bool) { g.set(&g.visible, visible) }

// SetOnline sets the network-online flag.
func (g *Gate) SetOnline(online bool) { g.set(&g.online, online) }

func (g *Gate) set(field *bool, value bool) {
	g.mu.Lock()
	before := g.shouldConnectLocked()
	*field = value
	after := g.shouldConnectLocked()
	fn := g.onChange
	g.mu.Unlock()

	if before != after && fn != nil {
		fn(after)
	}
}

// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atelier-ml/atelier/lib/clock"
)

var (
	errEmptyServerURL = errors.New("stream: HubConfig.ServerURL is required")
	errHubClosed      = errors.New("stream: hub is closed")
)

// HubConfig configures a Hub. ServerURL is required; everything else
// defaults.
type HubConfig struct {
	// ServerURL is the websocket base URL shared by every session.
	ServerURL string

	// Dialer, Clock, Logger are passed through to sessions. Nil selects
	// the production defaults.
	Dialer Dialer
	Clock  clock.Clock
	Logger *slog.Logger

	// Tuning, buffer, and flush settings applied to every session the
	// hub creates.
	Tuning             map[StreamKind]ChannelTuning
	SeriesCap          int
	FlushInterval      time.Duration
	SmoothingMaxWindow int
	LogBufferCap       int
}

// Hub is the process-wide registry of telemetry sessions: at most one
// TaskSession per task, plus one lazily created fleet-wide GPU session.
// It fans environment signals (page visibility, network reachability)
// out to every session, so a browser-style consumer has a single object
// to report them to.
type Hub struct {
	cfg    HubConfig
	logger *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	tasks    map[string]*TaskSession
	gpu      *TaskSession
	visible  bool
	online   bool
	closed   bool
}

// NewHub creates a Hub. Sessions created through it inherit ctx as
// their flush-loop context.
func NewHub(ctx context.Context, cfg HubConfig) (*Hub, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServerURL == "" {
		return nil, errEmptyServerURL
	}
	return &Hub{
		cfg:     cfg,
		logger:  cfg.Logger,
		ctx:     ctx,
		tasks:   make(map[string]*TaskSession),
		visible: true,
		online:  true,
	}, nil
}

// OpenTask returns the session for a task, creating and starting it on
// first use. Repeated calls return the same session, so two views of
// the same task share one set of channels.
func (h *Hub) OpenTask(task string, cfg SessionConfig) (*TaskSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errHubClosed
	}
	if session, ok := h.tasks[task]; ok {
		return session, nil
	}

	cfg.Task = task
	h.fillSessionConfig(&cfg)

	session, err := NewTaskSession(cfg)
	if err != nil {
		return nil, err
	}
	session.SetVisible(h.visible)
	session.SetOnline(h.online)
	session.Start(h.ctx)
	h.tasks[task] = session
	return session, nil
}

// CloseTask closes and forgets the session for a task. No-op when the
// task has no session.
func (h *Hub) CloseTask(task string) {
	h.mu.Lock()
	session := h.tasks[task]
	delete(h.tasks, task)
	h.mu.Unlock()

	if session != nil {
		session.Close()
	}
}

// Task returns the existing session for a task without creating one.
func (h *Hub) Task(task string) (*TaskSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	session, ok := h.tasks[task]
	return session, ok
}

// GPU returns the fleet-wide GPU session, creating and starting it on
// first use. The GPU stream is not tied to any task, so its session
// has no lifecycle watcher input and only the gpu channel.
func (h *Hub) GPU(cfg SessionConfig) (*TaskSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errHubClosed
	}
	if h.gpu != nil {
		return h.gpu, nil
	}

	cfg.Task = ""
	cfg.Kinds = []StreamKind{StreamGPU}
	h.fillSessionConfig(&cfg)

	session, err := NewTaskSession(cfg)
	if err != nil {
		return nil, err
	}
	session.SetVisible(h.visible)
	session.SetOnline(h.online)
	session.Start(h.ctx)
	h.gpu = session
	return session, nil
}

// SetPageVisible fans a visibility change out to every session. Hidden
// pages drop their channels; becoming visible re-opens them with
// history replay.
func (h *Hub) SetPageVisible(visible bool) {
	for _, session := range h.snapshot(func() { h.visible = visible }) {
		session.SetVisible(visible)
	}
}

// SetOnline fans a reachability change out to every session.
func (h *Hub) SetOnline(online bool) {
	for _, session := range h.snapshot(func() { h.online = online }) {
		session.SetOnline(online)
	}
}

// Close shuts down every session. The hub rejects further opens.
func (h *Hub) Close() {
	for _, session := range h.snapshot(func() { h.closed = true }) {
		session.Close()
	}

	h.mu.Lock()
	h.tasks = make(map[string]*TaskSession)
	h.gpu = nil
	h.mu.Unlock()
}

// snapshot applies a state mutation under the lock and returns every
// live session, so fan-out callbacks run outside it.
func (h *Hub) snapshot(mutate func()) []*TaskSession {
	h.mu.Lock()
	defer h.mu.Unlock()

	mutate()
	sessions := make([]*TaskSession, 0, len(h.tasks)+1)
	for _, session := range h.tasks {
		sessions = append(sessions, session)
	}
	if h.gpu != nil {
		sessions = append(sessions, h.gpu)
	}
	return sessions
}

// fillSessionConfig overlays hub-level defaults onto a per-session
// config, leaving caller-set fields alone.
func (h *Hub) fillSessionConfig(cfg *SessionConfig) {
	cfg.ServerURL = h.cfg.ServerURL
	if cfg.Dialer == nil {
		cfg.Dialer = h.cfg.Dialer
	}
	if cfg.Clock == nil {
		cfg.Clock = h.cfg.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = h.logger
	}
	if cfg.Tuning == nil {
		cfg.Tuning = h.cfg.Tuning
	}
	if cfg.SeriesCap == 0 {
		cfg.SeriesCap = h.cfg.SeriesCap
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = h.cfg.FlushInterval
	}
	if cfg.SmoothingMaxWindow == 0 {
		cfg.SmoothingMaxWindow = h.cfg.SmoothingMaxWindow
	}
	if cfg.LogBufferCap == 0 {
		cfg.LogBufferCap = h.cfg.LogBufferCap
	}
}

// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atelier-ml/atelier/lib/clock"
)

// DefaultLogBufferCap is the default maximum number of log lines
// retained for display.
const DefaultLogBufferCap = 10000

// ChannelTuning carries the per-stream-kind knobs a session applies to
// its supervisors.
type ChannelTuning struct {
	Backoff     Policy
	IdleTimeout time.Duration
}

// TaskStatus is the scalar state of a task as last reported on its
// streams: lifecycle plus the ephemeral progress numbers that ride on
// metric events but are not series.
type TaskStatus struct {
	State      TaskState
	Speed      float64
	ETASeconds float64
	Progress   float64
}

// SessionConfig configures a TaskSession. Zero fields select defaults.
type SessionConfig struct {
	// Task is the task ID. Required unless Kinds is only StreamGPU.
	Task string

	// ServerURL is the websocket base URL. Required.
	ServerURL string

	// Kinds lists the streams to subscribe. Defaults to logs+metrics.
	Kinds []StreamKind

	// Dialer opens connections. Defaults to a WebsocketDialer.
	Dialer Dialer

	// Clock drives flush and reconnect timers. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Tuning overrides reconnect behavior per kind. Kinds not listed
	// use DefaultPolicy.
	Tuning map[StreamKind]ChannelTuning

	// InitialState seeds the lifecycle watcher and gate from what the
	// console already knows about the task. Defaults to TaskRunning.
	InitialState TaskState

	// SeriesCap, FlushInterval, SmoothingMaxWindow configure the
	// aggregator; LogBufferCap bounds the visible log buffer.
	SeriesCap          int
	FlushInterval      time.Duration
	SmoothingMaxWindow int
	LogBufferCap       int

	// OnLogsChanged fires after the visible log buffer changes;
	// consumers pull the new state with Logs().
	OnLogsChanged func()

	// OnMetrics receives a snapshot after every aggregator flush that
	// merged points.
	OnMetrics func(Snapshot)

	// OnConnected receives per-channel connectivity edges.
	OnConnected func(kind StreamKind, connected bool)

	// OnTerminal fires exactly once when the task reaches a terminal
	// state (and again only after an intervening restart).
	OnTerminal func(TaskState)

	// OnRestart fires when a terminal task transitions back to running,
	// after cursors and buffers have been reset.
	OnRestart func()

	// OnFilesChanged fires when the sample/artifact listing should be
	// re-polled out of band.
	OnFilesChanged func()
}

// TaskSession owns every telemetry channel for one task: one
// Supervisor per subscribed stream kind, the cursors those channels
// replay history from, the visible log buffer, the metric aggregator,
// and the lifecycle watcher that tears it all down at a terminal
// state.
//
// All channels share one Gate. The gate's inputs are identical across
// a task's channels — subscribing only some kinds is expressed through
// Kinds, not through per-channel enable flags — so a single gate keeps
// the five disconnect reasons funneled through one code path.
type TaskSession struct {
	task        string
	logger      *slog.Logger
	clk         clock.Clock
	gate        *Gate
	watcher     *LifecycleWatcher
	aggregator  *Aggregator
	supervisors map[StreamKind]*Supervisor

	onLogsChanged  func()
	onTerminal     func(TaskState)
	onRestart      func()
	onFilesChanged func()

	mu sync.Mutex
	// logStart is the absolute line offset of logLines[0]; logOffset is
	// the cursor — the absolute offset one past the newest line.
	logStart  int
	logOffset int
	logLines  []string
	logCap    int
	status    TaskStatus

	started     bool
	flushCancel context.CancelFunc
}

// NewTaskSession creates a session. No connection is opened until
// Start.
func NewTaskSession(cfg SessionConfig) (*TaskSession, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("stream: SessionConfig.ServerURL is required")
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = []StreamKind{StreamLogs, StreamMetrics}
	}
	for _, kind := range cfg.Kinds {
		if !kind.Valid() {
			return nil, fmt.Errorf("stream: unknown stream kind %q", kind)
		}
		if kind.TaskScoped() && cfg.Task == "" {
			return nil, fmt.Errorf("stream: %s stream requires a task ID", kind)
		}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &WebsocketDialer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LogBufferCap <= 0 {
		cfg.LogBufferCap = DefaultLogBufferCap
	}
	if cfg.InitialState == "" {
		cfg.InitialState = TaskRunning
	}

	session := &TaskSession{
		task:           cfg.Task,
		logger:         cfg.Logger.With("task", cfg.Task),
		clk:            cfg.Clock,
		gate:           NewGate(),
		supervisors:    make(map[StreamKind]*Supervisor, len(cfg.Kinds)),
		onLogsChanged:  cfg.OnLogsChanged,
		onTerminal:     cfg.OnTerminal,
		onRestart:      cfg.OnRestart,
		onFilesChanged: cfg.OnFilesChanged,
		logCap:         cfg.LogBufferCap,
		status:         TaskStatus{State: cfg.InitialState},
	}

	session.aggregator = NewAggregator(AggregatorConfig{
		SeriesCap:          cfg.SeriesCap,
		FlushInterval:      cfg.FlushInterval,
		SmoothingMaxWindow: cfg.SmoothingMaxWindow,
		Clock:              cfg.Clock,
		Logger:             session.logger,
		OnFlush:            cfg.OnMetrics,
	})

	session.watcher = NewLifecycleWatcher(cfg.InitialState,
		session.handleTerminal, session.handleRestart)

	// Seed the gate before OnChange is wired, so construction produces
	// no edges.
	session.gate.SetRunning(cfg.InitialState == TaskRunning)
	session.gate.SetTerminal(cfg.InitialState.IsTerminal())

	for _, kind := range cfg.Kinds {
		kind := kind
		channel := ChannelID{Task: cfg.Task, Kind: kind}
		if !kind.TaskScoped() {
			channel.Task = ""
		}

		tuning, ok := cfg.Tuning[kind]
		if !ok {
			tuning = ChannelTuning{Backoff: DefaultPolicy(kind)}
		}

		var onConnected func(bool)
		if cfg.OnConnected != nil {
			notify := cfg.OnConnected
			onConnected = func(connected bool) { notify(kind, connected) }
		}

		session.supervisors[kind] = NewSupervisor(SupervisorConfig{
			Channel:       channel,
			URL:           channel.Endpoint(cfg.ServerURL),
			Dialer:        cfg.Dialer,
			Backoff:       tuning.Backoff,
			IdleTimeout:   tuning.IdleTimeout,
			Clock:         cfg.Clock,
			Logger:        cfg.Logger,
			ShouldConnect: session.gate.ShouldConnect,
			OnOpen:        func(send SendFunc) { session.requestBackfill(kind, send) },
			OnMessage:     func(envelope Envelope) { session.handleEnvelope(envelope) },
			OnConnected:   onConnected,
		})
	}

	session.gate.OnChange(func(shouldConnect bool) {
		if shouldConnect {
			session.startAll()
		} else {
			session.stopAll()
		}
	})

	return session, nil
}

// Start enables the session's gate and begins the aggregator flush
// loop. Channels open if the gate's other inputs allow. Idempotent.
func (s *TaskSession) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	flushCtx, cancel := context.WithCancel(ctx)
	s.flushCancel = cancel
	s.mu.Unlock()

	go s.aggregator.Run(flushCtx)
	s.gate.SetEnabled(true)
}

// Close disables the gate (closing every channel with a normal
// disposition) and stops the flush loop. The session may be started
// again, but the usual lifetime is one consumer mount.
func (s *TaskSession) Close() {
	s.gate.SetEnabled(false)

	s.mu.Lock()
	cancel := s.flushCancel
	s.flushCancel = nil
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// SetTaskState feeds a lifecycle observation from outside the streams
// (the console's CRUD layer). This is how a closed session learns that
// a terminal task was restarted, since no channel is open to carry the
// state message.
func (s *TaskSession) SetTaskState(state TaskState) {
	s.applyState(state)
}

// SetVisible reports page visibility to the gate.
func (s *TaskSession) SetVisible(visible bool) { s.gate.SetVisible(visible) }

// SetOnline reports network reachability to the gate.
func (s *TaskSession) SetOnline(online bool) { s.gate.SetOnline(online) }

// Connected reports whether the channel of the given kind is open.
func (s *TaskSession) Connected(kind StreamKind) bool {
	supervisor, ok := s.supervisors[kind]
	return ok && supervisor.Connected()
}

// ChannelState returns the supervisor state for one kind, for
// diagnostics.
func (s *TaskSession) ChannelState(kind StreamKind) (SupervisorState, bool) {
	supervisor, ok := s.supervisors[kind]
	if !ok {
		return StateIdle, false
	}
	return supervisor.State(), true
}

// Logs returns a copy of the visible log buffer.
func (s *TaskSession) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.logLines))
	copy(out, s.logLines)
	return out
}

// LogOffset returns the log cursor: the absolute offset one past the
// newest visible line.
func (s *TaskSession) LogOffset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logOffset
}

// Metrics returns the current render-visible metric snapshot.
func (s *TaskSession) Metrics() Snapshot {
	return s.aggregator.Snapshot()
}

// Status returns the last reported lifecycle state and progress
// numbers.
func (s *TaskSession) Status() TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *TaskSession) startAll() {
	for _, supervisor := range s.supervisors {
		supervisor.Start()
	}
}

func (s *TaskSession) stopAll() {
	for _, supervisor := range s.supervisors {
		supervisor.Stop()
	}
}

// requestBackfill issues the history request for a fresh open, carrying
// the stream's cursor. Live-only kinds skip it.
func (s *TaskSession) requestBackfill(kind StreamKind, send SendFunc) {
	if !kind.Replayable() {
		return
	}

	var since int
	switch kind {
	case StreamLogs:
		s.mu.Lock()
		since = s.logOffset
		s.mu.Unlock()
	case StreamMetrics:
		since = s.metricsCursor()
	}

	if err := send(NewHistoryRequest(kind, since)); err != nil {
		// The read loop will observe the same failure and drive the
		// reconnect; nothing to do here but record it.
		s.logger.Warn("backfill request failed", "kind", kind, "error", err)
	}
}

// metricsCursor is the step to request metric backfill from: the
// minimum of the per-series last steps, so the most-behind series
// drives the window. Duplicate points re-delivered for the other
// series are absorbed by the idempotent merge.
func (s *TaskSession) metricsCursor() int {
	cursor, found := 0, false
	for _, name := range s.aggregator.SeriesNames() {
		last, ok := s.aggregator.LastStep(name)
		if !ok {
			continue
		}
		if !found || last < cursor {
			cursor, found = last, true
		}
	}
	return cursor
}

// handleEnvelope dispatches one decoded wire message. Runs on a
// supervisor read-loop goroutine; lifecycle messages may arrive on any
// channel of the task.
func (s *TaskSession) handleEnvelope(envelope Envelope) {
	switch envelope.Type {
	case TypeHistoricalLogs:
		var payload HistoricalLogs
		if err := envelope.DecodePayload(&payload); err != nil {
			s.logger.Warn("dropping bad backfill", "error", err)
			return
		}
		s.mergeHistoricalLogs(payload)

	case TypeLog:
		var payload LogEvent
		if err := envelope.DecodePayload(&payload); err != nil {
			s.logger.Warn("dropping bad log event", "error", err)
			return
		}
		s.mergeLiveLog(payload.Message, envelope.NewOffset)

	case TypeHistoricalMetrics:
		var payload HistoricalMetrics
		if err := envelope.DecodePayload(&payload); err != nil {
			s.logger.Warn("dropping bad metric backfill", "error", err)
			return
		}
		for name, points := range payload.Metrics {
			s.aggregator.IngestBatch(name, points)
		}

	case TypeMetric:
		var payload MetricEvent
		if err := envelope.DecodePayload(&payload); err != nil {
			s.logger.Warn("dropping bad metric event", "error", err)
			return
		}
		s.ingestMetricEvent(payload)

	case TypeState:
		var payload StateEvent
		if err := envelope.DecodePayload(&payload); err != nil {
			s.logger.Warn("dropping bad state event", "error", err)
			return
		}
		s.applyState(payload.ToState)

	case TypeFile, TypeFileChanged:
		if s.onFilesChanged != nil {
			s.onFilesChanged()
		}

	default:
		// Unknown types are expected as the backend evolves.
		s.logger.Debug("ignoring unknown message type", "type", envelope.Type)
	}
}

// mergeHistoricalLogs applies a backfill batch. Lines are placed at
// their absolute offsets, so live lines that raced ahead of the reply
// are overwritten in place rather than duplicated, and the server's
// returned cursor is adopted verbatim — never recomputed from the
// payload length, which would desynchronize under server-side
// coalescing.
func (s *TaskSession) mergeHistoricalLogs(payload HistoricalLogs) {
	s.mu.Lock()
	start := payload.NewOffset - len(payload.Logs)
	for i, line := range payload.Logs {
		s.placeLogLocked(start+i, line)
	}
	if payload.NewOffset > s.logOffset {
		s.logOffset = payload.NewOffset
	}
	s.trimLogsLocked()
	changed := s.onLogsChanged
	s.mu.Unlock()

	if changed != nil {
		changed()
	}
}

// mergeLiveLog applies one live line. When the server publishes the
// authoritative cursor alongside the line, the line's absolute offset
// is cursor-1; otherwise it lands at the current cursor, which then
// advances by one.
func (s *TaskSession) mergeLiveLog(message string, newOffset *int) {
	s.mu.Lock()
	if newOffset != nil {
		s.placeLogLocked(*newOffset-1, message)
		if *newOffset > s.logOffset {
			s.logOffset = *newOffset
		}
	} else {
		s.placeLogLocked(s.logOffset, message)
		s.logOffset++
	}
	s.trimLogsLocked()
	changed := s.onLogsChanged
	s.mu.Unlock()

	if changed != nil {
		changed()
	}
}

// placeLogLocked writes a line at its absolute offset: overwrite when
// retained, append when next, ignore when older than the buffer.
// Caller holds s.mu.
func (s *TaskSession) placeLogLocked(absolute int, line string) {
	index := absolute - s.logStart
	switch {
	case index < 0:
		// Older than the retention window.
	case index < len(s.logLines):
		s.logLines[index] = line
	default:
		// Contiguous append is the normal case. A gap means the server
		// coalesced lines we never saw; appending keeps the newest data
		// visible, and the adopted cursor keeps future backfills right.
		s.logLines = append(s.logLines, line)
	}
}

// trimLogsLocked evicts the oldest lines beyond the cap. Caller holds
// s.mu.
func (s *TaskSession) trimLogsLocked() {
	if excess := len(s.logLines) - s.logCap; excess > 0 {
		s.logLines = append(s.logLines[:0], s.logLines[excess:]...)
		s.logStart += excess
	}
}

// ingestMetricEvent fans a live metric event into its series and the
// scalar status fields.
func (s *TaskSession) ingestMetricEvent(event MetricEvent) {
	wallTime := float64(s.clk.Now().UnixNano()) / float64(time.Second)

	if event.Loss != nil {
		s.aggregator.Ingest(SeriesLoss, Point{Step: event.Step, Value: *event.Loss, WallTime: wallTime})
	}
	if event.LearningRate != nil {
		s.aggregator.Ingest(SeriesLearningRate, Point{Step: event.Step, Value: *event.LearningRate, WallTime: wallTime})
	}
	if event.Epoch != nil {
		s.aggregator.Ingest(SeriesEpoch, Point{Step: event.Step, Value: *event.Epoch, WallTime: wallTime})
	}

	s.mu.Lock()
	if event.Speed != nil {
		s.status.Speed = *event.Speed
	}
	if event.ETASeconds != nil {
		s.status.ETASeconds = *event.ETASeconds
	}
	if event.Progress != nil {
		s.status.Progress = *event.Progress
	}
	s.mu.Unlock()
}

// applyState routes one lifecycle observation through the watcher and
// keeps the gate's running flag in sync for non-edge transitions.
func (s *TaskSession) applyState(state TaskState) {
	if !state.Valid() {
		return
	}

	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()

	// The watcher fires handleTerminal/handleRestart on edges; those
	// adjust the gate themselves.
	s.watcher.Observe(state)

	if state == TaskRunning {
		s.gate.SetRunning(true)
	} else if !state.IsTerminal() {
		s.gate.SetRunning(false)
	}
}

// handleTerminal is the watcher's exactly-once terminal callback:
// close every channel for the task, then tell the consumer.
func (s *TaskSession) handleTerminal(state TaskState) {
	s.logger.Info("task reached terminal state", "state", state)
	s.gate.SetTerminal(true)
	if s.onTerminal != nil {
		s.onTerminal(state)
	}
}

// handleRestart is the watcher's terminal→running callback: reset
// cursors and displayed buffers so the new run starts from scratch,
// clear any permanent supervisor stops, then re-open the gate.
func (s *TaskSession) handleRestart() {
	s.logger.Info("task restarted, resetting buffers")

	s.mu.Lock()
	s.logLines = nil
	s.logStart = 0
	s.logOffset = 0
	s.status = TaskStatus{State: TaskRunning}
	changed := s.onLogsChanged
	s.mu.Unlock()

	s.aggregator.Reset()
	for _, supervisor := range s.supervisors {
		supervisor.Reset()
	}

	if changed != nil {
		changed()
	}

	s.gate.SetTerminal(false)
	s.gate.SetRunning(true)

	if s.onRestart != nil {
		s.onRestart()
	}
}

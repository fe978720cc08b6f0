// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atelier-ml/atelier/lib/clock"
)

type sessionHarness struct {
	dialer      *fakeDialer
	clk         *clock.FakeClock
	logsChanged chan struct{}
	metrics     chan Snapshot
	terminal    chan TaskState
	restarts    chan struct{}
	files       chan struct{}
}

func newSessionHarness() *sessionHarness {
	return &sessionHarness{
		dialer:      newFakeDialer(),
		clk:         clock.Fake(time.Unix(1000, 0)),
		logsChanged: make(chan struct{}, 64),
		metrics:     make(chan Snapshot, 64),
		terminal:    make(chan TaskState, 4),
		restarts:    make(chan struct{}, 4),
		files:       make(chan struct{}, 4),
	}
}

func (h *sessionHarness) config(kinds ...StreamKind) SessionConfig {
	return SessionConfig{
		Task:      "t-1",
		ServerURL: "ws://test",
		Kinds:     kinds,
		Dialer:    h.dialer,
		Clock:     h.clk,
		Tuning: map[StreamKind]ChannelTuning{
			StreamLogs:    {Backoff: testPolicy()},
			StreamMetrics: {Backoff: testPolicy()},
		},
		FlushInterval:  time.Second,
		OnLogsChanged:  func() { h.logsChanged <- struct{}{} },
		OnMetrics:      func(s Snapshot) { h.metrics <- s },
		OnTerminal:     func(state TaskState) { h.terminal <- state },
		OnRestart:      func() { h.restarts <- struct{}{} },
		OnFilesChanged: func() { h.files <- struct{}{} },
	}
}

// start creates and starts a session, waiting for the aggregator's
// flush ticker so later clock advances are deterministic.
func (h *sessionHarness) start(t *testing.T, cfg SessionConfig) *TaskSession {
	t.Helper()
	session, err := NewTaskSession(cfg)
	if err != nil {
		t.Fatalf("NewTaskSession: %v", err)
	}
	session.Start(context.Background())
	t.Cleanup(session.Close)
	h.clk.WaitForTimers(1)
	return session
}

// accept completes the pending dial and returns both the connection and
// the backfill request it carried.
func (h *sessionHarness) accept(t *testing.T) (*fakeConn, HistoryRequest) {
	t.Helper()
	h.dialer.waitDial(t)
	conn := h.dialer.accept()
	select {
	case sent := <-conn.sent:
		request, ok := sent.(HistoryRequest)
		if !ok {
			t.Fatalf("first write was %#v, want a history request", sent)
		}
		return conn, request
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for backfill request")
		return nil, HistoryRequest{}
	}
}

func (h *sessionHarness) waitLogsChanged(t *testing.T) {
	t.Helper()
	select {
	case <-h.logsChanged:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for log change")
	}
}

// sync serves a files-changed message and waits for its callback. The
// read loop handles messages in order, so returning proves everything
// served earlier has been ingested.
func (h *sessionHarness) sync(t *testing.T, conn *fakeConn) {
	t.Helper()
	conn.serve(t, `{"type":"file_changed"}`)
	select {
	case <-h.files:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out syncing with read loop")
	}
}

func (h *sessionHarness) waitSnapshot(t *testing.T) Snapshot {
	t.Helper()
	select {
	case snapshot := <-h.metrics:
		return snapshot
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for metrics flush")
		return nil
	}
}

func assertLogs(t *testing.T, session *TaskSession, want ...string) {
	t.Helper()
	got := session.Logs()
	if len(got) != len(want) {
		t.Fatalf("logs = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("logs = %q, want %q", got, want)
		}
	}
}

func TestSessionBackfillThenLive(t *testing.T) {
	harness := newSessionHarness()
	session := harness.start(t, harness.config(StreamLogs))
	conn, request := harness.accept(t)

	if request.DataType != "logs" || request.SinceOffset != 0 {
		t.Errorf("backfill request = %+v, want logs since 0", request)
	}

	conn.serve(t, `{"type":"historical_logs","payload":{"logs":["a","b"],"new_offset":2}}`)
	harness.waitLogsChanged(t)
	conn.serve(t, `{"type":"log","payload":{"message":"c"}}`)
	harness.waitLogsChanged(t)

	assertLogs(t, session, "a", "b", "c")
	if got := session.LogOffset(); got != 3 {
		t.Errorf("cursor = %d, want 3", got)
	}
}

func TestSessionLogReplayIsIdempotent(t *testing.T) {
	harness := newSessionHarness()
	session := harness.start(t, harness.config(StreamLogs))
	conn, _ := harness.accept(t)

	// A live line outruns the backfill reply that also contains it. The
	// positional merge keeps one copy at the right place.
	conn.serve(t, `{"type":"log","payload":{"message":"c"},"new_offset":3}`)
	harness.waitLogsChanged(t)
	conn.serve(t, `{"type":"historical_logs","payload":{"logs":["a","b","c"],"new_offset":3}}`)
	harness.waitLogsChanged(t)

	assertLogs(t, session, "a", "b", "c")
	if got := session.LogOffset(); got != 3 {
		t.Errorf("cursor = %d, want adopted offset 3", got)
	}
}

func TestSessionAdoptsServerCursorVerbatim(t *testing.T) {
	harness := newSessionHarness()
	session := harness.start(t, harness.config(StreamLogs))
	conn, _ := harness.accept(t)

	// The server coalesced lines: two lines but the cursor jumps to 10.
	// Recomputing from the count would desynchronize every later
	// backfill.
	conn.serve(t, `{"type":"historical_logs","payload":{"logs":["x","y"],"new_offset":10}}`)
	harness.waitLogsChanged(t)

	if got := session.LogOffset(); got != 10 {
		t.Errorf("cursor = %d, want 10", got)
	}
}

func TestSessionReconnectRequestsFromCursor(t *testing.T) {
	harness := newSessionHarness()
	harness.start(t, harness.config(StreamLogs))
	conn, _ := harness.accept(t)

	conn.serve(t, `{"type":"historical_logs","payload":{"logs":["a","b"],"new_offset":2}}`)
	harness.waitLogsChanged(t)

	conn.fail(errors.New("connection reset"))
	harness.clk.WaitForTimers(2) // reconnect timer plus the flush ticker
	harness.clk.Advance(time.Second)

	_, request := harness.accept(t)
	if request.SinceOffset != 2 {
		t.Errorf("reconnect backfill since = %d, want 2", request.SinceOffset)
	}
}

func TestSessionLogBufferCap(t *testing.T) {
	harness := newSessionHarness()
	cfg := harness.config(StreamLogs)
	cfg.LogBufferCap = 3
	session := harness.start(t, cfg)
	conn, _ := harness.accept(t)

	conn.serve(t, `{"type":"historical_logs","payload":{"logs":["a","b","c","d","e"],"new_offset":5}}`)
	harness.waitLogsChanged(t)

	assertLogs(t, session, "c", "d", "e")
	// Eviction never moves the cursor.
	if got := session.LogOffset(); got != 5 {
		t.Errorf("cursor = %d, want 5", got)
	}
}

func TestSessionMetricsFanOut(t *testing.T) {
	harness := newSessionHarness()
	session := harness.start(t, harness.config(StreamMetrics))
	conn, request := harness.accept(t)

	if request.DataType != "metrics" || request.SinceOffset != 0 {
		t.Errorf("backfill request = %+v, want metrics since 0", request)
	}

	conn.serve(t, `{"type":"historical_metrics","payload":{"metrics":{
		"loss":[{"step":1,"value":0.9},{"step":2,"value":0.8}],
		"learning_rate":[{"step":1,"value":0.001}]}}}`)
	conn.serve(t, `{"type":"metric","payload":{"step":3,"loss":0.7,"lr":0.0009,"speed":2.5,"eta_seconds":90,"progress":0.3}}`)
	harness.sync(t, conn)

	harness.clk.Advance(time.Second)
	snapshot := harness.waitSnapshot(t)

	assertSteps(t, snapshot[SeriesLoss].Points, 1, 2, 3)
	assertSteps(t, snapshot[SeriesLearningRate].Points, 1, 3)

	status := session.Status()
	if status.Speed != 2.5 || status.ETASeconds != 90 || status.Progress != 0.3 {
		t.Errorf("status = %+v", status)
	}
}

func TestSessionMetricDuplicateStepLastWins(t *testing.T) {
	harness := newSessionHarness()
	session := harness.start(t, harness.config(StreamMetrics))
	conn, _ := harness.accept(t)

	conn.serve(t, `{"type":"metric","payload":{"step":3,"loss":1.0}}`)
	conn.serve(t, `{"type":"metric","payload":{"step":3,"loss":0.5}}`)
	harness.sync(t, conn)
	harness.clk.Advance(time.Second)
	harness.waitSnapshot(t)

	points := session.Metrics()[SeriesLoss].Points
	if len(points) != 1 || points[0].Value != 0.5 {
		t.Fatalf("loss = %v, want one point with value 0.5", points)
	}
}

func TestSessionMetricsCursorIsMinAcrossSeries(t *testing.T) {
	harness := newSessionHarness()
	harness.start(t, harness.config(StreamMetrics))
	conn, _ := harness.accept(t)

	// Loss is ahead of learning rate; the reconnect request must cover
	// the most-behind series.
	conn.serve(t, `{"type":"historical_metrics","payload":{"metrics":{
		"loss":[{"step":1,"value":0.9},{"step":5,"value":0.5}],
		"learning_rate":[{"step":2,"value":0.001}]}}}`)

	conn.fail(errors.New("connection reset"))
	harness.clk.WaitForTimers(2)
	harness.clk.Advance(time.Second)

	_, request := harness.accept(t)
	if request.SinceOffset != 2 {
		t.Errorf("reconnect backfill since = %d, want 2", request.SinceOffset)
	}
}

func TestSessionTerminalClosesChannels(t *testing.T) {
	harness := newSessionHarness()
	session := harness.start(t, harness.config(StreamLogs))
	conn, _ := harness.accept(t)

	conn.serve(t, `{"type":"state","payload":{"to_state":"completed"}}`)

	select {
	case state := <-harness.terminal:
		if state != TaskCompleted {
			t.Errorf("terminal state = %s", state)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal callback")
	}

	waitClosed(t, conn)
	if session.Connected(StreamLogs) {
		t.Error("terminal task should have no open channels")
	}
	if got := session.Status().State; got != TaskCompleted {
		t.Errorf("status state = %s", got)
	}

	// The buffers survive teardown so the console keeps showing the
	// final output.
	harness.dialer.expectNoDial(t)
}

func TestSessionRestartResets(t *testing.T) {
	harness := newSessionHarness()
	session := harness.start(t, harness.config(StreamLogs))
	conn, _ := harness.accept(t)

	conn.serve(t, `{"type":"historical_logs","payload":{"logs":["old"],"new_offset":1}}`)
	harness.waitLogsChanged(t)
	conn.serve(t, `{"type":"state","payload":{"to_state":"failed"}}`)
	<-harness.terminal
	waitClosed(t, conn)

	// The console's task layer reports the restart out of band.
	session.SetTaskState(TaskRunning)

	select {
	case <-harness.restarts:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for restart callback")
	}

	assertLogs(t, session)
	if got := session.LogOffset(); got != 0 {
		t.Errorf("cursor = %d, want reset to 0", got)
	}

	// Channels re-open from a clean slate.
	_, request := harness.accept(t)
	if request.SinceOffset != 0 {
		t.Errorf("post-restart backfill since = %d, want 0", request.SinceOffset)
	}
}

func TestSessionVisibilityTogglesChannels(t *testing.T) {
	harness := newSessionHarness()
	session := harness.start(t, harness.config(StreamLogs))
	conn, _ := harness.accept(t)

	conn.serve(t, `{"type":"historical_logs","payload":{"logs":["a"],"new_offset":1}}`)
	harness.waitLogsChanged(t)

	session.SetVisible(false)
	waitClosed(t, conn)

	session.SetVisible(true)
	_, request := harness.accept(t)
	if request.SinceOffset != 1 {
		t.Errorf("re-open backfill since = %d, want 1", request.SinceOffset)
	}
	// The buffer was kept; only the connection dropped.
	assertLogs(t, session, "a")
}

func TestSessionFilesChangedSignal(t *testing.T) {
	harness := newSessionHarness()
	harness.start(t, harness.config(StreamLogs))
	conn, _ := harness.accept(t)

	conn.serve(t, `{"type":"file_changed"}`)
	select {
	case <-harness.files:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for files-changed signal")
	}
}

func TestSessionIgnoresUnknownMessageTypes(t *testing.T) {
	harness := newSessionHarness()
	session := harness.start(t, harness.config(StreamLogs))
	conn, _ := harness.accept(t)

	conn.serve(t, `{"type":"hologram","payload":{"x":1}}`)
	conn.serve(t, `{"type":"log","payload":{"message":"still here"}}`)
	harness.waitLogsChanged(t)

	assertLogs(t, session, "still here")
	if !session.Connected(StreamLogs) {
		t.Error("unknown message type must not drop the connection")
	}
}

func TestSessionGPUIsLiveOnly(t *testing.T) {
	harness := newSessionHarness()
	cfg := harness.config(StreamGPU)
	cfg.Task = ""
	harness.start(t, cfg)

	if url := harness.dialer.waitDial(t); url != "ws://test/api/gpu/stream" {
		t.Errorf("dialed %q", url)
	}
	conn := harness.dialer.accept()

	// No history request on a live-only stream.
	select {
	case sent := <-conn.sent:
		t.Fatalf("unexpected write %#v on gpu stream", sent)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionConfigValidation(t *testing.T) {
	if _, err := NewTaskSession(SessionConfig{Task: "t-1"}); err == nil {
		t.Error("missing server URL should fail")
	}
	if _, err := NewTaskSession(SessionConfig{ServerURL: "ws://test"}); err == nil {
		t.Error("task-scoped kinds without a task should fail")
	}
	if _, err := NewTaskSession(SessionConfig{
		ServerURL: "ws://test",
		Task:      "t-1",
		Kinds:     []StreamKind{"telepathy"},
	}); err == nil {
		t.Error("unknown kind should fail")
	}
}

// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Atelier-trainer-mock is a drop-in replacement for the training
// backend in development and integration tests. It serves the console's
// websocket telemetry endpoints and synthesizes a believable training
// run per task: decaying loss, a warmup-then-decay learning rate
// schedule, log lines, lifecycle transitions, and a fleet-wide GPU
// utilization stream.
//
// The mock honors the history replay protocol: a request_history
// message is answered with historical_logs or historical_metrics
// covering everything after the client's cursor, so reconnect and
// backfill paths can be exercised without a real trainer.
//
// Endpoints:
//   - /api/tasks/{task}/stream/{kind}  (kind: logs, metrics, samples)
//   - /api/gpu/stream
//
// A run starts the first time any of a task's streams is subscribed and
// finishes after --steps steps (or fails at --fail-at). Clients
// subscribing mid-run catch up through backfill.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/atelier-ml/atelier/lib/version"
	"github.com/atelier-ml/atelier/stream"
)

func main() {
	if err := runMain(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain() error {
	var (
		listen       string
		steps        int
		stepInterval time.Duration
		failAt       int
		showVersion  bool
	)

	flags := pflag.NewFlagSet("atelier-trainer-mock", pflag.ContinueOnError)
	flags.StringVar(&listen, "listen", "127.0.0.1:8700", "address to serve on")
	flags.IntVar(&steps, "steps", 500, "steps per synthesized run")
	flags.DurationVar(&stepInterval, "step-interval", 200*time.Millisecond, "time between training steps")
	flags.IntVar(&failAt, "fail-at", 0, "fail the run at this step (0 = run to completion)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("atelier-trainer-mock")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	trainer := newTrainer(ctx, trainerConfig{
		steps:        steps,
		stepInterval: stepInterval,
		failAt:       failAt,
		logger:       logger,
	})
	go trainer.runGPU(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks/{task}/stream/{kind}", trainer.handleTaskStream)
	mux.HandleFunc("/api/gpu/stream", trainer.handleGPUStream)

	server := &http.Server{Addr: listen, Handler: mux}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.ListenAndServe()
	}()

	logger.Info("trainer mock running", "listen", listen, "steps", steps)

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// envelope is the outer wire shape of every server→client message.
type envelope struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	NewOffset *int   `json:"new_offset,omitempty"`
}

// subscriber is one connected websocket client. Messages are pushed on
// the out channel; a writer goroutine owns the connection's write side.
type subscriber struct {
	kind stream.StreamKind
	out  chan envelope
}

func (s *subscriber) push(message envelope) {
	select {
	case s.out <- message:
	default:
		// Slow reader: drop rather than stall the run.
	}
}

type trainerConfig struct {
	steps        int
	stepInterval time.Duration
	failAt       int
	logger       *slog.Logger
}

// trainer synthesizes one run per task and fans live events out to
// subscribers. Runs live as long as the server, not as long as the
// subscriber that triggered them.
type trainer struct {
	cfg      trainerConfig
	logger   *slog.Logger
	lifetime context.Context
	upgrader websocket.Upgrader

	mu   sync.Mutex
	runs map[string]*run
	gpu  map[*subscriber]struct{}
}

func newTrainer(ctx context.Context, cfg trainerConfig) *trainer {
	return &trainer{
		cfg:      cfg,
		logger:   cfg.logger,
		lifetime: ctx,
		runs:     make(map[string]*run),
		gpu:      make(map[*subscriber]struct{}),
	}
}

// run is one synthesized training run. All fields are guarded by mu;
// the step loop and every stream handler touch them.
type run struct {
	mu          sync.Mutex
	task        string
	state       stream.TaskState
	step        int
	logs        []string
	metrics     map[string][]stream.Point
	subscribers map[*subscriber]struct{}
}

// taskRun returns the run for a task, starting it on first reference.
func (t *trainer) taskRun(task string) *run {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.runs[task]; ok {
		return existing
	}
	r := &run{
		task:        task,
		state:       stream.TaskPending,
		metrics:     make(map[string][]stream.Point),
		subscribers: make(map[*subscriber]struct{}),
	}
	t.runs[task] = r
	go t.drive(t.lifetime, r)
	t.logger.Info("starting synthesized run", "task", task)
	return r
}

// drive advances one run from pending to a terminal state, producing a
// log line and a metric event per step.
func (t *trainer) drive(ctx context.Context, r *run) {
	ticker := time.NewTicker(t.cfg.stepInterval)
	defer ticker.Stop()

	r.setState(stream.TaskRunning)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		step := r.nextStep()
		if t.cfg.failAt > 0 && step >= t.cfg.failAt {
			r.appendLog(fmt.Sprintf("step %d: loss diverged, aborting", step))
			r.setState(stream.TaskFailed)
			return
		}
		if step > t.cfg.steps {
			r.appendLog("training complete, writing final checkpoint")
			r.setState(stream.TaskCompleted)
			return
		}

		r.recordStep(step, t.cfg.steps)
	}
}

func (r *run) nextStep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.step++
	return r.step
}

// recordStep synthesizes the telemetry for one training step and
// broadcasts it.
func (r *run) recordStep(step, total int) {
	progress := float64(step) / float64(total)
	loss := 2.5*math.Exp(-4*progress) + 0.05 + rand.Float64()*0.02
	lr := learningRate(step, total)
	epoch := progress * 3
	speed := 4.5 + rand.Float64()
	eta := float64(total-step) * 0.2
	wallTime := float64(time.Now().UnixNano()) / float64(time.Second)

	r.mu.Lock()
	r.metrics["loss"] = append(r.metrics["loss"], stream.Point{Step: step, Value: loss, WallTime: wallTime})
	r.metrics["learning_rate"] = append(r.metrics["learning_rate"], stream.Point{Step: step, Value: lr, WallTime: wallTime})
	r.metrics["epoch"] = append(r.metrics["epoch"], stream.Point{Step: step, Value: epoch, WallTime: wallTime})
	r.mu.Unlock()

	r.broadcast(stream.StreamMetrics, envelope{
		Type: "metric",
		Payload: map[string]any{
			"step":        step,
			"loss":        loss,
			"lr":          lr,
			"epoch":       epoch,
			"speed":       speed,
			"eta_seconds": eta,
			"progress":    progress,
		},
	})

	r.appendLog(fmt.Sprintf("step %d/%d  loss=%.4f  lr=%.2e", step, total, loss, lr))

	// Every 50 steps a sample lands on disk.
	if step%50 == 0 {
		r.broadcast(stream.StreamSamples, envelope{
			Type:    "file_changed",
			Payload: map[string]any{"path": fmt.Sprintf("samples/step-%05d.png", step)},
		})
	}
}

// learningRate is a linear warmup over the first 5% of steps followed
// by cosine decay.
func learningRate(step, total int) float64 {
	const peak = 1e-3
	warmup := total / 20
	if warmup < 1 {
		warmup = 1
	}
	if step < warmup {
		return peak * float64(step) / float64(warmup)
	}
	progress := float64(step-warmup) / float64(total-warmup)
	return peak * 0.5 * (1 + math.Cos(math.Pi*progress))
}

func (r *run) appendLog(line string) {
	r.mu.Lock()
	r.logs = append(r.logs, line)
	offset := len(r.logs)
	r.mu.Unlock()

	r.broadcast(stream.StreamLogs, envelope{
		Type:      "log",
		Payload:   map[string]string{"message": line},
		NewOffset: &offset,
	})
}

// setState records a lifecycle transition and broadcasts it on every
// stream of the task.
func (r *run) setState(state stream.TaskState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()

	message := envelope{Type: "state", Payload: map[string]string{"to_state": string(state)}}
	r.broadcast(stream.StreamLogs, message)
	r.broadcast(stream.StreamMetrics, message)
	r.broadcast(stream.StreamSamples, message)
}

// broadcast pushes a message to every subscriber of the given kind.
func (r *run) broadcast(kind stream.StreamKind, message envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subscribers {
		if sub.kind == kind {
			sub.push(message)
		}
	}
}

func (r *run) subscribe(sub *subscriber) {
	r.mu.Lock()
	r.subscribers[sub] = struct{}{}
	r.mu.Unlock()
}

func (r *run) unsubscribe(sub *subscriber) {
	r.mu.Lock()
	delete(r.subscribers, sub)
	r.mu.Unlock()
}

// backfill answers one request_history message from the stored run
// data.
func (r *run) backfill(kind stream.StreamKind, since int) (envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch kind {
	case stream.StreamLogs:
		if since < 0 {
			since = 0
		}
		if since > len(r.logs) {
			since = len(r.logs)
		}
		return envelope{
			Type: "historical_logs",
			Payload: map[string]any{
				"logs":       append([]string{}, r.logs[since:]...),
				"new_offset": len(r.logs),
			},
		}, true

	case stream.StreamMetrics:
		missed := make(map[string][]stream.Point, len(r.metrics))
		for name, points := range r.metrics {
			for _, point := range points {
				if point.Step > since {
					missed[name] = append(missed[name], point)
				}
			}
		}
		return envelope{
			Type:    "historical_metrics",
			Payload: map[string]any{"metrics": missed},
		}, true
	}
	return envelope{}, false
}

func (t *trainer) handleTaskStream(w http.ResponseWriter, req *http.Request) {
	task := req.PathValue("task")
	kind := stream.StreamKind(req.PathValue("kind"))
	if task == "" || !kind.Valid() || kind == stream.StreamGPU {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}

	conn, err := t.upgrader.Upgrade(w, req, nil)
	if err != nil {
		t.logger.Warn("upgrade failed", "error", err)
		return
	}

	r := t.taskRun(task)
	sub := &subscriber{kind: kind, out: make(chan envelope, 256)}
	r.subscribe(sub)
	defer r.unsubscribe(sub)

	// Tell a late subscriber where the run already is.
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	sub.push(envelope{Type: "state", Payload: map[string]string{"to_state": string(state)}})

	t.serveConn(conn, sub, r)
}

func (t *trainer) handleGPUStream(w http.ResponseWriter, req *http.Request) {
	conn, err := t.upgrader.Upgrade(w, req, nil)
	if err != nil {
		t.logger.Warn("upgrade failed", "error", err)
		return
	}

	sub := &subscriber{kind: stream.StreamGPU, out: make(chan envelope, 256)}
	t.mu.Lock()
	t.gpu[sub] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.gpu, sub)
		t.mu.Unlock()
	}()

	t.serveConn(conn, sub, nil)
}

// serveConn pumps a subscriber's queue to the websocket while answering
// request_history messages from the read side. Returns when either
// direction fails.
func (t *trainer) serveConn(conn *websocket.Conn, sub *subscriber, r *run) {
	defer conn.Close()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var request struct {
				Type        string `json:"type"`
				DataType    string `json:"data_type"`
				SinceOffset int    `json:"since_offset"`
			}
			if err := json.Unmarshal(data, &request); err != nil || request.Type != "request_history" {
				continue
			}
			if r == nil {
				continue // gpu stream is live-only
			}
			if reply, ok := r.backfill(stream.StreamKind(request.DataType), request.SinceOffset); ok {
				sub.push(reply)
			}
		}
	}()

	for {
		select {
		case message := <-sub.out:
			if err := conn.WriteJSON(message); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// runGPU broadcasts synthetic fleet utilization every two seconds.
func (t *trainer) runGPU(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	step := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		step++

		// The gpu stream reuses the metric event shape; utilization is
		// carried in the primary value field.
		utilization := 55 + 40*math.Abs(math.Sin(float64(step)/10)) + rand.Float64()*5
		message := envelope{
			Type: "metric",
			Payload: map[string]any{
				"step": step,
				"loss": utilization,
			},
		}

		t.mu.Lock()
		for sub := range t.gpu {
			sub.push(message)
		}
		t.mu.Unlock()
	}
}

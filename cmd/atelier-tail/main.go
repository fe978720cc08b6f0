// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Atelier-tail follows a training task's telemetry from the terminal:
// log lines stream to stdout, and with --metrics each aggregator flush
// prints a one-line training summary. It survives backend restarts and
// network loss the same way the console does — reconnect with backoff,
// then replay history from the cursor — so piping it to a file yields a
// gap-free log even across disconnects.
//
// The process exits when the task reaches a terminal state, with a
// non-zero status for a failed run. Use --follow to keep waiting for a
// restart instead.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/atelier-ml/atelier/lib/config"
	"github.com/atelier-ml/atelier/lib/version"
	"github.com/atelier-ml/atelier/stream"
)

func main() {
	if err := run(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a specific process exit status, used to report a
// failed training run distinctly from a tool error.
type exitError struct {
	code    int
	message string
}

func (e exitError) Error() string { return e.message }

func run() error {
	var (
		serverURL   string
		task        string
		configPath  string
		withMetrics bool
		jsonOutput  bool
		follow      bool
		showVersion bool
	)

	flags := pflag.NewFlagSet("atelier-tail", pflag.ContinueOnError)
	flags.StringVar(&serverURL, "server", "", "websocket base URL (overrides config)")
	flags.StringVar(&task, "task", "", "task ID to follow (required)")
	flags.StringVar(&configPath, "config", "", "config file path (default: $ATELIER_CONFIG)")
	flags.BoolVar(&withMetrics, "metrics", false, "print a training summary on every metrics flush")
	flags.BoolVar(&jsonOutput, "json", false, "emit JSON lines instead of plain text")
	flags.BoolVar(&follow, "follow", false, "keep following after the task finishes, waiting for a restart")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("atelier-tail")
		return nil
	}
	if task == "" {
		return errors.New("--task is required")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}
	if cfg.Server.URL == "" {
		return errors.New("no server URL: pass --server or set one in the config file")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return tail(ctx, cfg, tailOptions{
		task:        task,
		withMetrics: withMetrics,
		jsonOutput:  jsonOutput,
		follow:      follow,
		logger:      logger,
	})
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv(config.EnvConfig) != "" {
		return config.Load()
	}
	return config.Default(), nil
}

type tailOptions struct {
	task        string
	withMetrics bool
	jsonOutput  bool
	follow      bool
	logger      *slog.Logger
}

// printer serializes output and remembers how much of the session's
// log buffer has already been written, so each change callback emits
// only the new suffix.
type printer struct {
	mu      sync.Mutex
	printed int
	json    bool
	tty     bool
}

func (p *printer) logs(lines []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(lines) < p.printed {
		// The buffer shrank: a restart cleared it.
		p.printed = 0
	}
	for _, line := range lines[p.printed:] {
		if p.json {
			p.emitJSON(map[string]any{"type": "log", "message": line})
		} else {
			fmt.Println(line)
		}
	}
	p.printed = len(lines)
}

func (p *printer) metrics(snapshot stream.Snapshot, status stream.TaskStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	summary := map[string]any{"type": "metrics"}
	if loss, ok := lastValue(snapshot, stream.SeriesLoss); ok {
		summary["loss"] = loss
	}
	if lr, ok := lastValue(snapshot, stream.SeriesLearningRate); ok {
		summary["lr"] = lr
	}
	if epoch, ok := lastValue(snapshot, stream.SeriesEpoch); ok {
		summary["epoch"] = epoch
	}
	summary["speed"] = status.Speed
	summary["progress"] = status.Progress

	if p.json {
		p.emitJSON(summary)
		return
	}
	line := fmt.Sprintf("-- loss=%v lr=%v progress=%.1f%% speed=%.1f it/s",
		summary["loss"], summary["lr"], status.Progress*100, status.Speed)
	fmt.Fprintln(os.Stderr, line)
}

// event reports connection and lifecycle changes. Plain-text events go
// to stderr so stdout stays a clean log stream for piping.
func (p *printer) event(kind string, detail string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		p.emitJSON(map[string]any{"type": kind, "detail": detail})
		return
	}
	if p.tty {
		fmt.Fprintf(os.Stderr, "== %s: %s\n", kind, detail)
	}
}

func (p *printer) emitJSON(record map[string]any) {
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	fmt.Println(string(data))
}

func lastValue(snapshot stream.Snapshot, series string) (float64, bool) {
	points := snapshot[series].Points
	if len(points) == 0 {
		return 0, false
	}
	return points[len(points)-1].Value, true
}

func tail(ctx context.Context, cfg *config.Config, opts tailOptions) error {
	output := &printer{
		json: opts.jsonOutput,
		tty:  term.IsTerminal(int(os.Stderr.Fd())),
	}

	kinds := []stream.StreamKind{stream.StreamLogs}
	if opts.withMetrics {
		kinds = append(kinds, stream.StreamMetrics)
	}

	terminal := make(chan stream.TaskState, 1)

	var session *stream.TaskSession
	sessionCfg := stream.SessionConfig{
		Task:               opts.task,
		ServerURL:          cfg.Server.URL,
		Kinds:              kinds,
		Logger:             opts.logger,
		Tuning:             stream.TuningFromConfig(cfg),
		SeriesCap:          cfg.Series.Cap,
		FlushInterval:      cfg.Series.FlushInterval.Std(),
		SmoothingMaxWindow: cfg.Series.SmoothingMaxWindow,
		LogBufferCap:       cfg.Logs.BufferCap,
		OnLogsChanged: func() {
			output.logs(session.Logs())
		},
		OnConnected: func(kind stream.StreamKind, connected bool) {
			state := "connected"
			if !connected {
				state = "disconnected"
			}
			output.event("connection", fmt.Sprintf("%s %s", kind, state))
		},
		OnTerminal: func(state stream.TaskState) {
			output.event("state", string(state))
			select {
			case terminal <- state:
			default:
			}
		},
		OnRestart: func() {
			output.event("state", "restarted")
		},
	}
	if opts.withMetrics {
		sessionCfg.OnMetrics = func(snapshot stream.Snapshot) {
			output.metrics(snapshot, session.Status())
		}
	}

	var err error
	session, err = stream.NewTaskSession(sessionCfg)
	if err != nil {
		return err
	}
	session.Start(ctx)
	defer session.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case state := <-terminal:
			if opts.follow {
				continue
			}
			if state == stream.TaskFailed {
				return exitError{code: 2, message: "task failed"}
			}
			return nil
		}
	}
}

// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Atelier-watch is a terminal dashboard for one training task: a header
// with lifecycle state, connectivity, and the latest training numbers,
// over a scrolling log view. It is the console's task page rendered in
// a terminal, backed by the same telemetry sessions — reconnects,
// history replay, and restart resets all behave identically.
//
// Keys: q quits, g/G jump to the top/bottom of the log, any scroll
// movement pauses follow mode and G resumes it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/atelier-ml/atelier/lib/config"
	"github.com/atelier-ml/atelier/lib/version"
	"github.com/atelier-ml/atelier/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		serverURL   string
		task        string
		configPath  string
		showVersion bool
	)

	flags := pflag.NewFlagSet("atelier-watch", pflag.ContinueOnError)
	flags.StringVar(&serverURL, "server", "", "websocket base URL (overrides config)")
	flags.StringVar(&task, "task", "", "task ID to watch (required)")
	flags.StringVar(&configPath, "config", "", "config file path (default: $ATELIER_CONFIG)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("atelier-watch")
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

	// Background logging must not write to stderr while the alt screen
	// is active; discard below Error.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := newModel(task)
	program := tea.NewProgram(model, tea.WithAltScreen())

	var session *stream.TaskSession
	session, err = stream.NewTaskSession(stream.SessionConfig{
		Task:               task,
		ServerURL:          cfg.Server.URL,
		Kinds:              []stream.StreamKind{stream.StreamLogs, stream.StreamMetrics},
		Logger:             logger,
		Tuning:             stream.TuningFromConfig(cfg),
		SeriesCap:          cfg.Series.Cap,
		FlushInterval:      cfg.Series.FlushInterval.Std(),
		SmoothingMaxWindow: cfg.Series.SmoothingMaxWindow,
		LogBufferCap:       cfg.Logs.BufferCap,
		OnLogsChanged: func() {
			program.Send(logsMsg(session.Logs()))
		},
		OnMetrics: func(snapshot stream.Snapshot) {
			program.Send(metricsMsg{snapshot: snapshot, status: session.Status()})
		},
		OnConnected: func(kind stream.StreamKind, connected bool) {
			program.Send(connMsg{kind: kind, connected: connected})
		},
		OnTerminal: func(state stream.TaskState) {
			program.Send(lifecycleMsg(state))
		},
		OnRestart: func() {
			program.Send(lifecycleMsg(stream.TaskRunning))
		},
	})
	if err != nil {
		return err
	}
	session.Start(ctx)
	defer session.Close()

	_, err = program.Run()
	return err
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

// Messages bridged from session callbacks into the Bubble Tea loop.
type (
	logsMsg      []string
	lifecycleMsg stream.TaskState
	connMsg      struct {
		kind      stream.StreamKind
		connected bool
	}
	metricsMsg struct {
		snapshot stream.Snapshot
		status   stream.TaskStatus
	}
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Faint(true)
	upStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	downStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
)

type model struct {
	task     string
	viewport viewport.Model
	spinner  spinner.Model
	ready    bool
	follow   bool

	logs      []string
	connected map[stream.StreamKind]bool
	state     stream.TaskState
	status    stream.TaskStatus
	snapshot  stream.Snapshot
}

func newModel(task string) *model {
	s := spinner.New(spinner.WithSpinner(spinner.Dot))
	return &model{
		task:      task,
		spinner:   s,
		follow:    true,
		connected: make(map[stream.StreamKind]bool),
		state:     stream.TaskRunning,
	}
}

func (m *model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "g":
			m.follow = false
			m.viewport.GotoTop()
			return m, nil
		case "G":
			m.follow = true
			m.viewport.GotoBottom()
			return m, nil
		}

	case tea.WindowSizeMsg:
		headerHeight := 3
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight)
			m.ready = true
			m.refreshContent()
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight
		}
		return m, nil

	case logsMsg:
		m.logs = msg
		m.refreshContent()
		return m, nil

	case metricsMsg:
		m.snapshot = msg.snapshot
		m.status = msg.status
		return m, nil

	case connMsg:
		m.connected[msg.kind] = msg.connected
		return m, nil

	case lifecycleMsg:
		m.state = stream.TaskState(msg)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	// Scrolling by hand pauses follow mode.
	var cmd tea.Cmd
	before := m.viewport.YOffset
	m.viewport, cmd = m.viewport.Update(msg)
	if m.viewport.YOffset != before && !m.viewport.AtBottom() {
		m.follow = false
	}
	return m, cmd
}

func (m *model) refreshContent() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.logs, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m *model) View() string {
	if !m.ready {
		return "loading..."
	}
	return m.headerView() + "\n" + m.viewport.View()
}

func (m *model) headerView() string {
	var connectivity string
	switch {
	case m.state.IsTerminal():
		connectivity = labelStyle.Render("closed")
	case m.connected[stream.StreamLogs]:
		connectivity = upStyle.Render("live")
	default:
		connectivity = downStyle.Render(m.spinner.View() + "reconnecting")
	}

	var state string
	switch {
	case m.state == stream.TaskFailed:
		state = failStyle.Render(string(m.state))
	case m.state.IsTerminal():
		state = doneStyle.Render(string(m.state))
	default:
		state = upStyle.Render(string(m.state))
	}

	title := headerStyle.Render(m.task)
	line1 := fmt.Sprintf("%s %s  %s", title, state, connectivity)

	parts := []string{}
	if loss, ok := lastValue(m.snapshot, stream.SeriesLoss); ok {
		parts = append(parts, fmt.Sprintf("%s %.4f", labelStyle.Render("loss"), loss))
	}
	if lr, ok := lastValue(m.snapshot, stream.SeriesLearningRate); ok {
		parts = append(parts, fmt.Sprintf("%s %.2e", labelStyle.Render("lr"), lr))
	}
	if epoch, ok := lastValue(m.snapshot, stream.SeriesEpoch); ok {
		parts = append(parts, fmt.Sprintf("%s %.2f", labelStyle.Render("epoch"), epoch))
	}
	if m.status.Speed > 0 {
		parts = append(parts, fmt.Sprintf("%s %.1f it/s", labelStyle.Render("speed"), m.status.Speed))
	}
	if m.status.ETASeconds > 0 {
		parts = append(parts, fmt.Sprintf("%s %s", labelStyle.Render("eta"), formatETA(m.status.ETASeconds)))
	}
	if m.status.Progress > 0 {
		parts = append(parts, fmt.Sprintf("%s %.0f%%", labelStyle.Render("progress"), m.status.Progress*100))
	}
	line2 := " " + strings.Join(parts, "   ")

	separator := labelStyle.Render(strings.Repeat("─", max(m.viewport.Width, 1)))
	return line1 + "\n" + line2 + "\n" + separator
}

func formatETA(seconds float64) string {
	total := int(seconds)
	if total >= 3600 {
		return fmt.Sprintf("%dh%02dm", total/3600, (total%3600)/60)
	}
	if total >= 60 {
		return fmt.Sprintf("%dm%02ds", total/60, total%60)
	}
	return fmt.Sprintf("%ds", total)
}

func lastValue(snapshot stream.Snapshot, series string) (float64, bool) {
	points := snapshot[series].Points
	if len(points) == 0 {
		return 0, false
	}
	return points[len(points)-1].Value, true
}

// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atelier-ml/atelier/lib/clock"
)

// SupervisorState is the connection state machine position of one
// channel.
type SupervisorState int

const (
	// StateIdle: no connection and none pending. Start moves to
	// StateConnecting.
	StateIdle SupervisorState = iota

	// StateConnecting: a dial is in flight.
	StateConnecting

	// StateOpen: the transport is up and messages flow.
	StateOpen

	// StateReconnectWait: an abnormal close occurred and a backoff
	// timer is pending.
	StateReconnectWait

	// StateStopped: the reconnect ceiling was exceeded. Terminal until
	// an explicit Reset (manual re-subscribe or task restart).
	StateStopped
)

func (s SupervisorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnectWait:
		return "reconnect-wait"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SendFunc writes one JSON message to the connection a Supervisor just
// opened. Handed to the OnOpen callback so the session can issue its
// backfill request.
type SendFunc func(v any) error

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// Channel identifies the subscription, for logging.
	Channel ChannelID

	// URL is the websocket endpoint to dial.
	URL string

	// Dialer opens connections. Required.
	Dialer Dialer

	// Backoff is the reconnect policy. Zero value selects
	// DefaultPolicy(Channel.Kind).
	Backoff Policy

	// IdleTimeout forces an abnormal-close cycle when no application
	// message arrives within it. Zero disables the check — the wire
	// protocol defines no heartbeat, so this is opt-in.
	IdleTimeout time.Duration

	// Clock schedules reconnect and idle timers. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// ShouldConnect is consulted before every connect attempt,
	// including scheduled reconnects. Nil means always connect. Wired
	// to Gate.ShouldConnect by the owning session.
	ShouldConnect func() bool

	// OnOpen runs once per successful open, before the read loop
	// starts, so a backfill request is the first thing on the wire.
	OnOpen func(send SendFunc)

	// OnMessage receives every decoded envelope, in transport delivery
	// order, from a single goroutine.
	OnMessage func(Envelope)

	// OnConnected receives connectivity edges for UI consumption.
	OnConnected func(bool)
}

// Supervisor owns one logical subscription to one channel. It opens
// and closes the transport, drives reconnection through the backoff
// policy, and discards stale asynchronous callbacks by generation
// token: every connect attempt increments the token, and any dial
// result, message, close, or timer carrying an older token is dropped
// without side effects. That check is what makes overlapping Start and
// Stop calls from rapid consumer re-subscription safe, and it is the
// single concurrency discipline of the package — at most one non-stale
// connection exists per channel at any time.
//
// No error escapes the Supervisor; every transport failure becomes a
// state transition, observable through OnConnected and State.
type Supervisor struct {
	channel       ChannelID
	url           string
	dialer        Dialer
	backoff       Policy
	idleTimeout   time.Duration
	clk           clock.Clock
	logger        *slog.Logger
	shouldConnect func() bool
	onOpen        func(SendFunc)
	onMessage     func(Envelope)
	onConnected   func(bool)

	mu             sync.Mutex
	state          SupervisorState
	generation     uint64
	conn           Conn
	attempts       int
	reconnectTimer *clock.Timer
	idleTimer      *clock.Timer
}

// NewSupervisor creates a Supervisor. It does not connect; call Start.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Dialer == nil {
		panic("stream: SupervisorConfig.Dialer is required")
	}
	if cfg.Backoff == (Policy{}) {
		cfg.Backoff = DefaultPolicy(cfg.Channel.Kind)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		channel:       cfg.Channel,
		url:           cfg.URL,
		dialer:        cfg.Dialer,
		backoff:       cfg.Backoff,
		idleTimeout:   cfg.IdleTimeout,
		clk:           cfg.Clock,
		logger:        cfg.Logger.With("channel", cfg.Channel.String()),
		shouldConnect: cfg.ShouldConnect,
		onOpen:        cfg.OnOpen,
		onMessage:     cfg.OnMessage,
		onConnected:   cfg.OnConnected,
	}
}

// Start opens the channel if it is idle and the gate allows it.
// Idempotent: a channel that is connecting, open, waiting to
// reconnect, or permanently stopped is left alone.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return
	}
	if s.shouldConnect != nil && !s.shouldConnect() {
		return
	}
	s.connectLocked()
}

// Stop cancels any pending reconnect and closes an open transport with
// a normal disposition, so neither the peer nor the close handler
// treats it as a failure. The channel returns to idle and may be
// started again; a permanently stopped channel stays stopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	// Invalidate every outstanding callback: in-flight dials, read
	// loops, reconnect and idle timers.
	s.generation++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.stopIdleTimerLocked()
	conn := s.conn
	s.conn = nil
	wasOpen := s.state == StateOpen
	if s.state != StateStopped {
		s.state = StateIdle
	}
	s.attempts = 0
	notify := s.onConnected
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasOpen && notify != nil {
		notify(false)
	}
}

// Reset clears a permanent stop so the channel can connect again.
// Used by the explicit re-subscribe path and by task restarts.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.state = StateIdle
	}
	s.attempts = 0
	s.mu.Unlock()
}

// State returns the current state machine position.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the transport is currently open.
func (s *Supervisor) Connected() bool {
	return s.State() == StateOpen
}

// Attempts returns the consecutive abnormal-close count. Diagnostic
// only; the UI surfaces a single connected/disconnected indicator.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// connectLocked begins a connect attempt under the next generation
// token. Caller holds s.mu.
func (s *Supervisor) connectLocked() {
	s.generation++
	s.state = StateConnecting
	generation := s.generation
	go s.dial(generation)
}

// dial performs the blocking dial off the state lock, then applies the
// result only if the generation token is still current.
func (s *Supervisor) dial(generation uint64) {
	conn, err := s.dialer.Dial(context.Background(), s.url)

	s.mu.Lock()
	if generation != s.generation {
		// A Stop or newer Start superseded this attempt.
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		s.logger.Warn("dial failed", "error", err)
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		return
	}

	s.conn = conn
	s.state = StateOpen
	s.attempts = 0
	s.resetIdleTimerLocked(generation)
	notify := s.onConnected
	onOpen := s.onOpen
	s.mu.Unlock()

	if notify != nil {
		notify(true)
	}
	if onOpen != nil {
		onOpen(conn.WriteJSON)
	}
	go s.readLoop(generation, conn)
}

// readLoop pumps messages from one connection until it fails or
// closes. Envelope decoding happens here so a malformed message is
// logged and dropped without affecting connection state.
func (s *Supervisor) readLoop(generation uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(generation, err)
			return
		}
		envelope, decodeErr := DecodeEnvelope(data)
		if decodeErr != nil {
			s.logger.Warn("dropping malformed message", "error", decodeErr)
			continue
		}
		s.deliver(generation, envelope)
	}
}

// deliver forwards one envelope to the consumer if the generation is
// still current. Receipt of any application message proves the
// connection is live, so the attempt counter resets and the idle timer
// rewinds.
func (s *Supervisor) deliver(generation uint64, envelope Envelope) {
	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	s.resetIdleTimerLocked(generation)
	handler := s.onMessage
	s.mu.Unlock()

	if handler != nil {
		handler(envelope)
	}
}

// handleClose reacts to the end of a connection's read loop. A normal
// peer shutdown (codes 1000/1001) returns the channel to idle; any
// other closure schedules a reconnect, or stops permanently once the
// ceiling is reached.
func (s *Supervisor) handleClose(generation uint64, err error) {
	s.mu.Lock()
	if generation != s.generation {
		// Stop already handled this connection.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.stopIdleTimerLocked()

	if IsNormalClose(err) {
		s.logger.Info("peer closed normally")
		s.state = StateIdle
	} else {
		s.logger.Warn("connection lost", "error", err, "attempts", s.attempts)
		s.scheduleReconnectLocked()
	}
	notify := s.onConnected
	s.mu.Unlock()

	if notify != nil {
		notify(false)
	}
}

// scheduleReconnectLocked increments the attempt counter and either
// arms the backoff timer, gives up permanently at the ceiling, or goes
// idle if the gate no longer allows connecting. Caller holds s.mu.
func (s *Supervisor) scheduleReconnectLocked() {
	s.attempts++

	if s.shouldConnect != nil && !s.shouldConnect() {
		s.state = StateIdle
		return
	}
	if s.attempts > s.backoff.MaxAttempts {
		s.state = StateStopped
		s.logger.Warn("reconnect ceiling reached, giving up",
			"attempts", s.attempts-1,
			"ceiling", s.backoff.MaxAttempts,
		)
		return
	}

	delay := s.backoff.Delay(s.attempts - 1)
	s.state = StateReconnectWait
	s.logger.Info("scheduling reconnect",
		"attempt", s.attempts,
		"delay", delay,
	)

	generation := s.generation
	s.reconnectTimer = s.clk.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if generation != s.generation || s.state != StateReconnectWait {
			// Stale timer: the channel was stopped or restarted while
			// the timer was pending.
			return
		}
		s.reconnectTimer = nil
		if s.shouldConnect != nil && !s.shouldConnect() {
			s.state = StateIdle
			return
		}
		s.connectLocked()
	})
}

// resetIdleTimerLocked rewinds the idle timeout for the given
// generation. Caller holds s.mu.
func (s *Supervisor) resetIdleTimerLocked(generation uint64) {
	if s.idleTimeout <= 0 {
		return
	}
	s.stopIdleTimerLocked()
	s.idleTimer = s.clk.AfterFunc(s.idleTimeout, func() {
		s.mu.Lock()
		if generation != s.generation || s.state != StateOpen {
			s.mu.Unlock()
			return
		}
		conn := s.conn
		s.mu.Unlock()

		s.logger.Warn("idle timeout, forcing reconnect", "timeout", s.idleTimeout)
		// Closing locally makes the read loop fail with a non-close
		// error, which handleClose treats as abnormal — exactly the
		// backoff cycle a silent connection deserves.
		if conn != nil {
			conn.Close()
		}
	})
}

func (s *Supervisor) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

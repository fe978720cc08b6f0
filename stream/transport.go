// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport close codes with defined meaning for reconnection: a peer
// closing with CloseNormal or CloseGoingAway shut down intentionally
// and must not trigger a reconnect. Every other code — and every
// non-close read error — is abnormal and subject to backoff.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// CloseError reports that the transport closed with an explicit close
// code. Read errors without a code (connection reset, timeouts) are
// returned as-is and classified abnormal.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("stream: connection closed (code %d) %s", e.Code, e.Reason)
}

// IsNormalClose reports whether err represents an intentional peer
// shutdown that must not be followed by a reconnect.
func IsNormalClose(err error) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return closeErr.Code == CloseNormal || closeErr.Code == CloseGoingAway
}

// Conn is one open transport connection. The Supervisor is the only
// reader; WriteJSON may be called from other goroutines and is
// serialized internally.
type Conn interface {
	// ReadMessage blocks until the next message arrives. On closure it
	// returns a *CloseError when the peer sent a close code, or the
	// underlying error otherwise.
	ReadMessage() ([]byte, error)

	// WriteJSON sends v as a JSON text message.
	WriteJSON(v any) error

	// Close performs an intentional shutdown: it sends a normal-closure
	// frame so the peer does not treat the disconnect as a failure,
	// then closes the connection.
	Close() error
}

// Dialer opens transport connections. The seam exists so tests can
// substitute a fake without a network.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer is the production Dialer.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the websocket handshake. Zero means 10s.
	HandshakeTimeout time.Duration
}

// Dial opens a websocket connection to the given URL.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: dialing %s: %w", url, err)
	}
	return &websocketConn{conn: conn}, nil
}

// websocketConn adapts a gorilla websocket connection to Conn.
type websocketConn struct {
	conn *websocket.Conn

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *websocketConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *websocketConn) Close() error {
	c.writeMu.Lock()
	// Best effort: the peer may already be gone.
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseNormal, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

// Package ws connects the RTM engine to a real stream endpoint over
// WebSocket. It implements rtm.Transport for the outbound direction
// and a read loop delivering complete text frames, in arrival order,
// for the inbound direction.
//
// Reconnect policy deliberately lives with the caller: when the
// stream dies, the server-side session is gone too, so recovery means
// a fresh rtm.start bootstrap and a fresh engine, not a transparent
// redial.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// defaultWriteTimeout bounds a single frame write. A stream endpoint
// that cannot absorb one small text frame in this long is dead.
const defaultWriteTimeout = 10 * time.Second

// defaultHandshakeTimeout bounds the WebSocket upgrade.
const defaultHandshakeTimeout = 30 * time.Second

// Config holds optional connection settings.
type Config struct {
	// Logger is used for structured logging. Nil means slog.Default().
	Logger *slog.Logger

	// WriteTimeout bounds each frame write. Zero means 10s.
	WriteTimeout time.Duration

	// Dialer overrides the WebSocket dialer (proxy, TLS config).
	// Nil means a default dialer with a 30s handshake timeout.
	Dialer *websocket.Dialer
}

// Conn is one WebSocket connection to an RTM stream endpoint.
type Conn struct {
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the stream endpoint URL obtained from rtm.start.
func Dial(ctx context.Context, streamURL string, config Config) (*Conn, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}

	conn, response, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("ws: dialing %s (HTTP %d): %w", streamURL, response.StatusCode, err)
		}
		return nil, fmt.Errorf("ws: dialing %s: %w", streamURL, err)
	}

	logger.Debug("stream connected", "url", streamURL)
	return &Conn{
		ws:           conn,
		logger:       logger,
		writeTimeout: writeTimeout,
	}, nil
}

// Send writes one complete text frame. Writes are serialized and
// bounded by the write timeout (or the context deadline, whichever is
// sooner).
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("ws: setting write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("ws: writing frame: %w", err)
	}
	return nil
}

// Close sends a close frame best-effort and tears down the
// connection. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		deadline := time.Now().Add(time.Second)
		c.writeMu.Lock()
		if err := c.ws.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
			c.logger.Debug("close frame not delivered", "error", err)
		}
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// ReadLoop delivers complete inbound text frames to receive until the
// peer closes, the context is cancelled, or a read fails. A normal
// peer close returns nil; cancellation returns the context error.
// Non-text frames are dropped — the RTM protocol is text-only.
func (c *Conn) ReadLoop(ctx context.Context, receive func([]byte)) error {
	// Unblock the pending read on cancellation. stop guards against
	// poking the deadline after a clean return.
	stop := context.AfterFunc(ctx, func() {
		if err := c.ws.SetReadDeadline(time.Now()); err != nil {
			c.logger.Debug("setting read deadline on cancel", "error", err)
		}
	})
	defer stop()

	for {
		messageType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("stream closed by peer")
				return nil
			}
			return fmt.Errorf("ws: reading frame: %w", err)
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("dropping non-text frame", "message_type", messageType)
			continue
		}
		receive(frame)
	}
}

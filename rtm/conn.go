// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

package rtm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slackrtm/slackrtm/lib/clock"
)

// Transport is the outbound half of the text-frame stream the engine
// writes to. The transport owns reconnect policy and peer liveness;
// the engine only sends complete frames and closes.
type Transport interface {
	// Send writes one complete text frame. The engine serializes
	// Send calls; implementations need not.
	Send(ctx context.Context, frame []byte) error

	// Close tears down the stream. Idempotent.
	Close() error
}

// Handler receives every decoded inbound event, in arrival order.
// Handlers may block — delivery runs off the receive path — but a
// panicking handler is recovered, logged, and the stream continues.
type Handler interface {
	HandleEvent(event *Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(*Event)

// HandleEvent calls f(event).
func (f HandlerFunc) HandleEvent(event *Event) { f(event) }

// DefaultKeepaliveInterval is the cadence of the ping keepalive.
const DefaultKeepaliveInterval = 30 * time.Second

// maxMessageID bounds the command sequence counter. The counter wraps
// to 1 before reaching it, keeping every id a positive 31-bit value.
const maxMessageID = math.MaxInt32

// defaultQueueSize is the per-stage buffer of the inbound pipeline.
const defaultQueueSize = 64

// ConnConfig configures a Conn.
type ConnConfig struct {
	// Session is the metadata mirror for this connection. Required.
	Session *Session

	// Transport carries outbound frames. Required.
	Transport Transport

	// Handler receives decoded events. Nil means events are decoded
	// and applied to the Session but not delivered anywhere.
	Handler Handler

	// Logger is used for structured logging. Nil means slog.Default().
	Logger *slog.Logger

	// Clock drives the keepalive and receipt timestamps. Nil means
	// the real clock.
	Clock clock.Clock

	// KeepaliveInterval overrides the 30-second ping cadence.
	KeepaliveInterval time.Duration

	// QueueSize bounds each stage of the inbound pipeline. Beyond it,
	// Receive blocks, pushing backpressure into the transport's read
	// loop. Zero means a default of 64.
	QueueSize int
}

// Conn is the RTM protocol engine for one logical connection. It owns
// the command sequence counter, the keepalive, and the inbound
// dispatch pipeline. A Conn is not reusable across connections; the
// caller builds a fresh one (with a fresh Session) after reconnecting.
type Conn struct {
	session   *Session
	transport Transport
	handler   Handler
	logger    *slog.Logger
	clock     clock.Clock
	keepalive time.Duration

	// writeMu guarantees one fully buffered frame per Send, never
	// interleaved with the keepalive's writes.
	writeMu sync.Mutex

	idMu   sync.Mutex
	nextID int

	inbound chan []byte
	events  chan *Event

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn creates the engine for one connection. The transport must
// already be connected; call Run to start the keepalive and dispatch
// pipeline, and feed inbound frames through Receive.
func NewConn(config ConnConfig) (*Conn, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("rtm: ConnConfig.Session is required")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("rtm: ConnConfig.Transport is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	keepalive := config.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = DefaultKeepaliveInterval
	}
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Conn{
		session:   config.Session,
		transport: config.Transport,
		handler:   config.Handler,
		logger:    logger,
		clock:     clk,
		keepalive: keepalive,
		nextID:    1,
		inbound:   make(chan []byte, queueSize),
		events:    make(chan *Event, queueSize),
		closed:    make(chan struct{}),
	}, nil
}

// Session returns the metadata mirror owned by this connection.
func (c *Conn) Session() *Session { return c.session }

// Run starts the keepalive and the two-stage inbound pipeline and
// blocks until ctx is cancelled or Close is called. The keepalive is
// stopped unconditionally on the way out, clean exit or not.
func (c *Conn) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-runCtx.Done():
		}
	}()

	group, ctx := errgroup.WithContext(runCtx)
	group.Go(func() error { return c.decodeLoop(ctx) })
	group.Go(func() error { return c.deliverLoop(ctx) })
	group.Go(func() error { return c.keepaliveLoop(ctx) })
	err := group.Wait()
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	return err
}

// Close stops the engine: the keepalive ends, queued inbound frames
// are discarded, and in-flight outbound commands are dropped without
// retry. The transport is closed as well. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.transport.Close()
	})
	return err
}

// Receive hands one complete inbound text frame to the engine. The
// transport's read loop calls this in frame-arrival order; the engine
// preserves that order through decode, metadata update, and handler
// delivery. Receive blocks only when the pipeline buffer is full.
func (c *Conn) Receive(frame []byte) {
	select {
	case c.inbound <- frame:
	case <-c.closed:
	}
}

// decodeLoop is the single consumer of raw inbound frames: it decodes
// each frame and applies it to the Session before queueing it for
// handler delivery. Running decode and apply on one goroutine makes
// the store's FIFO-ordering requirement structural — update rules are
// not commutative.
func (c *Conn) decodeLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.inbound:
			event, ok := c.decodeFrame(frame)
			if !ok {
				continue
			}
			// A metadata failure must not suppress handler delivery,
			// and neither direction may abort the connection.
			if err := c.session.Apply(event); err != nil {
				c.logger.Warn("metadata update failed",
					"kind", event.Kind,
					"error", err,
				)
			}
			select {
			case c.events <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decodeFrame unmarshals and decodes one frame. Failures are logged
// and fatal to that frame only.
func (c *Conn) decodeFrame(frame []byte) (*Event, bool) {
	var raw map[string]any
	if err := json.Unmarshal(frame, &raw); err != nil {
		c.logger.Warn("discarding unparseable frame", "error", err)
		return nil, false
	}
	event, err := Decode(raw, c.clock.Now())
	if err != nil {
		c.logger.Warn("discarding undecodable frame", "error", err)
		return nil, false
	}
	return event, true
}

// deliverLoop invokes the caller's handler for each decoded event, in
// order, on its own goroutine so a slow handler never stalls decode
// or the keepalive.
func (c *Conn) deliverLoop(ctx context.Context) error {
	for {
		select {
		case event := <-c.events:
			c.invokeHandler(event)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// invokeHandler runs the handler with panic isolation. A handler bug
// is the caller's problem to read about in the log, not a reason to
// drop the connection.
func (c *Conn) invokeHandler(event *Event) {
	if c.handler == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("event handler panicked",
				"kind", event.Kind,
				"panic", recovered,
			)
		}
	}()
	c.handler.HandleEvent(event)
}

// keepaliveLoop sends a zero-payload ping on every tick for the life
// of the connection.
func (c *Conn) keepaliveLoop(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.Ping(ctx); err != nil {
				c.logger.Warn("keepalive ping failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Ping sends an on-demand keepalive command and returns its sequence
// id.
func (c *Conn) Ping(ctx context.Context) (int, error) {
	return c.SendCommand(ctx, map[string]any{"type": "ping"})
}

// SendCommand sends a raw command over the stream, injecting a freshly
// allocated sequence id. The id is returned so the caller can
// correlate the later ack. The command map must include a "type";
// omitting it violates the command contract.
//
// The command is fully serialized before the single write, and writes
// are serialized across goroutines, so frames never interleave.
func (c *Conn) SendCommand(ctx context.Context, command map[string]any) (int, error) {
	if _, ok := command["type"]; !ok {
		return 0, fmt.Errorf("%w: command requires a type", ErrContract)
	}

	id := c.allocateID()
	outbound := make(map[string]any, len(command)+1)
	for key, value := range command {
		outbound[key] = value
	}
	outbound["id"] = id

	frame, err := json.Marshal(outbound)
	if err != nil {
		return 0, fmt.Errorf("rtm: encoding %v command: %w", command["type"], err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.transport.Send(ctx, frame); err != nil {
		return 0, fmt.Errorf("rtm: sending %v command: %w", command["type"], err)
	}
	return id, nil
}

// allocateID returns the next command sequence id: strictly
// increasing from 1, wrapping to 1 before overflowing a 31-bit signed
// range. Never 0 or negative.
func (c *Conn) allocateID() int {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.nextID
	c.nextID++
	if c.nextID >= maxMessageID {
		c.nextID = 1
	}
	return id
}

// MessageOptions selects the destination and formatting of a chat
// message. Exactly one of ChannelID, User, Group, or Channel must be
// set.
type MessageOptions struct {
	// ChannelID is an already resolved destination id (channel,
	// group, or IM).
	ChannelID string

	// User is a user name; the message goes to the IM with that
	// user, opening one through the REST facade if none exists.
	User string

	// Group is a private group name.
	Group string

	// Channel is a public channel name, without the leading "#".
	Channel string

	// Parse is the server-side formatting mode. Empty means "none".
	Parse string

	// DisableLinkNames, DisableUnfurlLinks, and UnfurlMedia adjust
	// link handling. The zero values match the wire defaults:
	// link_names on, unfurl_links on, unfurl_media off.
	DisableLinkNames   bool
	DisableUnfurlLinks bool
	UnfurlMedia        bool

	// ViaAPI routes the message through chat.postMessage instead of
	// the stream: slower, but it permits the identity overrides
	// below. The remote service rejects API-path posts from bot
	// credentials; the engine forwards regardless.
	ViaAPI bool

	// IconURL, IconEmoji, and Username override the posted identity.
	// Only valid with ViaAPI — the streaming API has no such fields.
	IconURL   string
	IconEmoji string
	Username  string
}

// destination resolves the single configured destination to an id.
func (c *Conn) destination(ctx context.Context, options MessageOptions) (string, error) {
	set := 0
	for _, field := range []string{options.ChannelID, options.User, options.Group, options.Channel} {
		if field != "" {
			set++
		}
	}
	if set != 1 {
		return "", fmt.Errorf("%w: exactly one of ChannelID, User, Group, Channel must be set (got %d)", ErrContract, set)
	}

	switch {
	case options.ChannelID != "":
		return options.ChannelID, nil
	case options.User != "":
		return c.session.ResolveIM(ctx, options.User, true)
	case options.Group != "":
		id, _, err := c.session.FindGroupByName(options.Group)
		return id, err
	default:
		id, _, err := c.session.FindChannelByName(options.Channel)
		return id, err
	}
}

// SendMessage sends a chat message to the configured destination. On
// the stream path it returns the command's sequence id; on the
// ViaAPI path the id is 0 and correlation happens through the HTTP
// response instead of an ack.
func (c *Conn) SendMessage(ctx context.Context, text string, options MessageOptions) (int, error) {
	destination, err := c.destination(ctx, options)
	if err != nil {
		return 0, err
	}

	parse := options.Parse
	if parse == "" {
		parse = "none"
	}

	if options.ViaAPI {
		params := map[string]any{
			"channel":      destination,
			"text":         text,
			"parse":        parse,
			"link_names":   boolParam(!options.DisableLinkNames),
			"unfurl_links": boolParam(!options.DisableUnfurlLinks),
			"unfurl_media": boolParam(options.UnfurlMedia),
		}
		if options.IconURL != "" {
			params["icon_url"] = options.IconURL
		}
		if options.IconEmoji != "" {
			params["icon_emoji"] = options.IconEmoji
		}
		if options.Username != "" {
			params["username"] = options.Username
		}
		if c.session.API() == nil {
			return 0, fmt.Errorf("rtm: no API client configured for ViaAPI sends")
		}
		if _, err := c.session.API().PostMessage(ctx, c.session.Token(), params); err != nil {
			return 0, err
		}
		return 0, nil
	}

	if options.IconURL != "" || options.IconEmoji != "" || options.Username != "" {
		return 0, fmt.Errorf("%w: identity overrides require ViaAPI", ErrContract)
	}

	return c.SendCommand(ctx, map[string]any{
		"type":         "message",
		"channel":      destination,
		"text":         text,
		"parse":        parse,
		"link_names":   boolParam(!options.DisableLinkNames),
		"unfurl_links": boolParam(!options.DisableUnfurlLinks),
		"unfurl_media": boolParam(options.UnfurlMedia),
	})
}

// boolParam renders a boolean the way the wire expects: 1 or 0.
func boolParam(value bool) int {
	if value {
		return 1
	}
	return 0
}

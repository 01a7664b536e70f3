// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

package rtm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/slackrtm/slackrtm/lib/clock"
	"github.com/slackrtm/slackrtm/lib/testutil"
)

// fakeTransport captures outbound frames on a channel.
type fakeTransport struct {
	sent chan []byte

	mu      sync.Mutex
	sendErr error
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan []byte, 16)}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.sent <- frame
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// nextFrame receives one outbound frame and unmarshals it.
func nextFrame(t *testing.T, transport *fakeTransport) map[string]any {
	t.Helper()
	frame := testutil.RequireReceive(t, transport.sent, 5*time.Second, "outbound frame")
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("unmarshaling outbound frame: %v", err)
	}
	return decoded
}

func newTestConn(t *testing.T, config ConnConfig) (*Conn, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	config.Transport = transport
	if config.Session == nil {
		config.Session = newTestSession(t, &fakeAPI{openResult: "D9"})
	}
	conn, err := NewConn(config)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	return conn, transport
}

// startConn runs the engine in the background and arranges shutdown
// plus exit-error checking at test cleanup.
func startConn(t *testing.T, conn *Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		conn.Close()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "Run exit"); err != nil {
			t.Errorf("Run returned %v, want nil after shutdown", err)
		}
	})
}

func TestSendCommandSequence(t *testing.T) {
	conn, transport := newTestConn(t, ConnConfig{})

	for want := 1; want <= 3; want++ {
		id, err := conn.SendCommand(context.Background(), map[string]any{"type": "ping"})
		if err != nil {
			t.Fatalf("SendCommand failed: %v", err)
		}
		if id != want {
			t.Errorf("id = %d, want %d", id, want)
		}
		frame := nextFrame(t, transport)
		if frame["id"] != float64(want) {
			t.Errorf("frame id = %v, want %d", frame["id"], want)
		}
		if frame["type"] != "ping" {
			t.Errorf("frame type = %v, want ping", frame["type"])
		}
	}
}

func TestSendCommandIDWrap(t *testing.T) {
	conn, _ := newTestConn(t, ConnConfig{})
	conn.nextID = maxMessageID - 1

	first, err := conn.SendCommand(context.Background(), map[string]any{"type": "ping"})
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if first != maxMessageID-1 {
		t.Errorf("id before wrap = %d, want %d", first, maxMessageID-1)
	}

	second, err := conn.SendCommand(context.Background(), map[string]any{"type": "ping"})
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if second != 1 {
		t.Errorf("id after wrap = %d, want 1", second)
	}
}

func TestSendCommandRequiresType(t *testing.T) {
	conn, _ := newTestConn(t, ConnConfig{})
	_, err := conn.SendCommand(context.Background(), map[string]any{"text": "no type"})
	if !errors.Is(err, ErrContract) {
		t.Errorf("err = %v, want ErrContract", err)
	}
}

func TestSendCommandDoesNotMutateInput(t *testing.T) {
	conn, _ := newTestConn(t, ConnConfig{})
	command := map[string]any{"type": "ping"}
	if _, err := conn.SendCommand(context.Background(), command); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if _, present := command["id"]; present {
		t.Error("SendCommand wrote the id into the caller's map")
	}
}

func TestKeepalive(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	conn, transport := newTestConn(t, ConnConfig{
		Clock:             fakeClock,
		KeepaliveInterval: 30 * time.Second,
	})
	startConn(t, conn)

	// Wait for the keepalive loop to register its ticker before
	// advancing, then each elapsed interval yields one ping with a
	// fresh sequence id.
	fakeClock.AwaitWaiters(1)

	fakeClock.Advance(30 * time.Second)
	first := nextFrame(t, transport)
	if first["type"] != "ping" {
		t.Fatalf("frame type = %v, want ping", first["type"])
	}

	fakeClock.Advance(30 * time.Second)
	second := nextFrame(t, transport)
	if second["id"] == first["id"] {
		t.Errorf("keepalive reused id %v", first["id"])
	}
}

func TestKeepaliveSurvivesSendFailure(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	conn, transport := newTestConn(t, ConnConfig{
		Clock:             fakeClock,
		KeepaliveInterval: 30 * time.Second,
	})
	startConn(t, conn)
	fakeClock.AwaitWaiters(1)

	transport.failWith(fmt.Errorf("stream stalled"))
	fakeClock.Advance(30 * time.Second)

	// The failed ping is logged, not fatal: the next tick pings again.
	transport.failWith(nil)
	fakeClock.Advance(30 * time.Second)
	frame := nextFrame(t, transport)
	if frame["type"] != "ping" {
		t.Errorf("frame type = %v, want ping after a failed tick", frame["type"])
	}
}

func TestReceiveDispatchesInOrder(t *testing.T) {
	delivered := make(chan *Event, 16)
	conn, _ := newTestConn(t, ConnConfig{
		Handler: HandlerFunc(func(event *Event) { delivered <- event }),
	})
	startConn(t, conn)

	for i := 0; i < 3; i++ {
		conn.Receive([]byte(fmt.Sprintf(`{"type":"message","channel":"C1","text":"m%d"}`, i)))
	}

	for i := 0; i < 3; i++ {
		event := testutil.RequireReceive(t, delivered, 5*time.Second, "event %d", i)
		if want := fmt.Sprintf("m%d", i); event.Text != want {
			t.Errorf("event %d text = %q, want %q", i, event.Text, want)
		}
	}
}

func TestReceiveAppliesBeforeDelivery(t *testing.T) {
	delivered := make(chan *Event, 1)
	conn, _ := newTestConn(t, ConnConfig{
		Handler: HandlerFunc(func(event *Event) { delivered <- event }),
	})
	startConn(t, conn)

	conn.Receive([]byte(`{"type":"channel_archive","channel":"C1"}`))
	testutil.RequireReceive(t, delivered, 5*time.Second, "archive event")

	_, record, err := conn.Session().FindChannelByName("general")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if record["is_archived"] != true {
		t.Error("mirror not updated before handler delivery")
	}
}

func TestStoreFailureStillDelivers(t *testing.T) {
	delivered := make(chan *Event, 1)
	conn, _ := newTestConn(t, ConnConfig{
		Handler: HandlerFunc(func(event *Event) { delivered <- event }),
	})
	startConn(t, conn)

	// C404 is not in the mirror; the metadata update fails but the
	// handler still sees the event.
	conn.Receive([]byte(`{"type":"channel_archive","channel":"C404"}`))
	event := testutil.RequireReceive(t, delivered, 5*time.Second, "event after store failure")
	if event.Kind != KindChannelArchive {
		t.Errorf("Kind = %q, want channel_archive", event.Kind)
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	delivered := make(chan *Event, 1)
	conn, _ := newTestConn(t, ConnConfig{
		Handler: HandlerFunc(func(event *Event) {
			if event.Kind == KindHello {
				panic("handler bug")
			}
			delivered <- event
		}),
	})
	startConn(t, conn)

	conn.Receive([]byte(`{"type":"hello"}`))
	conn.Receive([]byte(`{"type":"message","channel":"C1","text":"after"}`))

	event := testutil.RequireReceive(t, delivered, 5*time.Second, "event after panic")
	if event.Text != "after" {
		t.Errorf("Text = %q, want the message after the panicking event", event.Text)
	}
}

func TestMalformedFrameIsDiscarded(t *testing.T) {
	delivered := make(chan *Event, 1)
	conn, _ := newTestConn(t, ConnConfig{
		Handler: HandlerFunc(func(event *Event) { delivered <- event }),
	})
	startConn(t, conn)

	conn.Receive([]byte(`{not json`))
	conn.Receive([]byte(`{"type":"hello","ts":"garbage"}`))
	conn.Receive([]byte(`{"type":"hello"}`))

	event := testutil.RequireReceive(t, delivered, 5*time.Second, "event after bad frames")
	if event.Kind != KindHello || event.HasTime {
		t.Errorf("event = %v, want the clean hello", event)
	}
}

func TestCloseStopsRun(t *testing.T) {
	conn, transport := newTestConn(t, ConnConfig{})
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()

	conn.Close()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run exit"); err != nil {
		t.Errorf("Run returned %v, want nil after Close", err)
	}
	if !transport.closed {
		t.Error("Close did not close the transport")
	}

	// Receive after Close must not block.
	conn.Receive([]byte(`{"type":"hello"}`))
	if err := conn.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestSendMessageStream(t *testing.T) {
	conn, transport := newTestConn(t, ConnConfig{})

	id, err := conn.SendMessage(context.Background(), "hello", MessageOptions{ChannelID: "C1"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}

	frame := nextFrame(t, transport)
	if frame["type"] != "message" || frame["channel"] != "C1" || frame["text"] != "hello" {
		t.Errorf("frame = %v", frame)
	}
	if frame["parse"] != "none" {
		t.Errorf("parse = %v, want the none default", frame["parse"])
	}
	if frame["link_names"] != float64(1) || frame["unfurl_links"] != float64(1) || frame["unfurl_media"] != float64(0) {
		t.Errorf("link flags = %v/%v/%v, want 1/1/0 defaults",
			frame["link_names"], frame["unfurl_links"], frame["unfurl_media"])
	}
}

func TestSendMessageDestinations(t *testing.T) {
	t.Run("channel by name", func(t *testing.T) {
		conn, transport := newTestConn(t, ConnConfig{})
		if _, err := conn.SendMessage(context.Background(), "hi", MessageOptions{Channel: "General"}); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		if frame := nextFrame(t, transport); frame["channel"] != "C1" {
			t.Errorf("channel = %v, want C1", frame["channel"])
		}
	})

	t.Run("group by name", func(t *testing.T) {
		conn, transport := newTestConn(t, ConnConfig{})
		if _, err := conn.SendMessage(context.Background(), "hi", MessageOptions{Group: "secret"}); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		if frame := nextFrame(t, transport); frame["channel"] != "G1" {
			t.Errorf("channel = %v, want G1", frame["channel"])
		}
	})

	t.Run("user with existing IM", func(t *testing.T) {
		conn, transport := newTestConn(t, ConnConfig{})
		if _, err := conn.SendMessage(context.Background(), "hi", MessageOptions{User: "bob"}); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		if frame := nextFrame(t, transport); frame["channel"] != "D2" {
			t.Errorf("channel = %v, want the existing IM D2", frame["channel"])
		}
	})

	t.Run("user without IM opens one", func(t *testing.T) {
		client := &fakeAPI{openResult: "D9"}
		conn, transport := newTestConn(t, ConnConfig{Session: newTestSession(t, client)})
		if _, err := conn.SendMessage(context.Background(), "hi", MessageOptions{User: "alice"}); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		if frame := nextFrame(t, transport); frame["channel"] != "D9" {
			t.Errorf("channel = %v, want the freshly opened D9", frame["channel"])
		}
		if client.openCalls != 1 {
			t.Errorf("openCalls = %d, want 1", client.openCalls)
		}
	})

	t.Run("unknown channel name", func(t *testing.T) {
		conn, _ := newTestConn(t, ConnConfig{})
		_, err := conn.SendMessage(context.Background(), "hi", MessageOptions{Channel: "nowhere"})
		if !IsNotFound(err) {
			t.Errorf("err = %v, want a LookupError", err)
		}
	})
}

func TestSendMessageDestinationContract(t *testing.T) {
	conn, _ := newTestConn(t, ConnConfig{})
	for _, options := range []MessageOptions{
		{},
		{ChannelID: "C1", User: "bob"},
		{Channel: "general", Group: "secret"},
		{ChannelID: "C1", User: "bob", Group: "secret", Channel: "general"},
	} {
		_, err := conn.SendMessage(context.Background(), "hi", options)
		if !errors.Is(err, ErrContract) {
			t.Errorf("SendMessage(%+v) err = %v, want ErrContract", options, err)
		}
	}
}

func TestSendMessageIdentityOverridesNeedAPI(t *testing.T) {
	conn, _ := newTestConn(t, ConnConfig{})
	_, err := conn.SendMessage(context.Background(), "hi", MessageOptions{
		ChannelID: "C1",
		Username:  "impostor",
	})
	if !errors.Is(err, ErrContract) {
		t.Errorf("err = %v, want ErrContract for overrides on the stream path", err)
	}
}

func TestSendMessageViaAPI(t *testing.T) {
	client := &fakeAPI{}
	conn, transport := newTestConn(t, ConnConfig{Session: newTestSession(t, client)})

	id, err := conn.SendMessage(context.Background(), "hello", MessageOptions{
		ChannelID: "C1",
		ViaAPI:    true,
		Username:  "webhook",
		IconEmoji: ":robot_face:",
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if id != 0 {
		t.Errorf("id = %d, want 0 for the API path", id)
	}

	if len(client.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(client.posts))
	}
	params := client.posts[0]
	if params["channel"] != "C1" || params["text"] != "hello" {
		t.Errorf("params = %v", params)
	}
	if params["username"] != "webhook" || params["icon_emoji"] != ":robot_face:" {
		t.Errorf("identity overrides not forwarded: %v", params)
	}

	select {
	case frame := <-transport.sent:
		t.Errorf("API-path send also wrote stream frame %s", frame)
	default:
	}
}

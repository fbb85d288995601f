package channels

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolshed/toolshed/pkg/bus"
)

// fakeIO is a minimal Socket.IO v4 server over websocket.
type fakeIO struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []string
	frames   chan string
	accepts  int
	refuse   bool
}

func newFakeIO(t *testing.T) *fakeIO {
	t.Helper()
	f := &fakeIO{t: t, frames: make(chan string, 64)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIO) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "bad endpoint", http.StatusBadRequest)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.accepts++
	refuse := f.refuse
	f.mu.Unlock()

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"eio-1","upgrades":[],"pingInterval":25000,"pingTimeout":20000}`))
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "40" {
		conn.Close()
		return
	}
	if refuse {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`44{"message":"not authorized"}`))
		conn.Close()
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"sock-1"}`))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, string(msg))
		f.mu.Unlock()
		f.frames <- string(msg)
	}
}

func (f *fakeIO) push(frame string) {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		f.t.Fatalf("push: %v", err)
	}
}

func (f *fakeIO) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
}

func (f *fakeIO) count(frame string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.received {
		if r == frame {
			n++
		}
	}
	return n
}

func (f *fakeIO) expect(frame string) {
	f.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-f.frames:
			if got == frame {
				return
			}
		case <-timeout:
			f.t.Fatalf("timed out waiting for frame %s", frame)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestRealtime(f *fakeIO) *Realtime {
	return NewRealtime(Options{URL: f.srv.URL, HandshakeTimeout: time.Second, WriteTimeout: time.Second})
}

func TestEndpoint(t *testing.T) {
	got, err := Endpoint("http://localhost:3000", "")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if got != "ws://localhost:3000/socket.io/?EIO=4&transport=websocket" {
		t.Fatalf("unexpected endpoint %s", got)
	}
	got, _ = Endpoint("https://tools.example.com", "/rt/")
	if !strings.HasPrefix(got, "wss://tools.example.com/rt/?") {
		t.Fatalf("unexpected secure endpoint %s", got)
	}
	if _, err := Endpoint("ftp://x", ""); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestRegistrationQueuedAndSentOnce(t *testing.T) {
	f := newFakeIO(t)
	c := newTestRealtime(f)
	defer c.Close()

	c.RegisterActor("U1")
	c.Open(context.Background(), "U1")
	waitFor(t, "open", c.Connected)
	c.RegisterActor("U1")

	f.expect(`42["add_user","U1"]`)
	if err := c.Emit(bus.EventSendMessage, bus.OutboundMessage{ToUserID: "U2", Message: "ok", FromUserID: "U1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	f.expect(`42["send_message",{"toUserId":"U2","message":"ok","fromUserId":"U1"}]`)

	if n := f.count(`42["add_user","U1"]`); n != 1 {
		t.Fatalf("expected exactly one registration, got %d", n)
	}
	if c.Status() != StatusConnected {
		t.Fatalf("unexpected status %s", c.Status())
	}
	if s := c.Session(); s == nil || s.SID != "eio-1" || s.ActorID != "U1" || s.ID == "" {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestEmitWhenClosed(t *testing.T) {
	c := NewRealtime(Options{URL: "http://127.0.0.1:1"})
	if err := c.Emit(bus.EventSendMessage, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	c.Close()
	c.Close()
	if c.State() != StateClosed || c.Status() != StatusDisconnected {
		t.Fatalf("closed channel reports %s/%s", c.State(), c.Status())
	}
}

func TestInboundDispatchAndIndependentSubscribers(t *testing.T) {
	f := newFakeIO(t)
	c := newTestRealtime(f)
	defer c.Close()

	events := make(chan string, 8)
	subA := c.On(bus.EventReceiveMessage, func(ev bus.Event) error {
		events <- "a:" + ev.(bus.ReceiveMessage).Message
		return nil
	})
	c.On(bus.EventReceiveMessage, func(ev bus.Event) error {
		events <- "b:" + ev.(bus.ReceiveMessage).Message
		return nil
	})

	c.Open(context.Background(), "U1")
	waitFor(t, "open", c.Connected)

	f.push(`42["typing",{"fromUserId":"U2"}]`)
	f.push(`42["receive_message",{"fromUserId":"U2","toUserId":"U1","message":"one"}]`)
	got := map[string]bool{<-events: true, <-events: true}
	if !got["a:one"] || !got["b:one"] {
		t.Fatalf("both subscribers should see the event, got %v", got)
	}

	c.Off(subA)
	f.push(`42["receive_message",{"fromUserId":"U2","toUserId":"U1","message":"two"}]`)
	if ev := <-events; ev != "b:two" {
		t.Fatalf("unexpected event %s", ev)
	}
	select {
	case ev := <-events:
		t.Fatalf("unsubscribed handler still called: %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventsFromReplacedSessionDropped(t *testing.T) {
	f := newFakeIO(t)
	c := newTestRealtime(f)
	defer c.Close()

	events := make(chan string, 4)
	c.On(bus.EventReceiveMessage, func(ev bus.Event) error {
		events <- ev.(bus.ReceiveMessage).Message
		return nil
	})

	c.Open(context.Background(), "U1")
	waitFor(t, "open", c.Connected)
	c.mu.Lock()
	old := c.session
	c.mu.Unlock()

	c.Close()
	c.Open(context.Background(), "U3")
	waitFor(t, "reopen", c.Connected)

	// A frame the first connection read before it was torn down.
	c.dispatch(old, bus.EventReceiveMessage, []byte(`{"fromUserId":"U2","toUserId":"U1","message":"late"}`))

	c.mu.Lock()
	cur := c.session
	c.mu.Unlock()
	c.dispatch(cur, bus.EventReceiveMessage, []byte(`{"fromUserId":"U2","toUserId":"U3","message":"fresh"}`))

	if got := <-events; got != "fresh" {
		t.Fatalf("stale event delivered: %s", got)
	}
	select {
	case got := <-events:
		t.Fatalf("unexpected event %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAnswersPing(t *testing.T) {
	f := newFakeIO(t)
	c := newTestRealtime(f)
	defer c.Close()

	c.Open(context.Background(), "U1")
	waitFor(t, "open", c.Connected)
	f.push("2")
	f.expect("3")
}

func TestDialFailureIsErrored(t *testing.T) {
	c := NewRealtime(Options{URL: "http://127.0.0.1:1", HandshakeTimeout: 200 * time.Millisecond})
	var mu sync.Mutex
	var seen []Status
	c.WatchStatus(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	c.Open(context.Background(), "U1")
	waitFor(t, "errored", func() bool { return c.Status() == StatusErrored })
	if c.State() != StateClosed {
		t.Fatalf("failed open should end closed, got %s", c.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != StatusErrored {
		t.Fatalf("watcher did not see errored: %v", seen)
	}
}

func TestConnectRefused(t *testing.T) {
	f := newFakeIO(t)
	f.mu.Lock()
	f.refuse = true
	f.mu.Unlock()
	c := newTestRealtime(f)
	defer c.Close()

	c.Open(context.Background(), "U1")
	waitFor(t, "errored", func() bool { return c.Status() == StatusErrored })
}

func TestCloseThenReopenRegistersAgain(t *testing.T) {
	f := newFakeIO(t)
	c := newTestRealtime(f)
	defer c.Close()

	c.Open(context.Background(), "U1")
	c.RegisterActor("U1")
	waitFor(t, "open", c.Connected)
	f.expect(`42["add_user","U1"]`)

	c.Close()
	if c.Connected() || c.Status() != StatusDisconnected {
		t.Fatalf("close should disconnect")
	}
	f.expect("41")

	c.Open(context.Background(), "U3")
	c.RegisterActor("U3")
	waitFor(t, "reopen", c.Connected)
	f.expect(`42["add_user","U3"]`)
}

func TestReconnectWithBackoff(t *testing.T) {
	f := newFakeIO(t)
	c := NewRealtime(Options{
		URL:              f.srv.URL,
		HandshakeTimeout: time.Second,
		Reconnect:        true,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	})
	defer c.Close()

	c.RegisterActor("U1")
	c.Open(context.Background(), "U1")
	waitFor(t, "open", c.Connected)
	f.expect(`42["add_user","U1"]`)

	f.dropAll()
	f.expect(`42["add_user","U1"]`)
	waitFor(t, "reconnected", c.Connected)

	f.mu.Lock()
	accepts := f.accepts
	f.mu.Unlock()
	if accepts < 2 {
		t.Fatalf("expected a second connection, got %d", accepts)
	}
}

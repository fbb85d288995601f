package channels

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/toolshed/toolshed/pkg/bus"
	"github.com/toolshed/toolshed/pkg/logger"
	"github.com/toolshed/toolshed/pkg/metrics"
	"github.com/toolshed/toolshed/pkg/wire"
)

var ErrNotConnected = errors.New("channel not connected")

type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	}
	return "closed"
}

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusErrored      Status = "errored"
)

type Options struct {
	URL              string
	Path             string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// Reconnect retries with exponential backoff after the connection drops.
	Reconnect        bool
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// Session describes one live connection.
type Session struct {
	ID       string
	ActorID  string
	SID      string
	OpenedAt time.Time
}

// Realtime is the Socket.IO event channel. It is opened and closed only by
// its owner; other components subscribe with On and publish with Emit.
type Realtime struct {
	*bus.Registry
	opts Options

	mu           sync.Mutex
	state        State
	status       Status
	conn         *websocket.Conn
	session      *Session
	cancel       context.CancelFunc
	registerID   string
	registeredAs string
	watchers     []func(Status)

	wmu sync.Mutex
}

func NewRealtime(opts Options) *Realtime {
	if opts.Path == "" {
		opts.Path = "/socket.io/"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Minute
	}
	return &Realtime{
		Registry: bus.NewRegistry(),
		opts:     opts,
		state:    StateClosed,
		status:   StatusDisconnected,
	}
}

func (c *Realtime) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Realtime) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected is true only in the open state.
func (c *Realtime) Connected() bool {
	return c.State() == StateOpen
}

func (c *Realtime) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// WatchStatus registers fn for every status change.
func (c *Realtime) WatchStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Open starts connecting in the background. Failures never surface here;
// they move the status to errored.
func (c *Realtime) Open(ctx context.Context, actorID string) {
	c.Close()

	runCtx, cancel := context.WithCancel(ctx)
	sess := &Session{ID: uuid.NewString(), ActorID: actorID}

	c.mu.Lock()
	c.session = sess
	c.cancel = cancel
	c.setStateLocked(StateOpening)
	c.mu.Unlock()

	logger.InfoCF("realtime", "Opening event channel", map[string]interface{}{
		"session": sess.ID,
		"actor":   actorID,
		"url":     c.opts.URL,
	})

	go c.run(runCtx, sess)
}

// Close is idempotent.
func (c *Realtime) Close() {
	c.mu.Lock()
	if c.cancel == nil && c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	sess := c.session
	c.conn = nil
	c.session = nil
	c.registerID = ""
	c.registeredAs = ""
	c.setStateLocked(StateClosed)
	changed := c.setStatusLocked(StatusDisconnected)
	watchers := c.watchers
	c.mu.Unlock()

	if conn != nil {
		c.wmu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		_ = conn.WriteMessage(websocket.TextMessage, wire.EncodeDisconnect())
		c.wmu.Unlock()
		conn.Close()
	}
	if sess != nil {
		logger.InfoCF("realtime", "Event channel closed", map[string]interface{}{
			"session": sess.ID,
		})
	}
	if changed {
		notify(watchers, StatusDisconnected)
	}
}

// RegisterActor announces actorID to the server. Before the channel is open
// the registration is queued; it is sent once per successful open.
func (c *Realtime) RegisterActor(actorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerID = actorID
	if c.state == StateOpen && c.conn != nil {
		c.flushRegistrationLocked()
	}
}

func (c *Realtime) flushRegistrationLocked() {
	if c.registerID == "" || c.registeredAs == c.registerID {
		return
	}
	frame, err := wire.EncodeEvent(bus.EventAddUser, c.registerID)
	if err != nil {
		return
	}
	if err := c.write(c.conn, frame); err != nil {
		logger.WarnCF("realtime", "Failed to register actor", map[string]interface{}{
			"actor": c.registerID,
			"error": err.Error(),
		})
		return
	}
	c.registeredAs = c.registerID
	logger.DebugCF("realtime", "Actor registered", map[string]interface{}{
		"actor": c.registerID,
	})
}

// Emit sends a named event. Delivery is not acknowledged.
func (c *Realtime) Emit(event string, payload interface{}) error {
	frame, err := wire.EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}
	if err := c.write(conn, frame); err != nil {
		return fmt.Errorf("failed to emit %s: %w", event, err)
	}
	return nil
}

func (c *Realtime) write(conn *websocket.Conn, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Realtime) run(ctx context.Context, sess *Session) {
	var b backoff.BackOff
	if c.opts.Reconnect {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = c.opts.ReconnectInitial
		eb.MaxInterval = c.opts.ReconnectMax
		eb.MaxElapsedTime = 0
		b = backoff.WithContext(eb, ctx)
	}

	for {
		opened, err := c.serve(ctx, sess)
		if ctx.Err() != nil {
			return
		}

		status := StatusDisconnected
		if err != nil {
			status = StatusErrored
			logger.WarnCF("realtime", "Event channel failed", map[string]interface{}{
				"session": sess.ID,
				"error":   err.Error(),
			})
		}

		if b == nil {
			c.finish(sess, StateClosed, status)
			return
		}
		if opened {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.finish(sess, StateClosed, status)
			return
		}
		c.finish(sess, StateOpening, status)
		metrics.ChannelReconnects.Inc()
		logger.InfoCF("realtime", "Reconnecting", map[string]interface{}{
			"session": sess.ID,
			"wait":    wait.String(),
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// finish records the end of one connection attempt if sess is still current.
func (c *Realtime) finish(sess *Session, state State, status Status) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.registeredAs = ""
	c.setStateLocked(state)
	changed := c.setStatusLocked(status)
	watchers := c.watchers
	c.mu.Unlock()
	if changed {
		notify(watchers, status)
	}
}

// serve runs one connection from dial to close. opened reports whether the
// Socket.IO handshake completed.
func (c *Realtime) serve(ctx context.Context, sess *Session) (bool, error) {
	endpoint, err := Endpoint(c.opts.URL, c.opts.Path)
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock reads when the owner closes us.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	hs, err := c.handshake(conn)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.session != sess || ctx.Err() != nil {
		c.mu.Unlock()
		return false, nil
	}
	c.conn = conn
	sess.SID = hs.SID
	sess.OpenedAt = time.Now()
	c.registeredAs = ""
	c.setStateLocked(StateOpen)
	c.flushRegistrationLocked()
	changed := c.setStatusLocked(StatusConnected)
	watchers := c.watchers
	c.mu.Unlock()

	logger.InfoCF("realtime", "Event channel open", map[string]interface{}{
		"session": sess.ID,
		"sid":     hs.SID,
	})
	if changed {
		notify(watchers, StatusConnected)
	}

	return true, c.readLoop(conn, sess, hs)
}

func (c *Realtime) handshake(conn *websocket.Conn) (wire.Handshake, error) {
	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return wire.Handshake{}, fmt.Errorf("read open packet: %w", err)
	}
	p, err := wire.Decode(frame)
	if err != nil {
		return wire.Handshake{}, err
	}
	if p.Kind != wire.KindOpen {
		return wire.Handshake{}, fmt.Errorf("expected open packet, got %s", p.Kind)
	}
	hs := p.Handshake

	if err := c.write(conn, wire.EncodeConnect()); err != nil {
		return hs, fmt.Errorf("send connect: %w", err)
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return hs, fmt.Errorf("await connect: %w", err)
		}
		p, err := wire.Decode(frame)
		if err != nil {
			return hs, err
		}
		switch p.Kind {
		case wire.KindConnect:
			return hs, nil
		case wire.KindConnectError:
			return hs, fmt.Errorf("connect refused: %s", p.Reason)
		case wire.KindPing:
			if err := c.write(conn, wire.EncodePong()); err != nil {
				return hs, err
			}
		case wire.KindClose:
			return hs, errors.New("server closed during handshake")
		}
	}
}

func (c *Realtime) readLoop(conn *websocket.Conn, sess *Session, hs wire.Handshake) error {
	// The server pings every PingInterval and gives up after PingTimeout.
	idle := hs.PingInterval + hs.PingTimeout
	for {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		p, err := wire.Decode(frame)
		if err != nil {
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			logger.WarnCF("realtime", "Dropping malformed frame", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		switch p.Kind {
		case wire.KindPing:
			if err := c.write(conn, wire.EncodePong()); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		case wire.KindEvent:
			c.dispatch(sess, p.Event, p.Payload)
		case wire.KindDisconnect, wire.KindClose:
			return nil
		}
	}
}

// current reports whether sess is still the live session.
func (c *Realtime) current(sess *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == sess
}

// dispatch delivers one event read on sess. Frames still buffered on a
// connection that was closed or replaced are dropped, so they never reach
// handlers that now act for a different actor.
func (c *Realtime) dispatch(sess *Session, name string, payload []byte) {
	if !c.current(sess) {
		metrics.EventsDropped.WithLabelValues("stale_session").Inc()
		logger.DebugCF("realtime", "Dropping event from closed session", map[string]interface{}{
			"event":   name,
			"session": sess.ID,
		})
		return
	}
	ev, err := bus.Decode(name, payload)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, bus.ErrUnknownEvent) {
			reason = "unknown_event"
		}
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		logger.WarnCF("realtime", "Dropping event", map[string]interface{}{
			"event": name,
			"error": err.Error(),
		})
		return
	}
	metrics.EventsReceived.WithLabelValues(name).Inc()
	if n := c.Dispatch(ev); n == 0 {
		metrics.EventsDropped.WithLabelValues("no_handler").Inc()
		logger.DebugCF("realtime", "No handler for event", map[string]interface{}{
			"event": name,
		})
	}
}

func (c *Realtime) setStateLocked(s State) {
	c.state = s
	metrics.ChannelState.Set(float64(s))
}

func (c *Realtime) setStatusLocked(s Status) bool {
	if c.status == s {
		return false
	}
	c.status = s
	return true
}

func notify(watchers []func(Status), s Status) {
	for _, fn := range watchers {
		fn(s)
	}
}

// Endpoint converts a server base URL into the Engine.IO websocket URL.
func Endpoint(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/socket.io/"
	}
	u.Path = path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

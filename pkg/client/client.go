// Package client is the participant side of the sync protocol: one shared
// websocket multiplexed between independent consumers (presence, document,
// session lifecycle), with automatic reconnection.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/19G12/parallel-website-editor-webhook/pkg/event"
)

var (
	// ErrClosed means the connection was torn down with Close.
	ErrClosed = errors.New("client: connection closed")
	// ErrNotConnected means the transport is currently down; only a deferred
	// join survives this state.
	ErrNotConnected = errors.New("client: not connected")
)

// ReconnectPolicy bounds the reconnection state machine. The zero value
// reconnects forever with exponential backoff, which matches the protocol's
// original always-reconnect behavior.
type ReconnectPolicy struct {
	InitialInterval time.Duration // default 500ms
	MaxInterval     time.Duration // default 15s
	MaxRetries      int           // consecutive failed dials before giving up; 0 means never
}

func (p ReconnectPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	// Retry duration is governed by MaxRetries, not wall time.
	b.MaxElapsedTime = 0
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.Reset()
	return b
}

// Options configures a Conn. The zero value is usable.
type Options struct {
	Policy ReconnectPolicy
	Log    *slog.Logger
	// Cache, when set, keeps the last broadcast content on disk so a fresh
	// process can render the document before its first broadcast arrives.
	Cache  *Cache
	Dialer *websocket.Dialer
}

// Conn is the connection multiplexer: it owns the single websocket and
// feeds every typed consumer from the one inbound stream.
type Conn struct {
	url    string
	policy ReconnectPolicy
	log    *slog.Logger
	cache  *Cache
	dialer *websocket.Dialer

	mu       sync.Mutex
	ws       *websocket.Conn
	closed   bool
	identity string        // joined username, re-announced on every open
	openCh   chan struct{} // closed while the transport is open
	err      error

	presence *PresenceTracker
	document *DocumentSync
	session  *Session

	quit chan struct{}
	done chan struct{}
}

// Dial starts a connection to the sync server. It returns immediately; the
// transport is established in the background and retried per the policy.
func Dial(url string, opts Options) *Conn {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c := &Conn{
		url:    url,
		policy: opts.Policy,
		log:    log.With(slog.String("component", "client")),
		cache:  opts.Cache,
		dialer: dialer,
		openCh: make(chan struct{}),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.presence = newPresenceTracker()
	c.document = &DocumentSync{conn: c}
	c.session = &Session{conn: c}
	go c.run()
	return c
}

// Presence is the tracker fed by usertype broadcasts.
func (c *Conn) Presence() *PresenceTracker { return c.presence }

// Document is the synchronizer fed by contentype broadcasts.
func (c *Conn) Document() *DocumentSync { return c.document }

// Session is the join/leave controller for this connection.
func (c *Conn) Session() *Session { return c.session }

// Publish sends an event over the shared transport. It is fire-and-forget:
// a nil return means the frame was handed to the transport, not that it was
// delivered.
func (c *Conn) Publish(ev event.Event) error {
	frame, err := event.EncodeClient(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.ws == nil {
		return ErrNotConnected
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Connected reports whether the transport is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// WaitOpen blocks until the transport is open, the connection is
// permanently down, or ctx expires.
func (c *Conn) WaitOpen(ctx context.Context) error {
	c.mu.Lock()
	ch := c.openCh
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the connection has permanently stopped, either via
// Close or because the reconnect policy gave up.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection stopped. Nil after a clean Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	close(c.quit)
	if ws != nil {
		ws.Close()
	}
	<-c.done
	return nil
}

func (c *Conn) run() {
	defer close(c.done)
	bo := c.policy.newBackOff()
	retries := 0
	for {
		select {
		case <-c.quit:
			return
		default:
		}

		ws, resp, err := c.dialer.Dial(c.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			retries++
			if c.policy.MaxRetries > 0 && retries >= c.policy.MaxRetries {
				c.fail(fmt.Errorf("client: giving up after %d attempts: %w", retries, err))
				return
			}
			wait := bo.NextBackOff()
			c.log.Warn("dial failed",
				slog.Any("error", err),
				slog.Duration("retry_in", wait))
			select {
			case <-c.quit:
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		retries = 0

		if !c.transportOpen(ws) {
			ws.Close()
			return
		}
		err = c.readLoop(ws)
		c.transportLost(err)
	}
}

// transportOpen installs a freshly dialed socket and re-announces a joined
// identity. Reports false when the conn was closed during the dial.
func (c *Conn) transportOpen(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ws = ws
	close(c.openCh)
	c.log.Info("transport open", slog.String("url", c.url))
	if c.identity != "" {
		c.writeJoinLocked(c.identity)
	}
	return true
}

func (c *Conn) transportLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = nil
	c.openCh = make(chan struct{})
	if !c.closed {
		c.log.Warn("transport lost, reconnecting", slog.Any("error", err))
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	defer ws.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

// dispatch fans one inbound frame out to whichever consumer its type
// selects. Frames that fail to decode are dropped.
func (c *Conn) dispatch(data []byte) {
	ev, err := event.DecodeBroadcast(data)
	if err != nil {
		c.log.Warn("dropping malformed broadcast", slog.Any("error", err))
		return
	}
	switch v := ev.(type) {
	case event.Presence:
		c.presence.apply(v)
	case event.Document:
		c.document.apply(v.Content)
		if c.cache != nil {
			if err := c.cache.SaveContent(v.Content); err != nil {
				c.log.Warn("caching content", slog.Any("error", err))
			}
		}
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.log.Error("connection failed", slog.Any("error", err))
}

// announce records the session identity and sends the join immediately when
// the transport is already open; otherwise the open handler sends it, so
// the join fires exactly once per open.
func (c *Conn) announce(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = name
	if c.ws != nil && !c.closed {
		c.writeJoinLocked(name)
	}
}

func (c *Conn) clearIdentity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = ""
}

func (c *Conn) writeJoinLocked(name string) {
	frame, err := event.EncodeClient(event.Join{Username: name})
	if err != nil {
		c.log.Error("encoding join", slog.Any("error", err))
		return
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		// The read loop will observe the broken socket and reconnect;
		// the join is then re-announced on the next open.
		c.log.Warn("join write failed", slog.Any("error", err))
	}
}

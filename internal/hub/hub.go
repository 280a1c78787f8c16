// Package hub implements the event router: the single owner of shared
// presence and document state. Every connected client fans events into the
// hub and the hub fans derived state back out to every client, including the
// sender. All state mutation happens on one goroutine, in arrival order.
package hub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/19G12/parallel-website-editor-webhook/pkg/event"
)

// DocumentStore persists the latest document content across restarts.
type DocumentStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, content string) error
}

// Relay fans accepted broadcast frames out to sibling server instances and
// delivers frames that originated elsewhere.
type Relay interface {
	Publish(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
}

// Options configures a Hub. Store and Relay are both optional.
type Options struct {
	Store DocumentStore
	Relay Relay
	Log   *slog.Logger
}

type inbound struct {
	from *Client
	data []byte
}

// Hub routes events between all connected clients.
type Hub struct {
	log   *slog.Logger
	store DocumentStore
	relay Relay

	register   chan *Client
	unregister chan *Client
	events     chan inbound
	saves      chan string
	done       chan struct{}

	// Owned exclusively by the Run goroutine.
	clients  map[*Client]bool
	sessions map[uuid.UUID]string // connection id -> username
	users    map[string]uuid.UUID // username -> connection id
	order    []string             // usernames in join order
	activity []string             // append-only, most recent last
	content  string
}

// New creates a hub. Call Run to start routing.
func New(opts Options) *Hub {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:        log.With(slog.String("component", "hub")),
		store:      opts.Store,
		relay:      opts.Relay,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan inbound, 64),
		saves:      make(chan string, 1),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		sessions:   make(map[uuid.UUID]string),
		users:      make(map[string]uuid.UUID),
	}
}

// Run owns all shared state until ctx is cancelled. It must be called
// exactly once.
func (h *Hub) Run(ctx context.Context) {
	if h.store != nil {
		content, err := h.store.Load(ctx)
		if err != nil {
			h.log.Error("loading document snapshot", slog.Any("error", err))
		} else {
			h.content = content
		}
		go h.saver(ctx)
	}

	var relayFrames <-chan []byte
	if h.relay != nil {
		relayFrames = h.relay.Frames()
	}

	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.log.Info("client registered",
				slog.String("conn", c.id.String()),
				slog.Int("total", len(h.clients)))
			h.sendSnapshots(c)
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			c.closeSend()
			h.log.Info("client unregistered",
				slog.String("conn", c.id.String()),
				slog.Int("total", len(h.clients)))
			// Transport loss runs the same leave path as an explicit close.
			if name, ok := h.sessions[c.id]; ok {
				h.dropSession(ctx, c.id, name)
			}
		case in := <-h.events:
			h.handle(ctx, in.from, in.data)
		case frame, ok := <-relayFrames:
			if !ok {
				relayFrames = nil
				continue
			}
			h.handleRelayed(frame)
		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				delete(h.clients, c)
				c.closeSend()
			}
			h.flushSave(ctx)
			return
		}
	}
}

func (h *Hub) handle(ctx context.Context, from *Client, data []byte) {
	ev, err := event.DecodeClient(data)
	if err != nil {
		// Fail closed: bad input never reaches shared state.
		h.log.Warn("dropping malformed frame",
			slog.String("conn", from.id.String()),
			slog.Any("error", err))
		return
	}

	switch v := ev.(type) {
	case event.Join:
		h.handleJoin(ctx, from, v.Username)
	case event.Replace:
		// Deliberately not gated on the sender having joined: content
		// updates from anonymous connections are applied as-is.
		h.content = v.Content
		h.queueSave(v.Content)
		h.broadcastDocument(ctx)
	case event.Leave:
		name, ok := h.sessions[from.id]
		if !ok {
			return
		}
		h.dropSession(ctx, from.id, name)
	}
}

func (h *Hub) handleJoin(ctx context.Context, from *Client, name string) {
	if owner, ok := h.users[name]; ok {
		if owner == from.id {
			// Repeat join from the same connection, e.g. after the client
			// re-announced on a path we already saw. Idempotent.
			return
		}
		h.log.Warn("rejecting duplicate username",
			slog.String("username", name),
			slog.String("conn", from.id.String()))
		return
	}
	if prev, ok := h.sessions[from.id]; ok {
		h.log.Warn("connection already joined, ignoring rebind",
			slog.String("username", prev),
			slog.String("rejected", name))
		return
	}
	h.sessions[from.id] = name
	h.users[name] = from.id
	h.order = append(h.order, name)
	h.activity = append(h.activity, fmt.Sprintf("%s joined the document", name))
	h.broadcastPresence(ctx)
}

func (h *Hub) dropSession(ctx context.Context, id uuid.UUID, name string) {
	delete(h.sessions, id)
	delete(h.users, name)
	for i, n := range h.order {
		if n == name {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.activity = append(h.activity, fmt.Sprintf("%s left the document", name))
	h.broadcastPresence(ctx)
}

func (h *Hub) presence() event.Presence {
	users := make(map[string]event.User, len(h.order))
	for _, name := range h.order {
		users[name] = event.User{Username: name}
	}
	activity := make([]string, len(h.activity))
	copy(activity, h.activity)
	return event.Presence{Users: users, Activity: activity}
}

func (h *Hub) broadcastPresence(ctx context.Context) {
	frame, err := event.EncodeBroadcast(h.presence())
	if err != nil {
		h.log.Error("encoding presence broadcast", slog.Any("error", err))
		return
	}
	h.fanOut(frame)
	h.bridgeOut(ctx, frame)
}

func (h *Hub) broadcastDocument(ctx context.Context) {
	frame, err := event.EncodeBroadcast(event.Document{Content: h.content})
	if err != nil {
		h.log.Error("encoding document broadcast", slog.Any("error", err))
		return
	}
	h.fanOut(frame)
	h.bridgeOut(ctx, frame)
}

// fanOut delivers a frame to every local client. A client whose send queue
// is full is dropped; its read pump will unregister it.
func (h *Hub) fanOut(frame []byte) {
	for c := range h.clients {
		if !c.enqueue(frame) {
			delete(h.clients, c)
			c.closeSend()
			h.log.Warn("dropping saturated client", slog.String("conn", c.id.String()))
		}
	}
}

// sendSnapshots catches a fresh connection up on current state so a late
// joiner does not render an empty editor while waiting for the next event.
func (h *Hub) sendSnapshots(c *Client) {
	if frame, err := event.EncodeBroadcast(event.Document{Content: h.content}); err == nil {
		c.enqueue(frame)
	}
	if frame, err := event.EncodeBroadcast(h.presence()); err == nil {
		c.enqueue(frame)
	}
}

func (h *Hub) bridgeOut(ctx context.Context, frame []byte) {
	if h.relay == nil {
		return
	}
	if err := h.relay.Publish(ctx, frame); err != nil {
		h.log.Warn("relay publish failed", slog.Any("error", err))
	}
}

// handleRelayed applies a frame that originated on a sibling instance:
// forward to local clients and adopt document content so local snapshots
// stay current. It is never re-stored or re-relayed.
func (h *Hub) handleRelayed(frame []byte) {
	ev, err := event.DecodeBroadcast(frame)
	if err != nil {
		h.log.Warn("dropping malformed relay frame", slog.Any("error", err))
		return
	}
	if doc, ok := ev.(event.Document); ok {
		h.content = doc.Content
	}
	h.fanOut(frame)
}

// queueSave hands content to the saver, keeping only the newest value when
// writes outpace the store.
func (h *Hub) queueSave(content string) {
	if h.store == nil {
		return
	}
	for {
		select {
		case h.saves <- content:
			return
		default:
			select {
			case <-h.saves:
			default:
			}
		}
	}
}

func (h *Hub) saver(ctx context.Context) {
	for {
		select {
		case content := <-h.saves:
			if err := h.store.Save(ctx, content); err != nil {
				h.log.Error("saving document snapshot", slog.Any("error", err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// flushSave writes any pending snapshot before shutdown.
func (h *Hub) flushSave(ctx context.Context) {
	if h.store == nil {
		return
	}
	select {
	case content := <-h.saves:
		if err := h.store.Save(context.WithoutCancel(ctx), content); err != nil {
			h.log.Error("flushing document snapshot", slog.Any("error", err))
		}
	default:
	}
}

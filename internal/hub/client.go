package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendQueueSize bounds per-client backpressure before the hub gives up on a
// slow consumer.
const sendQueueSize = 256

// Client is one connected transport endpoint seen from the hub.
type Client struct {
	id   uuid.UUID
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger

	closeOnce sync.Once
}

// Attach registers a freshly upgraded websocket connection with the hub and
// starts its read and write pumps.
func (h *Hub) Attach(conn *websocket.Conn) *Client {
	c := h.newClient(conn)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return nil
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) newClient(conn *websocket.Conn) *Client {
	id := uuid.New()
	return &Client{
		id:   id,
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		log:  h.log.With(slog.String("conn", id.String())),
	}
}

// ID is the opaque identity of the underlying transport connection.
func (c *Client) ID() uuid.UUID { return c.id }

// enqueue queues a frame for delivery. It reports false when the client's
// queue is saturated.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump forwards inbound frames to the hub until the connection dies,
// then unregisters. Runs as its own goroutine.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("connection lost", slog.Any("error", err))
			}
			return
		}
		select {
		case c.hub.events <- inbound{from: c, data: data}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump drains the send queue onto the wire. Runs as its own goroutine.
func (c *Client) writePump() {
	defer c.conn.Close()
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Info("write failed", slog.Any("error", err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

package hub

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Observers only send control frames
	maxMessageSize = 4 * 1024

	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Observers are dashboards served from other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSSubscriber is a WebSocket observer. Events are queued on a buffered
// channel and written by WritePump.
type WSSubscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

// NewWSSubscriber wraps an upgraded connection.
func NewWSSubscriber(conn *websocket.Conn) *WSSubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	id := "ws-" + uuid.NewString()
	return &WSSubscriber{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		log:    slog.Default().With("component", "ws-subscriber", "id", id),
	}
}

func (c *WSSubscriber) ID() string { return c.id }

// Send queues msg without blocking.
func (c *WSSubscriber) Send(msg []byte) error {
	if c.ctx.Err() != nil {
		return ErrSubscriberClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

// Close signals WritePump to send a close frame and drop the connection,
// which in turn ends ReadPump.
func (c *WSSubscriber) Close() {
	c.cancel()
}

// ReadPump discards inbound frames and keeps the read deadline fresh. It
// returns when the peer goes away.
func (c *WSSubscriber) ReadPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("observer read error", "error", err)
			}
			return
		}
	}
}

// WritePump writes queued events and pings until the subscriber closes.
func (c *WSSubscriber) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("observer write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request and registers the observer until it
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	sub := NewWSSubscriber(conn)
	cancel := h.Subscribe(sub)
	h.log.Info("observer connected", "id", sub.ID(), "remote", r.RemoteAddr)

	go sub.WritePump()
	sub.ReadPump()
	cancel()
	h.log.Info("observer disconnected", "id", sub.ID())
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/relay"
)

const (
	// Max wait time when writing message to peer
	writeWait = 10 * time.Second

	// Max time till next pong from peer
	pongWait = 60 * time.Second

	// Send ping interval, must be less than pong wait time
	pingPeriod = (pongWait * 9) / 10

	// Session descriptions with many candidates run to a few kilobytes
	maxMessageSize = 64 * 1024
)

// SignalingHandler terminates WebSocket connections and feeds them to the relay
type SignalingHandler struct {
	relay       *relay.Relay
	upgrader    websocket.Upgrader
	sendBuffer  int
	requireAuth bool
	log         logr.Logger
}

func NewSignalingHandler(r *relay.Relay, allowedOrigins []string, sendBuffer int, requireAuth bool, log logr.Logger) *SignalingHandler {
	return &SignalingHandler{
		relay: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     OriginAllowed(allowedOrigins),
		},
		sendBuffer:  sendBuffer,
		requireAuth: requireAuth,
		log:         log.WithName("ws"),
	}
}

// Client represents a WebSocket client connection. It is the transport
// handle the session registry keeps for a participant.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  logr.Logger

	mu     sync.Mutex
	closed bool
}

// Handle upgrades the request and runs the connection until it closes
func (h *SignalingHandler) Handle(c *gin.Context) {
	identity := middleware.IdentityFrom(c)
	if h.requireAuth && identity == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error(err, "failed to upgrade connection")
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		log:  h.log,
	}
	rc := h.relay.Attach(client, identity)

	go client.writePump()
	client.readPump(h.relay, rc)
}

// ID identifies the connection
func (c *Client) ID() string { return c.id }

// Send queues env for delivery without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Client) Send(env models.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error(err, "failed to marshal envelope", "type", env.Type)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Info("send buffer full", "conn", c.id)
		return false
	}
}

// Close stops accepting envelopes. Already queued envelopes are flushed
// before the WebSocket close frame is sent. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

func (c *Client) readPump(r *relay.Relay, rc *relay.Conn) {
	defer func() {
		r.Detach(context.Background(), rc)
		c.Close()
		c.log.V(1).Info("connection closed", "conn", c.id, "callId", rc.CallID())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error(err, "websocket read failed", "conn", c.id)
			}
			return
		}

		if err := r.Handle(context.Background(), rc, message); err != nil {
			var perr *relay.ProtocolError
			if !errors.As(err, &perr) {
				c.log.Error(err, "envelope handling failed", "conn", c.id)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Error(err, "failed to write message", "conn", c.id)
				c.Close()
				// drain so Close never races a blocked sender
				for range c.send {
				}
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				for range c.send {
				}
				return
			}
		}
	}
}

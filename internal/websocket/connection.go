package websocket

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/prismy/collab-server/internal/auth"
	"github.com/prismy/collab-server/internal/logging"
	"github.com/prismy/collab-server/internal/protocol"
	"github.com/prismy/collab-server/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ErrConnectionClosed is returned by Send after Close
var ErrConnectionClosed = errors.New("connection closed")

// State is the per-connection protocol state
type State int

const (
	StateConnecting State = iota
	StateJoined
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	}
	return "unknown"
}

// Connection is one WebSocket client. It implements session.Peer.
type Connection struct {
	id          string
	ip          string
	token       string // from the upgrade request
	connectedAt time.Time
	log         *slog.Logger

	ws   *websocket.Conn
	hub  *Hub
	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	closeCode string

	// Owned by the read goroutine
	state    State
	session  *session.Session
	identity *auth.Identity
}

func newConnection(ws *websocket.Conn, hub *Hub, ip, token string) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:          id,
		ip:          ip,
		token:       token,
		connectedAt: time.Now(),
		log:         hub.log.With(logging.Connection(id)),
		ws:          ws,
		hub:         hub,
		send:        make(chan []byte, hub.cfg.SendQueueSize),
		done:        make(chan struct{}),
	}
}

// ID returns the connection id
func (c *Connection) ID() string {
	return c.id
}

// State returns the protocol state. Only meaningful from the read goroutine
// or after it has exited.
func (c *Connection) State() State {
	return c.state
}

// Send enqueues a frame without blocking
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return session.ErrQueueFull
	}
}

// Close disconnects the client with code as the close reason. It never
// blocks; the write pump sends the close frame.
func (c *Connection) Close(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	close(c.done)
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) sendMessage(messageType string, payload any) {
	data, err := protocol.Encode(messageType, payload)
	if err != nil {
		c.log.Error("failed to encode message", logging.MessageType(messageType), logging.Err(err))
		return
	}
	if err := c.Send(data); errors.Is(err, session.ErrQueueFull) {
		c.Close(protocol.CodeQueueOverflow)
	}
}

func (c *Connection) sendError(code, message string) {
	c.sendMessage(protocol.TypeError, protocol.Problem{Code: code, Message: message})
}

// ReadPump reads frames and dispatches them in order until the socket
// closes.
func (c *Connection) ReadPump() {
	defer func() {
		c.hub.disconnect(c)
		c.Close("closed")
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.security.Limits.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Warn("connection closed unexpectedly", logging.Err(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		c.hub.handleFrame(c, message)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

// WritePump drains the send queue to the socket and keeps it alive with
// pings.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close("write_failed")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("write_failed")
				return
			}

		case <-c.done:
			c.mu.Lock()
			code := c.closeCode
			c.mu.Unlock()
			if code != protocol.CodeQueueOverflow {
				c.flush()
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeStatus(code), code))
			return
		}
	}
}

// flush writes frames queued before Close so final errors reach the client
func (c *Connection) flush() {
	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func closeStatus(code string) int {
	switch code {
	case protocol.CodeQueueOverflow, protocol.CodeRateLimited:
		return websocket.ClosePolicyViolation
	case protocol.CodeLockTimeout:
		return websocket.CloseTryAgainLater
	case "server_shutdown":
		return websocket.CloseGoingAway
	}
	return websocket.CloseNormalClosure
}

// Package websocket is the connection handler: it pumps frames between
// clients and their document sessions.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prismy/collab-server/internal/auth"
	"github.com/prismy/collab-server/internal/logging"
	"github.com/prismy/collab-server/internal/ot"
	"github.com/prismy/collab-server/internal/protocol"
	"github.com/prismy/collab-server/internal/security"
	"github.com/prismy/collab-server/internal/session"
)

// Config tunes the hub
type Config struct {
	SendQueueSize int
}

// Hub tracks live connections and dispatches their messages to sessions.
// Messages are handled on each connection's read goroutine, so sessions
// run in parallel and one connection's messages apply in send order.
type Hub struct {
	cfg      Config
	registry *session.Registry
	auth     *auth.Authenticator
	security *security.Manager
	log      *slog.Logger
	tracer   trace.Tracer

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewHub creates a hub dispatching to registry
func NewHub(cfg Config, registry *session.Registry, authn *auth.Authenticator, sec *security.Manager, log *slog.Logger) *Hub {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	if sec == nil {
		sec = security.NewManager(security.DefaultLimits())
	}
	return &Hub{
		cfg:         cfg,
		registry:    registry,
		auth:        authn,
		security:    sec,
		log:         log,
		tracer:      otel.Tracer("github.com/prismy/collab-server/internal/websocket"),
		connections: make(map[string]*Connection),
	}
}

// Serve registers an upgraded socket and runs its pumps. token is the
// bearer token of the upgrade request, if any.
func (h *Hub) Serve(ws *websocket.Conn, ip, token string) *Connection {
	c := newConnection(ws, h, ip, token)

	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()

	c.log.Debug("connection opened", slog.String("ip", ip))
	go c.WritePump()
	go c.ReadPump()
	return c
}

// Count returns the number of open connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// CloseAll disconnects every connection
func (h *Hub) CloseAll(code string) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close(code)
	}
}

// disconnect runs once the read pump exits. A transport close is a leave.
func (h *Hub) disconnect(c *Connection) {
	if c.state == StateJoined {
		h.leave(context.Background(), c)
	}
	c.state = StateLeft

	h.mu.Lock()
	delete(h.connections, c.id)
	h.mu.Unlock()

	h.security.Messages.Forget(c.id)
	h.security.Connections.Release(c.ip)
	c.log.Debug("connection closed", slog.Duration("duration", time.Since(c.connectedAt)))
}

// handleFrame rate-limits, decodes and dispatches one frame
func (h *Hub) handleFrame(c *Connection, data []byte) {
	if !h.security.Messages.Allow(c.id, time.Now()) {
		c.sendError(protocol.CodeRateLimited, "too many messages, slow down")
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		c.sendError(protocol.CodeInvalidMessage, err.Error())
		return
	}
	h.dispatch(context.Background(), c, env)
}

// dispatch applies the state machine: only join_document is accepted before
// joining and everything is ignored after leaving.
func (h *Hub) dispatch(ctx context.Context, c *Connection, env *protocol.Envelope) {
	if c.state == StateLeft {
		return
	}
	if c.state == StateConnecting && env.Type != protocol.TypeJoinDocument {
		c.sendError(protocol.CodeNotJoined, "join a document first")
		return
	}

	ctx, span := h.tracer.Start(ctx, "ws."+env.Type, trace.WithAttributes(
		attribute.String("connection.id", c.id),
	))
	defer span.End()
	if c.session != nil {
		span.SetAttributes(attribute.String("document.id", c.session.ID()))
	}

	var err error
	switch env.Type {
	case protocol.TypeJoinDocument:
		err = h.handleJoin(ctx, c, env)
	case protocol.TypeOperation:
		err = h.handleOperation(ctx, c, env, span)
	case protocol.TypeCursorUpdate:
		var msg protocol.CursorUpdate
		if err = env.DecodePayload(&msg); err == nil {
			err = c.session.UpdateCursor(ctx, c.id, msg.Position, msg.Selection)
		}
	case protocol.TypeHeartbeat:
		err = c.session.Heartbeat(ctx, c.id)
	case protocol.TypeLeave:
		h.leave(ctx, c)
		c.state = StateLeft
	case protocol.TypeSyncRequest:
		err = c.session.Resync(ctx, c.id)
	case protocol.TypeSaveDocument:
		err = c.session.Save(ctx, c.id)
	default:
		c.sendError(protocol.CodeInvalidMessage, "unknown message type "+env.Type)
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.fail(c, env.Type, err)
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Connection, env *protocol.Envelope) error {
	var msg protocol.JoinDocument
	if err := env.DecodePayload(&msg); err != nil {
		return err
	}
	if err := security.ValidateDocumentID(msg.DocumentID, h.security.Limits.MaxDocumentIDLength); err != nil {
		c.sendError(protocol.CodeInvalidMessage, err.Error())
		return nil
	}

	token := msg.Token
	if token == "" {
		token = c.token
	}
	identity, err := h.auth.Identify(token, msg.User.Name, msg.User.Email, c.id)
	if err != nil {
		c.sendError(protocol.CodeUnauthorized, err.Error())
		return nil
	}
	if !identity.Permissions.CanReadDocument(msg.DocumentID) {
		c.sendError(protocol.CodeForbidden, "no read access to "+msg.DocumentID)
		return nil
	}

	if c.state == StateJoined {
		if c.session.ID() == msg.DocumentID {
			err := c.session.Resync(ctx, c.id)
			if !errors.Is(err, session.ErrNotParticipant) && !errors.Is(err, session.ErrSessionClosed) {
				return err
			}
			// Expired or torn down; join afresh below
		}
		h.leave(ctx, c)
	}

	s, state, err := h.registry.Join(ctx, msg.DocumentID, c, identity.UserID, identity.DisplayName, identity.Permissions.CanWriteDocument(msg.DocumentID))
	if err != nil {
		return err
	}
	c.session = s
	c.identity = identity
	c.state = StateJoined
	c.log.Info("joined document", logging.Document(s.ID()), logging.User(identity.UserID), logging.Revision(state.Revision))
	return nil
}

func (h *Hub) handleOperation(ctx context.Context, c *Connection, env *protocol.Envelope, span trace.Span) error {
	var op ot.Operation
	if err := env.DecodePayload(&op); err != nil {
		return err
	}
	out, err := c.session.Apply(ctx, c.id, op)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Bool("operation.accepted", out.Accepted),
		attribute.Int64("document.revision", out.Revision),
	)
	if !out.Accepted {
		span.AddEvent("operation rejected", trace.WithAttributes(attribute.String("reason", string(out.Reason))))
	}
	return nil
}

func (h *Hub) leave(ctx context.Context, c *Connection) {
	if c.session == nil {
		return
	}
	if _, err := c.session.Leave(ctx, c.id); err != nil &&
		!errors.Is(err, session.ErrNotParticipant) && !errors.Is(err, session.ErrSessionClosed) {
		c.log.Warn("leave failed", logging.Document(c.session.ID()), logging.Err(err))
	}
	c.session = nil
	c.identity = nil
	c.state = StateConnecting
}

// fail maps a session error to a client reply. Errors are confined to the
// connection that caused them.
func (h *Hub) fail(c *Connection, messageType string, err error) {
	switch {
	case errors.Is(err, protocol.ErrMalformedEnvelope):
		c.sendError(protocol.CodeInvalidMessage, err.Error())

	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrNotParticipant):
		c.sendError(protocol.CodeSessionNotFound, "session not found, join again")
		c.session = nil
		c.identity = nil
		c.state = StateConnecting

	case errors.Is(err, session.ErrShuttingDown):
		c.sendError(protocol.CodeSessionNotFound, "server shutting down")

	case errors.Is(err, session.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		c.log.Warn("dropping connection", logging.MessageType(messageType), logging.Err(err))
		c.sendError(protocol.CodeLockTimeout, "session busy")
		c.Close(protocol.CodeLockTimeout)

	default:
		c.log.Error("message failed", logging.MessageType(messageType), logging.Err(err))
		c.sendError(protocol.CodePersistenceFailure, "document unavailable")
	}
}

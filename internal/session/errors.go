package session

import (
	"errors"

	"github.com/prismy/collab-server/internal/ot"
)

var (
	// ErrSessionClosed is returned for a session that was torn down or
	// drained. Callers look the document up again.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotParticipant is returned when a connection is not joined to the
	// session it addresses.
	ErrNotParticipant = errors.New("connection is not a participant")
	// ErrLockTimeout is returned when the session lock is not acquired in
	// time. The connection is dropped, not the session.
	ErrLockTimeout = errors.New("session lock timeout")
	// ErrShuttingDown is returned once the registry is draining
	ErrShuttingDown = errors.New("registry shutting down")
	// ErrQueueFull is returned by Peer.Send when the outbound queue is full
	ErrQueueFull = errors.New("send queue full")
)

// ReasonForbidden rejects operations from read-only participants
const ReasonForbidden ot.Reason = "forbidden"

// Package protocol defines the JSON envelope exchanged over the WebSocket
// and the payload of every message type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prismy/collab-server/internal/ot"
	"github.com/prismy/collab-server/internal/presence"
)

// Client to server message types
const (
	TypeJoinDocument = "join_document"
	TypeOperation    = "operation"
	TypeCursorUpdate = "cursor_update"
	TypeHeartbeat    = "heartbeat"
	TypeLeave        = "leave"
	TypeSyncRequest  = "sync_request"
	TypeSaveDocument = "save_document"
)

// Server to client message types. TypeOperation and TypeCursorUpdate are
// also sent by the server.
const (
	TypeDocumentState     = "document_state"
	TypeOperationAck      = "operation_ack"
	TypeOperationRejected = "operation_rejected"
	TypePresenceUpdate    = "presence_update"
	TypeError             = "error"
	TypeDocumentSaved     = "document_saved"
	TypeWarning           = "warning"
)

// Error and warning codes
const (
	CodeInvalidRevision    = "invalid_revision"
	CodeOutOfBounds        = "out_of_bounds"
	CodeSessionNotFound    = "session_not_found"
	CodeQueueOverflow      = "queue_overflow"
	CodePersistenceFailure = "persistence_failure"
	CodeInvalidOperation   = "invalid_operation"
	CodeStaleRevision      = "stale_revision"
	CodeForbidden          = "forbidden"
	CodeNotJoined          = "not_joined"
	CodeInvalidMessage     = "invalid_message"
	CodeRateLimited        = "rate_limited"
	CodeLockTimeout        = "lock_timeout"
	CodeUnauthorized       = "unauthorized"
)

// ErrMalformedEnvelope is returned when a frame is not a valid envelope
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope wraps every frame
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Encode marshals payload into an envelope of the given type
func Encode(messageType string, payload any) ([]byte, error) {
	env := Envelope{Type: messageType, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", messageType, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses a frame into an envelope. The payload is left raw.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return &env, nil
}

// DecodePayload unmarshals the payload into v. An absent payload leaves v
// untouched.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// UserInfo is the client-supplied profile on join
type UserInfo struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// JoinDocument asks to enter a document session
type JoinDocument struct {
	DocumentID string   `json:"documentId"`
	User       UserInfo `json:"user"`
	Token      string   `json:"token,omitempty"`
}

// CursorUpdate carries a caret move. From the server it also names the
// participant.
type CursorUpdate struct {
	ConnectionID string              `json:"connectionId,omitempty"`
	Position     int                 `json:"position"`
	Selection    *presence.Selection `json:"selection,omitempty"`
}

// DocumentState is the full snapshot sent on join and resync
type DocumentState struct {
	DocumentID   string                 `json:"documentId"`
	Content      string                 `json:"content"`
	Revision     int64                  `json:"revision"`
	Participants []presence.Participant `json:"participants"`
	ConnectionID string                 `json:"connectionId"`
}

// OperationBroadcast is a committed operation sent to other participants
type OperationBroadcast struct {
	ot.Operation
	Revision     int64  `json:"revision"`
	ConnectionID string `json:"connectionId"`
}

// OperationAck confirms the originator's operation as committed
type OperationAck struct {
	ot.Operation
	Revision int64 `json:"revision"`
}

// OperationRejected is sent to the originator only
type OperationRejected struct {
	Reason          string `json:"reason"`
	CurrentRevision int64  `json:"currentRevision"`
}

// PresenceUpdate lists the current participants
type PresenceUpdate struct {
	Participants []presence.Participant `json:"participants"`
}

// DocumentSaved confirms an explicit save
type DocumentSaved struct {
	Revision int64 `json:"revision"`
}

// Problem is the payload of error and warning messages
type Problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

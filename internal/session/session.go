package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prismy/collab-server/internal/logging"
	"github.com/prismy/collab-server/internal/ot"
	"github.com/prismy/collab-server/internal/presence"
	"github.com/prismy/collab-server/internal/protocol"
	"github.com/prismy/collab-server/internal/storage"
)

// Peer is a live connection receiving session messages
type Peer interface {
	ID() string
	// Send enqueues a frame without blocking and returns ErrQueueFull when
	// the outbound queue is full.
	Send(data []byte) error
	// Close disconnects the peer with a reason code.
	Close(code string)
}

// Session is the live state of one document: its buffer, its participants
// and the peers they are connected through.
//
// Every mutation holds the session lock. Frames are enqueued while the lock
// is held so every peer sees committed operations in revision order.
type Session struct {
	id       string
	registry *Registry
	log      *slog.Logger
	lock     chan struct{}

	buf            *ot.Reconciler
	presence       *presence.Registry
	peers          map[string]Peer
	writers        map[string]bool
	floors         map[string]int64 // lowest base revision each peer may still send
	lastActivityAt time.Time
	savedRevision  int64
	closed         bool
	saveTimer      *time.Timer
	teardownTimer  *time.Timer
	teardownGen    uint64

	revision atomic.Int64
}

func newSession(id string, snap *storage.DocumentSnapshot, r *Registry) *Session {
	s := &Session{
		id:             id,
		registry:       r,
		log:            r.log.With(logging.Document(id)),
		lock:           make(chan struct{}, 1),
		buf:            ot.NewReconciler(snap.Content, snap.Revision, r.cfg.HistoryLimit),
		presence:       presence.NewRegistry(r.cfg.PresenceTimeout),
		peers:          make(map[string]Peer),
		writers:        make(map[string]bool),
		floors:         make(map[string]int64),
		lastActivityAt: r.now(),
		savedRevision:  snap.Revision,
	}
	s.revision.Store(snap.Revision)
	return s
}

// ID returns the document id
func (s *Session) ID() string {
	return s.id
}

// Revision returns the last committed revision without taking the lock
func (s *Session) Revision() int64 {
	return s.revision.Load()
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(s.registry.cfg.LockTimeout)
	defer timer.Stop()
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() {
	<-s.lock
}

// enter takes the lock on an open session. A non-empty connectionID must
// belong to a participant.
func (s *Session) enter(ctx context.Context, connectionID string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	if s.closed {
		s.release()
		return ErrSessionClosed
	}
	if connectionID != "" && !s.presence.Has(connectionID) {
		s.release()
		return ErrNotParticipant
	}
	return nil
}

func (s *Session) join(ctx context.Context, peer Peer, userID, displayName string, canWrite bool) (protocol.DocumentState, error) {
	if err := s.enter(ctx, ""); err != nil {
		return protocol.DocumentState{}, err
	}
	defer s.release()

	s.cancelTeardownLocked()

	now := s.registry.now()
	id := peer.ID()
	s.presence.Join(id, userID, displayName, now)
	s.peers[id] = peer
	s.writers[id] = canWrite
	s.floors[id] = s.buf.Revision()
	s.lastActivityAt = now

	state := s.stateLocked(id)
	s.sendLocked(id, protocol.TypeDocumentState, state)
	s.broadcastPresenceLocked(id)

	s.log.Info("participant joined", logging.Connection(id), logging.User(userID), logging.Revision(state.Revision))
	return state, nil
}

// Apply reconciles op from a participant. Accepted operations are broadcast
// to the other peers and acknowledged to the originator; rejections go to
// the originator only.
func (s *Session) Apply(ctx context.Context, connectionID string, op ot.Operation) (ot.Outcome, error) {
	if err := s.enter(ctx, connectionID); err != nil {
		return ot.Outcome{}, err
	}
	defer s.release()

	s.touchLocked(connectionID)

	if !s.writers[connectionID] {
		out := ot.Outcome{Revision: s.buf.Revision(), Reason: ReasonForbidden}
		s.rejectLocked(connectionID, out)
		return out, nil
	}

	if op.BaseRevision <= s.buf.Revision() && op.BaseRevision > s.floors[connectionID] {
		s.floors[connectionID] = op.BaseRevision
	}

	out := s.buf.Apply(op)
	if !out.Accepted {
		s.rejectLocked(connectionID, out)
		return out, nil
	}

	s.revision.Store(out.Revision)
	s.buf.Compact(s.floorLocked())

	s.sendLocked(connectionID, protocol.TypeOperationAck, protocol.OperationAck{
		Operation: out.Op,
		Revision:  out.Revision,
	})
	s.broadcastLocked(protocol.TypeOperation, protocol.OperationBroadcast{
		Operation:    out.Op,
		Revision:     out.Revision,
		ConnectionID: connectionID,
	}, connectionID)

	s.registry.scheduleSave(s)
	s.registry.publish(&storage.DocumentEvent{
		Type:         storage.EventOperation,
		DocumentID:   s.id,
		Revision:     out.Revision,
		ConnectionID: connectionID,
		Data:         out.Op,
	})
	return out, nil
}

// UpdateCursor records a caret move and broadcasts it to the other peers
func (s *Session) UpdateCursor(ctx context.Context, connectionID string, position int, selection *presence.Selection) error {
	if err := s.enter(ctx, connectionID); err != nil {
		return err
	}
	defer s.release()

	now := s.registry.now()
	s.presence.UpdateCursor(connectionID, position, selection, now)
	s.lastActivityAt = now

	s.broadcastLocked(protocol.TypeCursorUpdate, protocol.CursorUpdate{
		ConnectionID: connectionID,
		Position:     position,
		Selection:    selection,
	}, connectionID)
	return nil
}

// Heartbeat refreshes the participant's liveness
func (s *Session) Heartbeat(ctx context.Context, connectionID string) error {
	if err := s.enter(ctx, connectionID); err != nil {
		return err
	}
	defer s.release()

	s.touchLocked(connectionID)
	return nil
}

// Resync sends the requester a fresh document_state
func (s *Session) Resync(ctx context.Context, connectionID string) error {
	if err := s.enter(ctx, connectionID); err != nil {
		return err
	}
	defer s.release()

	s.touchLocked(connectionID)
	s.sendLocked(connectionID, protocol.TypeDocumentState, s.stateLocked(connectionID))
	return nil
}

// Leave removes the participant and returns how many remain. The last
// leave schedules teardown.
func (s *Session) Leave(ctx context.Context, connectionID string) (int, error) {
	if err := s.enter(ctx, connectionID); err != nil {
		return 0, err
	}
	defer s.release()

	remaining := s.removeLocked(connectionID)
	s.broadcastPresenceLocked("")
	if remaining == 0 {
		s.registry.scheduleTeardown(s)
	}

	s.log.Info("participant left", logging.Connection(connectionID), slog.Int("remaining", remaining))
	return remaining, nil
}

// Save persists the current buffer in the background and answers the
// requester with document_saved, or a persistence_failure warning once
// retries are exhausted.
func (s *Session) Save(ctx context.Context, connectionID string) error {
	if err := s.enter(ctx, connectionID); err != nil {
		return err
	}
	s.touchLocked(connectionID)
	peer := s.peers[connectionID]
	content, revision := s.buf.Content(), s.buf.Revision()
	s.release()

	return s.registry.persistAsync(s, content, revision, peer)
}

// Snapshot returns the live document state
func (s *Session) Snapshot(ctx context.Context) (protocol.DocumentState, error) {
	if err := s.enter(ctx, ""); err != nil {
		return protocol.DocumentState{}, err
	}
	defer s.release()
	return s.stateLocked(""), nil
}

// sweep expires silent participants. Expired peers stay connected and are
// told their session membership ended.
func (s *Session) sweep(ctx context.Context, now time.Time) ([]string, error) {
	if err := s.enter(ctx, ""); err != nil {
		return nil, err
	}
	defer s.release()

	removed := s.presence.SweepStale(now)
	if len(removed) == 0 {
		return nil, nil
	}

	expired := make([]Peer, 0, len(removed))
	for _, id := range removed {
		if p, ok := s.peers[id]; ok {
			expired = append(expired, p)
		}
		s.forgetLocked(id)
	}

	if data, err := protocol.Encode(protocol.TypeError, protocol.Problem{
		Code:    protocol.CodeSessionNotFound,
		Message: "presence expired",
	}); err == nil {
		for _, p := range expired {
			p.Send(data)
		}
	}

	s.broadcastPresenceLocked("")
	if s.presence.Count() == 0 {
		s.registry.scheduleTeardown(s)
	}
	for _, id := range removed {
		s.log.Info("participant expired", logging.Connection(id))
	}
	return removed, nil
}

func (s *Session) touchLocked(connectionID string) {
	now := s.registry.now()
	s.presence.Touch(connectionID, now)
	s.lastActivityAt = now
}

func (s *Session) stateLocked(connectionID string) protocol.DocumentState {
	return protocol.DocumentState{
		DocumentID:   s.id,
		Content:      s.buf.Content(),
		Revision:     s.buf.Revision(),
		Participants: s.presence.List(),
		ConnectionID: connectionID,
	}
}

func (s *Session) rejectLocked(connectionID string, out ot.Outcome) {
	s.sendLocked(connectionID, protocol.TypeOperationRejected, protocol.OperationRejected{
		Reason:          string(out.Reason),
		CurrentRevision: out.Revision,
	})
}

// floorLocked is the lowest revision any writer can still base an
// operation on. Read-only participants never send operations.
func (s *Session) floorLocked() int64 {
	floor := s.buf.Revision()
	for id, f := range s.floors {
		if s.writers[id] {
			floor = min(floor, f)
		}
	}
	return floor
}

func (s *Session) forgetLocked(connectionID string) {
	delete(s.peers, connectionID)
	delete(s.writers, connectionID)
	delete(s.floors, connectionID)
}

func (s *Session) removeLocked(connectionID string) int {
	s.forgetLocked(connectionID)
	return s.presence.Leave(connectionID)
}

func (s *Session) sendLocked(connectionID, messageType string, payload any) {
	peer, ok := s.peers[connectionID]
	if !ok {
		return
	}
	data, err := protocol.Encode(messageType, payload)
	if err != nil {
		s.log.Error("failed to encode message", logging.MessageType(messageType), logging.Err(err))
		return
	}
	if err := peer.Send(data); err != nil {
		s.evictLocked([]string{connectionID})
	}
}

// broadcastLocked enqueues one frame for every peer but except. Peers whose
// queue is full are disconnected.
func (s *Session) broadcastLocked(messageType string, payload any, except string) {
	if len(s.peers) == 0 || (len(s.peers) == 1 && s.peers[except] != nil) {
		return
	}
	data, err := protocol.Encode(messageType, payload)
	if err != nil {
		s.log.Error("failed to encode message", logging.MessageType(messageType), logging.Err(err))
		return
	}

	var overflowed []string
	for id, peer := range s.peers {
		if id == except {
			continue
		}
		if err := peer.Send(data); err != nil {
			overflowed = append(overflowed, id)
		}
	}
	s.evictLocked(overflowed)
}

func (s *Session) broadcastPresenceLocked(except string) {
	participants := s.presence.List()
	s.broadcastLocked(protocol.TypePresenceUpdate, protocol.PresenceUpdate{Participants: participants}, except)
	s.registry.publish(&storage.DocumentEvent{
		Type:       storage.EventPresence,
		DocumentID: s.id,
		Revision:   s.buf.Revision(),
		Data:       participants,
	})
}

// evictLocked force-disconnects peers that cannot keep up. Eviction is a
// leave for everyone else.
func (s *Session) evictLocked(ids []string) {
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		peer, ok := s.peers[id]
		if !ok {
			continue
		}
		s.removeLocked(id)
		peer.Close(protocol.CodeQueueOverflow)
		s.log.Warn("peer evicted", logging.Connection(id), slog.String("reason", protocol.CodeQueueOverflow))
	}
	s.broadcastPresenceLocked("")
	if s.presence.Count() == 0 {
		s.registry.scheduleTeardown(s)
	}
}

func (s *Session) cancelTeardownLocked() {
	s.teardownGen++
	if s.teardownTimer != nil {
		s.teardownTimer.Stop()
		s.teardownTimer = nil
	}
}

// warnLocked tells every peer that persistence is failing
func (s *Session) warnLocked(message string) {
	s.broadcastLocked(protocol.TypeWarning, protocol.Problem{
		Code:    protocol.CodePersistenceFailure,
		Message: message,
	}, "")
}

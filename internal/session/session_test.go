package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prismy/collab-server/internal/ot"
	"github.com/prismy/collab-server/internal/presence"
	"github.com/prismy/collab-server/internal/protocol"
)

func TestJoin_DocumentStateAndPresence(t *testing.T) {
	store := newCountingStore()
	store.Save(context.Background(), "doc-1", "hello", 5)
	r := newTestRegistry(t, testConfig(), store)

	a, b := newPeer("a"), newPeer("b")
	join(t, r, "doc-1", a)

	var state protocol.DocumentState
	a.last(t, protocol.TypeDocumentState, &state)
	if state.Content != "hello" || state.Revision != 5 || state.ConnectionID != "a" {
		t.Errorf("document_state = %+v", state)
	}
	if len(state.Participants) != 1 {
		t.Errorf("participants = %d, want 1", len(state.Participants))
	}

	join(t, r, "doc-1", b)

	var update protocol.PresenceUpdate
	a.last(t, protocol.TypePresenceUpdate, &update)
	if len(update.Participants) != 2 {
		t.Errorf("presence_update participants = %d, want 2", len(update.Participants))
	}
	if len(b.all(protocol.TypePresenceUpdate)) != 0 {
		t.Error("joiner received its own presence_update")
	}
	b.last(t, protocol.TypeDocumentState, &state)
	if len(state.Participants) != 2 {
		t.Errorf("joiner participants = %d, want 2", len(state.Participants))
	}
}

func TestApply_ConcurrentInserts(t *testing.T) {
	store := newCountingStore()
	store.Save(context.Background(), "doc", "hello", 5)
	r := newTestRegistry(t, testConfig(), store)

	a, b := newPeer("a"), newPeer("b")
	s := join(t, r, "doc", a)
	join(t, r, "doc", b)

	outA := apply(t, s, "a", ot.Operation{Type: ot.Insert, Position: 5, Content: " world", BaseRevision: 5})
	outB := apply(t, s, "b", ot.Operation{Type: ot.Insert, Position: 0, Content: "Say: ", BaseRevision: 5})

	if outA.Revision != 6 || outB.Revision != 7 {
		t.Fatalf("revisions = %d, %d, want 6, 7", outA.Revision, outB.Revision)
	}

	state, _ := s.Snapshot(context.Background())
	if state.Content != "Say: hello world" || state.Revision != 7 {
		t.Errorf("buffer = %q at %d", state.Content, state.Revision)
	}

	var ack protocol.OperationAck
	b.last(t, protocol.TypeOperationAck, &ack)
	if ack.Revision != 7 || ack.Position != 0 {
		t.Errorf("B ack = %+v", ack)
	}

	var bcast protocol.OperationBroadcast
	a.last(t, protocol.TypeOperation, &bcast)
	if bcast.ConnectionID != "b" || bcast.Revision != 7 {
		t.Errorf("A received %+v", bcast)
	}

	for _, p := range []*fakePeer{a, b} {
		content, rev := p.replay(t, "hello", 5)
		if content != state.Content || rev != 7 {
			t.Errorf("%s replayed %q at %d, want %q at 7", p.id, content, rev, state.Content)
		}
	}
}

func TestApply_InsertInsideConcurrentDelete(t *testing.T) {
	store := newCountingStore()
	store.Save(context.Background(), "doc", "abcdef", 1)
	r := newTestRegistry(t, testConfig(), store)

	a, b := newPeer("a"), newPeer("b")
	s := join(t, r, "doc", a)
	join(t, r, "doc", b)

	apply(t, s, "a", ot.Operation{Type: ot.Delete, Position: 1, Length: 2, BaseRevision: 1})
	out := apply(t, s, "b", ot.Operation{Type: ot.Insert, Position: 2, Content: "X", BaseRevision: 1})

	if !out.Accepted || out.Op.Position != 1 || out.Revision != 3 {
		t.Fatalf("outcome = %+v", out)
	}
	state, _ := s.Snapshot(context.Background())
	if state.Content != "aXdef" {
		t.Errorf("Content = %q, want aXdef", state.Content)
	}
}

func TestApply_RejectionGoesToOriginatorOnly(t *testing.T) {
	store := newCountingStore()
	store.Save(context.Background(), "doc", "abc", 2)
	r := newTestRegistry(t, testConfig(), store)

	a, b := newPeer("a"), newPeer("b")
	s := join(t, r, "doc", a)
	join(t, r, "doc", b)

	op := ot.Operation{Type: ot.Insert, Position: 0, Content: "x", BaseRevision: 10}
	for i := 0; i < 2; i++ {
		out := apply(t, s, "a", op)
		if out.Accepted || out.Reason != ot.ReasonInvalidRevision {
			t.Fatalf("attempt %d outcome = %+v", i, out)
		}
	}

	rejected := a.all(protocol.TypeOperationRejected)
	if len(rejected) != 2 {
		t.Fatalf("rejections = %d, want 2", len(rejected))
	}
	var msg protocol.OperationRejected
	rejected[1].DecodePayload(&msg)
	if msg.Reason != string(ot.ReasonInvalidRevision) || msg.CurrentRevision != 2 {
		t.Errorf("operation_rejected = %+v", msg)
	}
	if n := len(b.all(protocol.TypeOperation)); n != 0 {
		t.Errorf("other participant received %d operations", n)
	}
	if s.Revision() != 2 {
		t.Errorf("Revision() = %d, want 2", s.Revision())
	}
}

func TestApply_ReadOnlyParticipant(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newCountingStore())

	viewer := newPeer("viewer")
	s, _, err := r.Join(context.Background(), "doc", viewer, "u", "Viewer", false)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	out := apply(t, s, "viewer", ot.Operation{Type: ot.Insert, Position: 0, Content: "x", BaseRevision: 0})
	if out.Accepted || out.Reason != ReasonForbidden {
		t.Errorf("outcome = %+v, want forbidden", out)
	}
	if s.Revision() != 0 {
		t.Errorf("Revision() = %d, want 0", s.Revision())
	}
}

func TestApply_ReadOnlyParticipantDoesNotPinHistory(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newCountingStore())

	if _, _, err := r.Join(context.Background(), "doc", newPeer("viewer"), "u", "Viewer", false); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	s := join(t, r, "doc", newPeer("writer"))

	for i := 0; i < 5; i++ {
		out := apply(t, s, "writer", ot.Operation{Type: ot.Insert, Position: i, Content: "x", BaseRevision: int64(i)})
		if !out.Accepted {
			t.Fatalf("op %d rejected: %s", i, out.Reason)
		}
	}

	if err := s.acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.release()
	if got := s.buf.HistoryLen(); got != 1 {
		t.Errorf("HistoryLen() = %d, want 1", got)
	}
	if got := s.buf.OldestRevision(); got != 4 {
		t.Errorf("OldestRevision() = %d, want 4", got)
	}
}

func TestApply_UnknownConnection(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newCountingStore())
	s := join(t, r, "doc", newPeer("a"))

	_, err := s.Apply(context.Background(), "ghost", ot.Operation{Type: ot.Insert, Content: "x"})
	if !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Apply() error = %v, want ErrNotParticipant", err)
	}
	if err := s.Heartbeat(context.Background(), "ghost"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Heartbeat() error = %v, want ErrNotParticipant", err)
	}
}

func TestApply_RevisionsGapFreeAcrossPeers(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newCountingStore())

	const clients, perClient = 5, 40
	peers := make([]*fakePeer, clients)
	var s *Session
	for i := range peers {
		peers[i] = newPeer(fmt.Sprintf("c%d", i))
		s = join(t, r, "doc", peers[i])
	}

	var wg sync.WaitGroup
	for i := range peers {
		wg.Add(1)
		go func(p *fakePeer, letter string) {
			defer wg.Done()
			for n := 0; n < perClient; n++ {
				base := s.Revision()
				op := ot.Operation{Type: ot.Insert, Position: 0, Content: letter, BaseRevision: base}
				if n%3 == 2 {
					op = ot.Operation{Type: ot.Delete, Position: 0, Length: 1, BaseRevision: base}
				}
				if _, err := s.Apply(context.Background(), p.id, op); err != nil {
					t.Errorf("Apply() error = %v", err)
					return
				}
			}
		}(peers[i], string(rune('a'+i)))
	}
	wg.Wait()

	state, _ := s.Snapshot(context.Background())
	for _, p := range peers {
		content, rev := p.replay(t, "", 0)
		if rev != state.Revision {
			t.Errorf("%s saw up to revision %d, want %d", p.id, rev, state.Revision)
		}
		if content != state.Content {
			t.Errorf("%s replayed %q, server has %q", p.id, content, state.Content)
		}
	}
}

func TestUpdateCursor_BroadcastsToOthers(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newCountingStore())
	a, b := newPeer("a"), newPeer("b")
	s := join(t, r, "doc", a)
	join(t, r, "doc", b)

	if err := s.UpdateCursor(context.Background(), "a", 3, &presence.Selection{Start: 1, End: 3}); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}

	var cur protocol.CursorUpdate
	b.last(t, protocol.TypeCursorUpdate, &cur)
	if cur.ConnectionID != "a" || cur.Position != 3 || cur.Selection == nil || cur.Selection.End != 3 {
		t.Errorf("cursor_update = %+v", cur)
	}
	if len(a.all(protocol.TypeCursorUpdate)) != 0 {
		t.Error("originator received its own cursor_update")
	}
}

func TestLeave_BroadcastsPresence(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newCountingStore())
	a, b := newPeer("a"), newPeer("b")
	s := join(t, r, "doc", a)
	join(t, r, "doc", b)

	remaining, err := s.Leave(context.Background(), "b")
	if err != nil || remaining != 1 {
		t.Fatalf("Leave() = %d, %v", remaining, err)
	}
	var update protocol.PresenceUpdate
	a.last(t, protocol.TypePresenceUpdate, &update)
	if len(update.Participants) != 1 || update.Participants[0].ConnectionID != "a" {
		t.Errorf("presence_update = %+v", update)
	}
	if _, err := s.Leave(context.Background(), "b"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("second Leave() error = %v, want ErrNotParticipant", err)
	}
}

func TestQueueOverflow_DisconnectsPeer(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newCountingStore())
	a, slow := newPeer("a"), newPeer("slow")
	s := join(t, r, "doc", a)
	join(t, r, "doc", slow)

	slow.setFull(true)
	out := apply(t, s, "a", ot.Operation{Type: ot.Insert, Position: 0, Content: "x", BaseRevision: 0})
	if !out.Accepted {
		t.Fatalf("commit blocked by slow peer: %+v", out)
	}

	if got := slow.closedWith(); got != protocol.CodeQueueOverflow {
		t.Errorf("slow peer closed with %q, want %q", got, protocol.CodeQueueOverflow)
	}
	var update protocol.PresenceUpdate
	a.last(t, protocol.TypePresenceUpdate, &update)
	if len(update.Participants) != 1 {
		t.Errorf("participants after overflow = %d, want 1", len(update.Participants))
	}
	if _, err := s.Apply(context.Background(), "slow", ot.Operation{Type: ot.Insert, Content: "y", BaseRevision: 1}); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("evicted peer Apply() error = %v, want ErrNotParticipant", err)
	}
}

func TestSweepStale_ExpiresSilentParticipants(t *testing.T) {
	cfg := testConfig()
	cfg.PresenceTimeout = 30 * time.Second
	r := newTestRegistry(t, cfg, newCountingStore())

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	var mu sync.Mutex
	r.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	silent, live := newPeer("silent"), newPeer("live")
	s := join(t, r, "doc", silent)
	join(t, r, "doc", live)

	advance(20 * time.Second)
	s.Heartbeat(context.Background(), "live")

	if n := r.SweepStale(t0.Add(30 * time.Second)); n != 0 {
		t.Errorf("swept %d at exactly the timeout", n)
	}
	if n := r.SweepStale(t0.Add(31 * time.Second)); n != 1 {
		t.Fatalf("SweepStale() = %d, want 1", n)
	}

	var problem protocol.Problem
	silent.last(t, protocol.TypeError, &problem)
	if problem.Code != protocol.CodeSessionNotFound {
		t.Errorf("expired peer error = %q, want %q", problem.Code, protocol.CodeSessionNotFound)
	}
	var update protocol.PresenceUpdate
	live.last(t, protocol.TypePresenceUpdate, &update)
	if len(update.Participants) != 1 || update.Participants[0].ConnectionID != "live" {
		t.Errorf("presence_update = %+v", update)
	}
	if err := s.Heartbeat(context.Background(), "silent"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expired Heartbeat() error = %v, want ErrNotParticipant", err)
	}
}

func TestResync(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newCountingStore())
	a := newPeer("a")
	s := join(t, r, "doc", a)
	apply(t, s, "a", ot.Operation{Type: ot.Insert, Position: 0, Content: "hi", BaseRevision: 0})

	if err := s.Resync(context.Background(), "a"); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	states := a.all(protocol.TypeDocumentState)
	if len(states) != 2 {
		t.Fatalf("document_state count = %d, want 2", len(states))
	}
	var state protocol.DocumentState
	states[1].DecodePayload(&state)
	if state.Content != "hi" || state.Revision != 1 {
		t.Errorf("resync state = %+v", state)
	}
}

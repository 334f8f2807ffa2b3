package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prismy/collab-server/internal/logging"
	"github.com/prismy/collab-server/internal/ot"
	"github.com/prismy/collab-server/internal/protocol"
	"github.com/prismy/collab-server/internal/storage"
)

type fakePeer struct {
	id string

	mu     sync.Mutex
	frames []*protocol.Envelope
	full   bool
	closed string
}

func newPeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return ErrQueueFull
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	p.frames = append(p.frames, env)
	return nil
}

func (p *fakePeer) Close(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = code
}

func (p *fakePeer) setFull(full bool) {
	p.mu.Lock()
	p.full = full
	p.mu.Unlock()
}

func (p *fakePeer) closedWith() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) all(messageType string) []*protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*protocol.Envelope
	for _, f := range p.frames {
		if messageType == "" || f.Type == messageType {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) last(t *testing.T, messageType string, v any) {
	t.Helper()
	got := p.all(messageType)
	if len(got) == 0 {
		t.Fatalf("%s received no %s", p.id, messageType)
	}
	if err := got[len(got)-1].DecodePayload(v); err != nil {
		t.Fatalf("decode %s: %v", messageType, err)
	}
}

// replay applies every committed operation the peer saw, in arrival order,
// to initial. Acks carry the originator's own transformed operation.
func (p *fakePeer) replay(t *testing.T, initial string, fromRevision int64) (string, int64) {
	t.Helper()
	content, rev := initial, fromRevision
	for _, f := range p.all("") {
		if f.Type != protocol.TypeOperation && f.Type != protocol.TypeOperationAck {
			continue
		}
		var msg protocol.OperationBroadcast
		if err := f.DecodePayload(&msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Revision != rev+1 {
			t.Fatalf("%s saw revision %d after %d", p.id, msg.Revision, rev)
		}
		var err error
		if content, err = msg.Operation.ApplyTo(content); err != nil {
			t.Fatalf("%s replay at %d: %v", p.id, msg.Revision, err)
		}
		rev = msg.Revision
	}
	return content, rev
}

// countingStore wraps the memory adapter with failure injection
type countingStore struct {
	*storage.MemoryAdapter
	loads    atomic.Int32
	saves    atomic.Int32
	failures atomic.Int32 // saves left to fail; negative fails forever
	loadErr  error
}

var errStoreDown = errors.New("store down")

func newCountingStore() *countingStore {
	m := storage.NewMemoryAdapter(10)
	m.Connect(context.Background())
	return &countingStore{MemoryAdapter: m}
}

func (c *countingStore) Load(ctx context.Context, id string) (*storage.DocumentSnapshot, error) {
	c.loads.Add(1)
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	return c.MemoryAdapter.Load(ctx, id)
}

func (c *countingStore) Save(ctx context.Context, id, content string, revision int64) error {
	c.saves.Add(1)
	if f := c.failures.Load(); f != 0 {
		if f > 0 {
			c.failures.Add(-1)
		}
		return errStoreDown
	}
	return c.MemoryAdapter.Save(ctx, id, content, revision)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GracePeriod = time.Hour
	cfg.SaveDebounce = time.Hour
	cfg.LockTimeout = time.Second
	cfg.PersistInitialInterval = time.Millisecond
	cfg.PersistMaxElapsed = 200 * time.Millisecond
	return cfg
}

func newTestRegistry(t *testing.T, cfg Config, store storage.DocumentStore) *Registry {
	t.Helper()
	r := NewRegistry(cfg, store, logging.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Drain(ctx)
	})
	return r
}

func join(t *testing.T, r *Registry, docID string, p *fakePeer) *Session {
	t.Helper()
	s, _, err := r.Join(context.Background(), docID, p, "user-"+p.id, "User "+p.id, true)
	if err != nil {
		t.Fatalf("Join(%s) error = %v", p.id, err)
	}
	return s
}

func apply(t *testing.T, s *Session, connID string, op ot.Operation) ot.Outcome {
	t.Helper()
	out, err := s.Apply(context.Background(), connID, op)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

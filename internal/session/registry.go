// Package session keeps one live session per open document, serializes the
// edits made to it and schedules its persistence and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/prismy/collab-server/internal/logging"
	"github.com/prismy/collab-server/internal/ot"
	"github.com/prismy/collab-server/internal/protocol"
	"github.com/prismy/collab-server/internal/storage"
)

// Config tunes session lifetimes and persistence
type Config struct {
	GracePeriod            time.Duration
	PresenceTimeout        time.Duration
	SweepInterval          time.Duration
	SaveDebounce           time.Duration
	LockTimeout            time.Duration
	HistoryLimit           int
	PersistInitialInterval time.Duration
	PersistMaxElapsed      time.Duration
	JoinRetries            int
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		GracePeriod:            60 * time.Second,
		PresenceTimeout:        30 * time.Second,
		SweepInterval:          10 * time.Second,
		SaveDebounce:           2 * time.Second,
		LockTimeout:            5 * time.Second,
		HistoryLimit:           ot.DefaultHistoryLimit,
		PersistInitialInterval: 200 * time.Millisecond,
		PersistMaxElapsed:      30 * time.Second,
		JoinRetries:            3,
	}
}

// Option configures a Registry
type Option func(*Registry)

// WithEvents publishes committed operations, presence changes and saves
func WithEvents(p storage.EventPublisher) Option {
	return func(r *Registry) { r.events = p }
}

type entry struct {
	ready   chan struct{}
	session *Session
	err     error
}

// Registry maps document ids to live sessions. Its map lock is held only to
// look up or insert entries; documents are loaded outside it.
type Registry struct {
	cfg    Config
	store  storage.DocumentStore
	events storage.EventPublisher
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	draining bool

	wg       sync.WaitGroup
	eventCh  chan *storage.DocumentEvent
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry backed by store
func NewRegistry(cfg Config, store storage.DocumentStore, log *slog.Logger, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = def.PresenceTimeout
	}
	if cfg.PersistInitialInterval <= 0 {
		cfg.PersistInitialInterval = def.PersistInitialInterval
	}
	if cfg.JoinRetries <= 0 {
		cfg.JoinRetries = def.JoinRetries
	}
	if log == nil {
		log = slog.Default()
	}

	r := &Registry{
		cfg:      cfg,
		store:    store,
		log:      log,
		tracer:   otel.Tracer("github.com/prismy/collab-server/internal/session"),
		now:      time.Now,
		sessions: make(map[string]*entry),
		eventCh:  make(chan *storage.DocumentEvent, 256),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the presence sweeper and the event publisher until Drain
func (r *Registry) Start() {
	go r.sweepLoop()
	if r.events != nil {
		go r.eventLoop()
	}
}

// GetOrCreate returns the live session for documentID, loading it from the
// store on first use. Concurrent first callers share one load.
func (r *Registry) GetOrCreate(ctx context.Context, documentID string) (*Session, error) {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	e, ok := r.sessions[documentID]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		r.sessions[documentID] = e
		r.mu.Unlock()

		r.load(ctx, documentID, e)
		return e.session, e.err
	}
	r.mu.Unlock()

	select {
	case <-e.ready:
	default:
		timer := time.NewTimer(r.cfg.LockTimeout)
		defer timer.Stop()
		select {
		case <-e.ready:
		case <-timer.C:
			return nil, ErrLockTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.session, e.err
}

func (r *Registry) load(ctx context.Context, documentID string, e *entry) {
	defer close(e.ready)

	ctx, span := r.tracer.Start(ctx, "session.load", trace.WithAttributes(documentAttr(documentID)))
	defer span.End()

	snap, err := r.store.Load(ctx, documentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		snap = &storage.DocumentSnapshot{ID: documentID}
	case err != nil:
		recordError(span, err)
		e.err = fmt.Errorf("load %s: %w", documentID, err)
		r.mu.Lock()
		delete(r.sessions, documentID)
		r.mu.Unlock()
		r.log.Error("failed to load document", logging.Document(documentID), logging.Err(err))
		return
	}

	s := newSession(documentID, snap, r)
	// Sessions nobody manages to join still expire
	s.lock <- struct{}{}
	r.scheduleTeardown(s)
	s.release()

	e.session = s
	r.log.Info("session created", logging.Document(documentID), logging.Revision(snap.Revision))
}

// Join admits peer to documentID's session, creating the session if needed.
// The joiner receives document_state before any later broadcast.
func (r *Registry) Join(ctx context.Context, documentID string, peer Peer, userID, displayName string, canWrite bool) (*Session, protocol.DocumentState, error) {
	for attempt := 0; attempt < r.cfg.JoinRetries; attempt++ {
		s, err := r.GetOrCreate(ctx, documentID)
		if err != nil {
			return nil, protocol.DocumentState{}, err
		}
		state, err := s.join(ctx, peer, userID, displayName, canWrite)
		if errors.Is(err, ErrSessionClosed) {
			// Torn down between lookup and join
			continue
		}
		if err != nil {
			return nil, protocol.DocumentState{}, err
		}
		return s, state, nil
	}
	return nil, protocol.DocumentState{}, ErrSessionClosed
}

// Lookup returns the live session for documentID, or nil
func (r *Registry) Lookup(documentID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[documentID]
	if !ok {
		return nil
	}
	select {
	case <-e.ready:
		return e.session
	default:
		return nil
	}
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	return len(r.live())
}

func (r *Registry) live() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		select {
		case <-e.ready:
			if e.session != nil {
				out = append(out, e.session)
			}
		default:
		}
	}
	return out
}

// ScheduleTeardown starts or resets documentID's grace timer
func (r *Registry) ScheduleTeardown(ctx context.Context, documentID string) error {
	s := r.Lookup(documentID)
	if s == nil {
		return nil
	}
	if err := s.enter(ctx, ""); err != nil {
		return err
	}
	defer s.release()
	r.scheduleTeardown(s)
	return nil
}

// CancelTeardown stops a pending teardown of documentID
func (r *Registry) CancelTeardown(ctx context.Context, documentID string) error {
	s := r.Lookup(documentID)
	if s == nil {
		return nil
	}
	if err := s.enter(ctx, ""); err != nil {
		return err
	}
	defer s.release()
	s.cancelTeardownLocked()
	return nil
}

// scheduleTeardown is called with s locked
func (r *Registry) scheduleTeardown(s *Session) {
	s.cancelTeardownLocked()
	gen := s.teardownGen
	s.teardownTimer = time.AfterFunc(r.cfg.GracePeriod, func() {
		r.teardown(s, gen)
	})
}

// teardown flushes and removes an empty session. Any join since the timer
// was armed bumps the generation and aborts it.
func (r *Registry) teardown(s *Session, gen uint64) {
	ctx := context.Background()

	if err := s.acquire(ctx); err != nil {
		s.log.Warn("teardown postponed", logging.Err(err))
		r.retryTeardown(s, gen)
		return
	}
	if s.closed || gen != s.teardownGen || s.presence.Count() > 0 {
		s.release()
		return
	}
	content, revision := s.buf.Content(), s.buf.Revision()
	dirty := revision > s.savedRevision
	s.release()

	if dirty {
		if err := r.persist(ctx, s.id, content, revision); err != nil {
			s.log.Error("teardown save failed, keeping session", logging.Revision(revision), logging.Err(err))
			r.retryTeardown(s, gen)
			return
		}
	}

	if err := s.acquire(ctx); err != nil {
		r.retryTeardown(s, gen)
		return
	}
	defer s.release()

	if revision > s.savedRevision {
		s.savedRevision = revision
	}
	if s.closed || gen != s.teardownGen || s.presence.Count() > 0 || s.buf.Revision() > s.savedRevision {
		return
	}
	r.closeLocked(s)
	s.log.Info("session torn down", logging.Revision(revision))
}

func (r *Registry) retryTeardown(s *Session, gen uint64) {
	if err := s.acquire(context.Background()); err != nil {
		time.AfterFunc(r.cfg.GracePeriod, func() { r.teardown(s, gen) })
		return
	}
	defer s.release()
	if !s.closed && gen == s.teardownGen {
		r.scheduleTeardown(s)
	}
}

// closeLocked marks s closed and removes it from the map. Lock order is
// session, then registry.
func (r *Registry) closeLocked(s *Session) {
	s.closed = true
	s.cancelTeardownLocked()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}

	r.mu.Lock()
	if e, ok := r.sessions[s.id]; ok && e.session == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// SweepStale expires silent participants in every session
func (r *Registry) SweepStale(now time.Time) int {
	ctx := context.Background()
	total := 0
	for _, s := range r.live() {
		removed, err := s.sweep(ctx, now)
		if err != nil && !errors.Is(err, ErrSessionClosed) {
			s.log.Warn("presence sweep skipped", logging.Err(err))
			continue
		}
		total += len(removed)
	}
	return total
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.SweepStale(r.now()); n > 0 {
				r.log.Debug("expired stale participants", slog.Int("count", n))
			}
		case <-r.stopCh:
			return
		}
	}
}

// publish hands an event to the publisher without blocking the session
func (r *Registry) publish(ev *storage.DocumentEvent) {
	if r.events == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = r.now().UnixMilli()
	}
	select {
	case r.eventCh <- ev:
	default:
		r.log.Warn("event queue full, dropping event", logging.Document(ev.DocumentID), slog.String("event", ev.Type))
	}
}

func (r *Registry) eventLoop() {
	for {
		select {
		case ev := <-r.eventCh:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := r.events.Publish(ctx, ev); err != nil {
				r.log.Warn("failed to publish document event", logging.Document(ev.DocumentID), logging.Err(err))
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Drain stops background work, flushes every session to the store and
// waits for in-flight saves. Peers are disconnected.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil
	}
	r.draining = true
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopCh) })

	var errs []error
	for _, s := range r.live() {
		if err := s.acquire(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", s.id, err))
			continue
		}
		if s.closed {
			s.release()
			continue
		}
		content, revision := s.buf.Content(), s.buf.Revision()
		dirty := revision > s.savedRevision
		peers := make([]Peer, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		r.closeLocked(s)
		s.release()

		for _, p := range peers {
			p.Close("server_shutdown")
		}
		if dirty {
			if err := r.persist(ctx, s.id, content, revision); err != nil {
				errs = append(errs, fmt.Errorf("drain %s: %w", s.id, err))
			}
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	return errors.Join(errs...)
}

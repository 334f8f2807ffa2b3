package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prismy/collab-server/internal/logging"
	"github.com/prismy/collab-server/internal/protocol"
	"github.com/prismy/collab-server/internal/storage"
)

func documentAttr(id string) attribute.KeyValue {
	return attribute.String("document.id", id)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// persist saves a snapshot, retrying with exponential backoff until
// PersistMaxElapsed or ctx ends.
func (r *Registry) persist(ctx context.Context, documentID, content string, revision int64) error {
	ctx, span := r.tracer.Start(ctx, "session.persist", trace.WithAttributes(
		documentAttr(documentID),
		attribute.Int64("document.revision", revision),
	))
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.PersistInitialInterval
	b.MaxElapsedTime = r.cfg.PersistMaxElapsed

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return r.store.Save(ctx, documentID, content, revision)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		r.log.Warn("save failed, retrying",
			logging.Document(documentID),
			logging.Revision(revision),
			logging.Err(err),
			"attempt", attempt,
			"retry_in", wait,
		)
	})
	span.SetAttributes(attribute.Int("persist.attempts", attempt))
	if err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

// track registers background work unless the registry is draining
func (r *Registry) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.wg.Add(1)
	return true
}

// scheduleSave arms the debounce timer after a commit. It is called with s
// locked; the first commit after a save starts the window and later commits
// fold into it.
func (r *Registry) scheduleSave(s *Session) {
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(r.cfg.SaveDebounce, func() { r.flush(s) })
}

func (r *Registry) flush(s *Session) {
	if err := s.acquire(context.Background()); err != nil {
		s.log.Warn("debounced save postponed", logging.Err(err))
		time.AfterFunc(r.cfg.SaveDebounce, func() { r.flush(s) })
		return
	}
	s.saveTimer = nil
	if s.closed || s.buf.Revision() <= s.savedRevision {
		s.release()
		return
	}
	content, revision := s.buf.Content(), s.buf.Revision()
	s.release()

	if !r.track() {
		return
	}
	defer r.wg.Done()
	r.finishSave(s, content, revision, nil)
}

// persistAsync saves in the background and reports to requester, if any
func (r *Registry) persistAsync(s *Session, content string, revision int64, requester Peer) error {
	if !r.track() {
		return ErrShuttingDown
	}
	go func() {
		defer r.wg.Done()
		r.finishSave(s, content, revision, requester)
	}()
	return nil
}

func (r *Registry) finishSave(s *Session, content string, revision int64, requester Peer) {
	err := r.persist(context.Background(), s.id, content, revision)

	if lockErr := s.acquire(context.Background()); lockErr == nil {
		if err == nil {
			if revision > s.savedRevision {
				s.savedRevision = revision
			}
		} else if !s.closed {
			s.warnLocked("document could not be saved")
		}
		s.release()
	}

	if err != nil {
		s.log.Error("save failed", logging.Revision(revision), logging.Err(err))
		return
	}

	s.log.Debug("document saved", logging.Revision(revision))
	r.publish(&storage.DocumentEvent{
		Type:       storage.EventSaved,
		DocumentID: s.id,
		Revision:   revision,
	})
	if requester != nil {
		if data, err := protocol.Encode(protocol.TypeDocumentSaved, protocol.DocumentSaved{Revision: revision}); err == nil {
			requester.Send(data)
		}
	}
}

package ot

import "errors"

// Reason explains why an operation was rejected
type Reason string

const (
	ReasonInvalidRevision  Reason = "invalid_revision"
	ReasonOutOfBounds      Reason = "out_of_bounds"
	ReasonInvalidOperation Reason = "invalid_operation"
	ReasonStaleRevision    Reason = "stale_revision"
)

// DefaultHistoryLimit bounds the committed-operation window
const DefaultHistoryLimit = 1000

// Outcome is the result of Reconciler.Apply.
//
// For accepted operations Op is the operation as committed (transformed,
// with BaseRevision set to the revision it was applied on) and Revision is
// the new buffer revision. For rejections Revision is the current revision.
type Outcome struct {
	Accepted bool
	Op       Operation
	Revision int64
	Reason   Reason
}

// Reconciler owns a text buffer and the window of recently committed
// operations used to transform late operations forward.
//
// A Reconciler is not safe for concurrent use; the owning session
// serializes access.
type Reconciler struct {
	content  []rune
	revision int64

	// history[i] was committed as revision historyBase+i+1
	history     []Operation
	historyBase int64
	limit       int
}

// NewReconciler creates a reconciler for content at the given revision.
func NewReconciler(content string, revision int64, historyLimit int) *Reconciler {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Reconciler{
		content:     []rune(content),
		revision:    revision,
		historyBase: revision,
		limit:       historyLimit,
	}
}

// Content returns the current buffer text
func (r *Reconciler) Content() string {
	return string(r.content)
}

// Revision returns the current buffer revision
func (r *Reconciler) Revision() int64 {
	return r.revision
}

// OldestRevision returns the lowest base revision that can still be
// transformed.
func (r *Reconciler) OldestRevision() int64 {
	return r.historyBase
}

// HistoryLen returns the number of retained committed operations
func (r *Reconciler) HistoryLen() int {
	return len(r.history)
}

// Apply transforms op against every operation committed after its base
// revision and commits the result. Rejections never mutate the buffer.
func (r *Reconciler) Apply(op Operation) Outcome {
	if err := op.Validate(); err != nil {
		return r.reject(ReasonInvalidOperation)
	}
	if op.BaseRevision > r.revision {
		return r.reject(ReasonInvalidRevision)
	}
	if op.BaseRevision < r.historyBase {
		return r.reject(ReasonStaleRevision)
	}

	transformed := op
	for _, prior := range r.history[op.BaseRevision-r.historyBase:] {
		transformed = Transform(transformed, prior)
	}

	if transformed.Type == Delete && transformed.Length > 0 {
		// Clamp deletes that straddle the end so the committed length is exact.
		if transformed.Position < len(r.content) {
			transformed.Length = min(transformed.Length, len(r.content)-transformed.Position)
		}
	}

	next, err := splice(r.content, transformed)
	if err != nil {
		if errors.Is(err, ErrOutOfBounds) {
			return r.reject(ReasonOutOfBounds)
		}
		return r.reject(ReasonInvalidOperation)
	}

	transformed.BaseRevision = r.revision
	r.content = next
	r.revision++
	r.history = append(r.history, transformed)
	if over := len(r.history) - r.limit; over > 0 {
		r.drop(over)
	}

	return Outcome{Accepted: true, Op: transformed, Revision: r.revision}
}

// Compact discards committed operations at or below floor. Callers pass the
// lowest revision any participant can still base an operation on.
func (r *Reconciler) Compact(floor int64) {
	if floor <= r.historyBase {
		return
	}
	r.drop(int(min(floor, r.revision) - r.historyBase))
}

func (r *Reconciler) drop(n int) {
	if n <= 0 {
		return
	}
	kept := make([]Operation, len(r.history)-n)
	copy(kept, r.history[n:])
	r.history = kept
	r.historyBase += int64(n)
}

func (r *Reconciler) reject(reason Reason) Outcome {
	return Outcome{Revision: r.revision, Reason: reason}
}

package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryAdapter keeps snapshots in process memory. Used for development
// and tests; contents are lost on restart.
type MemoryAdapter struct {
	mu        sync.RWMutex
	docs      map[string]DocumentSnapshot
	history   map[string][]DocumentSnapshot
	limit     int
	connected bool
}

// NewMemoryAdapter creates an empty in-memory adapter keeping up to
// historyLimit snapshots per document.
func NewMemoryAdapter(historyLimit int) *MemoryAdapter {
	if historyLimit <= 0 {
		historyLimit = DefaultStorageConfig().HistoryLimit
	}
	return &MemoryAdapter{
		docs:    make(map[string]DocumentSnapshot),
		history: make(map[string][]DocumentSnapshot),
		limit:   historyLimit,
	}
}

func (m *MemoryAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryAdapter) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *MemoryAdapter) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MemoryAdapter) HealthCheck(ctx context.Context) (bool, error) {
	if !m.IsConnected() {
		return false, ErrNotConnected
	}
	return true, nil
}

// Load returns the latest snapshot
func (m *MemoryAdapter) Load(ctx context.Context, id string) (*DocumentSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]
	if !ok {
		return nil, NewNotFoundError(id)
	}
	return &doc, nil
}

// Save stores content at revision unless a newer revision is present
func (m *MemoryAdapter) Save(ctx context.Context, id, content string, revision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.docs[id]; ok && cur.Revision >= revision {
		return nil
	}

	snap := DocumentSnapshot{ID: id, Content: content, Revision: revision, UpdatedAt: time.Now()}
	m.docs[id] = snap

	h := append(m.history[id], snap)
	if over := len(h) - m.limit; over > 0 {
		h = h[over:]
	}
	m.history[id] = h
	return nil
}

// ListSnapshots returns snapshot history, newest first
func (m *MemoryAdapter) ListSnapshots(ctx context.Context, id string, limit int) ([]*DocumentSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := m.history[id]
	out := make([]*DocumentSnapshot, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		snap := h[i]
		out = append(out, &snap)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Cleanup trims history by age and per-document count
func (m *MemoryAdapter) Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error) {
	if options == nil {
		return &CleanupResult{}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	result := &CleanupResult{}
	cutoff := time.Now().AddDate(0, 0, -options.OldSnapshotsDays)
	for id, h := range m.history {
		kept := h[:0]
		for _, snap := range h {
			if options.OldSnapshotsDays > 0 && snap.UpdatedAt.Before(cutoff) {
				result.SnapshotsDeleted++
				continue
			}
			kept = append(kept, snap)
		}
		if keep := options.MaxSnapshotsPerDocument; keep > 0 && len(kept) > keep {
			sort.Slice(kept, func(i, j int) bool { return kept[i].Revision < kept[j].Revision })
			result.SnapshotsDeleted += len(kept) - keep
			kept = kept[len(kept)-keep:]
		}
		m.history[id] = kept
	}
	return result, nil
}

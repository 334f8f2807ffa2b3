package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	documentsBucket = []byte("documents")
	snapshotsBucket = []byte("snapshots")
)

// BoltAdapter persists snapshots in a single bbolt file for single-node
// deployments. The latest snapshot lives in the documents bucket; history
// lives in a per-document sub-bucket of snapshots keyed by revision.
type BoltAdapter struct {
	config *StorageConfig
	mu     sync.RWMutex
	db     *bbolt.DB
}

// NewBoltAdapter creates an adapter for the file at config.Path
func NewBoltAdapter(config *StorageConfig) *BoltAdapter {
	if config == nil {
		config = DefaultStorageConfig()
	}
	return &BoltAdapter{config: config}
}

func (b *BoltAdapter) Connect(ctx context.Context) error {
	db, err := bbolt.Open(b.config.Path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return NewConnectionError("failed to open bolt database", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(documentsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return NewConnectionError("failed to create buckets", err)
	}

	b.mu.Lock()
	b.db = db
	b.mu.Unlock()
	return nil
}

func (b *BoltAdapter) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *BoltAdapter) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db != nil
}

func (b *BoltAdapter) HealthCheck(ctx context.Context) (bool, error) {
	db, err := b.handle()
	if err != nil {
		return false, err
	}
	err = db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(documentsBucket) == nil {
			return fmt.Errorf("bucket %s missing", documentsBucket)
		}
		return nil
	})
	return err == nil, err
}

func (b *BoltAdapter) handle() (*bbolt.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, ErrNotConnected
	}
	return b.db, nil
}

func (b *BoltAdapter) Load(ctx context.Context, id string) (*DocumentSnapshot, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	var snap *DocumentSnapshot
	err = db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(documentsBucket).Get([]byte(id))
		if raw == nil {
			return NewNotFoundError(id)
		}
		snap = &DocumentSnapshot{}
		return json.Unmarshal(raw, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Save writes the snapshot in one transaction unless a newer revision is
// already stored.
func (b *BoltAdapter) Save(ctx context.Context, id, content string, revision int64) error {
	db, err := b.handle()
	if err != nil {
		return err
	}

	return db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(documentsBucket)
		if raw := docs.Get([]byte(id)); raw != nil {
			var cur DocumentSnapshot
			if err := json.Unmarshal(raw, &cur); err != nil {
				return NewQueryError("corrupt document record", err)
			}
			if cur.Revision >= revision {
				return nil
			}
		}

		snap := DocumentSnapshot{ID: id, Content: content, Revision: revision, UpdatedAt: time.Now()}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if err := docs.Put([]byte(id), data); err != nil {
			return NewQueryError("failed to save document", err)
		}

		history, err := tx.Bucket(snapshotsBucket).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return NewQueryError("failed to create history bucket", err)
		}
		return history.Put(revisionKey(revision), data)
	})
}

// ListSnapshots returns snapshot history, newest first
func (b *BoltAdapter) ListSnapshots(ctx context.Context, id string, limit int) ([]*DocumentSnapshot, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	var out []*DocumentSnapshot
	err = db.View(func(tx *bbolt.Tx) error {
		history := tx.Bucket(snapshotsBucket).Bucket([]byte(id))
		if history == nil {
			return nil
		}
		c := history.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			snap := &DocumentSnapshot{}
			if err := json.Unmarshal(v, snap); err != nil {
				return err
			}
			out = append(out, snap)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Cleanup prunes history older than the retention window and beyond the
// per-document cap. The latest snapshot in the documents bucket is kept.
func (b *BoltAdapter) Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error) {
	result := &CleanupResult{}
	if options == nil {
		return result, nil
	}
	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().AddDate(0, 0, -options.OldSnapshotsDays)
	err = db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(snapshotsBucket)

		var names [][]byte
		if err := root.ForEach(func(name, _ []byte) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}

		for _, name := range names {
			history := root.Bucket(name)
			if history == nil {
				continue
			}

			var keys, stale [][]byte
			err := history.ForEach(func(k, v []byte) error {
				var snap DocumentSnapshot
				if err := json.Unmarshal(v, &snap); err != nil {
					return err
				}
				key := append([]byte(nil), k...)
				if options.OldSnapshotsDays > 0 && snap.UpdatedAt.Before(cutoff) {
					stale = append(stale, key)
				} else {
					keys = append(keys, key)
				}
				return nil
			})
			if err != nil {
				return err
			}

			// keys are in ascending revision order
			if keep := options.MaxSnapshotsPerDocument; keep > 0 && len(keys) > keep {
				stale = append(stale, keys[:len(keys)-keep]...)
			}
			for _, k := range stale {
				if err := history.Delete(k); err != nil {
					return err
				}
			}
			result.SnapshotsDeleted += len(stale)
		}
		return nil
	})
	if err != nil {
		return nil, NewQueryError("cleanup failed", err)
	}
	return result, nil
}

func revisionKey(revision int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(revision))
	return key
}

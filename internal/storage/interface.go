// Package storage provides persistence adapters for document snapshots and
// the Redis event feed for committed changes.
package storage

import (
	"context"
	"time"
)

// DocumentSnapshot is the durable state of one document
type DocumentSnapshot struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DocumentStore is the persistence contract used by sessions.
//
// Save must never replace a stored snapshot with an older revision; saving
// a revision at or below the stored one is a silent no-op. Load returns an
// error matching ErrNotFound for unknown documents.
type DocumentStore interface {
	Load(ctx context.Context, id string) (*DocumentSnapshot, error)
	Save(ctx context.Context, id, content string, revision int64) error
}

// SnapshotLister is implemented by adapters that keep snapshot history
type SnapshotLister interface {
	ListSnapshots(ctx context.Context, id string, limit int) ([]*DocumentSnapshot, error)
}

// Adapter is a DocumentStore with a connection lifecycle
type Adapter interface {
	DocumentStore

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) (bool, error)

	// Maintenance
	Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error)
}

// CleanupOptions specifies what to clean up
type CleanupOptions struct {
	OldSnapshotsDays        int
	MaxSnapshotsPerDocument int
}

// CleanupResult contains cleanup statistics
type CleanupResult struct {
	SnapshotsDeleted int `json:"snapshotsDeleted"`
}

// Driver names accepted by NewAdapter
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverBolt     = "bolt"
)

// StorageConfig holds configuration for storage adapters
type StorageConfig struct {
	Driver            string
	ConnectionString  string // postgres DSN or redis URL
	KeyPrefix         string // redis
	Path              string // bolt
	DocumentTTL       time.Duration
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
	HistoryLimit      int // memory
}

// DefaultStorageConfig returns sensible defaults
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		Driver:            DriverMemory,
		KeyPrefix:         "collab",
		Path:              "collab.db",
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
		HistoryLimit:      20,
	}
}

package storage

import (
	"context"
	_ "embed"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresAdapter stores the latest document state in documents and every
// saved revision in document_snapshots.
type PostgresAdapter struct {
	config *StorageConfig
	mu     sync.RWMutex
	pool   *pgxpool.Pool
}

func NewPostgresAdapter(config *StorageConfig) *PostgresAdapter {
	if config == nil {
		config = DefaultStorageConfig()
	}
	return &PostgresAdapter{config: config}
}

// Connect opens the pool and creates missing tables
func (p *PostgresAdapter) Connect(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("invalid postgres connection string", err)
	}
	cfg.MinConns, cfg.MaxConns = p.config.PoolMinConns, p.config.PoolMaxConns
	cfg.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err == nil {
		err = pool.Ping(ctx)
	}
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return NewConnectionError("postgres unreachable", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return NewQueryError("failed to apply schema", err)
	}

	p.mu.Lock()
	p.pool = pool
	p.mu.Unlock()
	return nil
}

func (p *PostgresAdapter) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	pool := p.pool
	p.pool = nil
	p.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
	return nil
}

func (p *PostgresAdapter) IsConnected() bool {
	_, err := p.db()
	return err == nil
}

func (p *PostgresAdapter) HealthCheck(ctx context.Context) (bool, error) {
	pool, err := p.db()
	if err != nil {
		return false, err
	}
	if err := pool.Ping(ctx); err != nil {
		return false, NewConnectionError("postgres ping failed", err)
	}
	return true, nil
}

// db returns the open pool or ErrNotConnected
func (p *PostgresAdapter) db() (*pgxpool.Pool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pool == nil {
		return nil, ErrNotConnected
	}
	return p.pool, nil
}

// Load retrieves the latest snapshot of a document
func (p *PostgresAdapter) Load(ctx context.Context, id string) (*DocumentSnapshot, error) {
	pool, err := p.db()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, content, revision, updated_at FROM documents WHERE id = $1`

	var doc DocumentSnapshot
	err = pool.QueryRow(ctx, query, id).Scan(&doc.ID, &doc.Content, &doc.Revision, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NewNotFoundError(id)
		}
		return nil, NewQueryError("failed to load document", err)
	}
	return &doc, nil
}

// Save upserts the document when revision is newer than the stored one and
// records the snapshot in document_snapshots.
func (p *PostgresAdapter) Save(ctx context.Context, id, content string, revision int64) error {
	pool, err := p.db()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return NewQueryError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	upsert := `
		INSERT INTO documents (id, content, revision)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content, revision = EXCLUDED.revision, updated_at = NOW()
		WHERE documents.revision < EXCLUDED.revision
	`
	tag, err := tx.Exec(ctx, upsert, id, content, revision)
	if err != nil {
		return NewQueryError("failed to save document", err)
	}
	if tag.RowsAffected() == 0 {
		// Stored revision is newer
		return nil
	}

	snapshot := `
		INSERT INTO document_snapshots (document_id, content, revision, size_bytes)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, snapshot, id, content, revision, len(content)); err != nil {
		return NewQueryError("failed to save snapshot", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return NewQueryError("failed to commit save", err)
	}
	return nil
}

// ListSnapshots returns snapshot history, newest first
func (p *PostgresAdapter) ListSnapshots(ctx context.Context, id string, limit int) ([]*DocumentSnapshot, error) {
	pool, err := p.db()
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT document_id, content, revision, created_at
		FROM document_snapshots
		WHERE document_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := pool.Query(ctx, query, id, limit)
	if err != nil {
		return nil, NewQueryError("failed to list snapshots", err)
	}
	defer rows.Close()

	var snaps []*DocumentSnapshot
	for rows.Next() {
		var snap DocumentSnapshot
		if err := rows.Scan(&snap.ID, &snap.Content, &snap.Revision, &snap.UpdatedAt); err != nil {
			return nil, NewQueryError("failed to scan snapshot", err)
		}
		snaps = append(snaps, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("failed to list snapshots", err)
	}

	return snaps, nil
}

// Cleanup prunes old snapshots
func (p *PostgresAdapter) Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error) {
	pool, err := p.db()
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{}
	if options == nil {
		return result, nil
	}

	if options.OldSnapshotsDays > 0 {
		tag, err := pool.Exec(ctx,
			`DELETE FROM document_snapshots WHERE created_at < NOW() - make_interval(days => $1::int)`,
			options.OldSnapshotsDays,
		)
		if err != nil {
			return nil, NewQueryError("failed to delete old snapshots", err)
		}
		result.SnapshotsDeleted += int(tag.RowsAffected())
	}

	if options.MaxSnapshotsPerDocument > 0 {
		query := `
			DELETE FROM document_snapshots s
			USING (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY document_id ORDER BY created_at DESC, id DESC) AS rn
				FROM document_snapshots
			) ranked
			WHERE s.id = ranked.id AND ranked.rn > $1
		`
		tag, err := pool.Exec(ctx, query, options.MaxSnapshotsPerDocument)
		if err != nil {
			return nil, NewQueryError("failed to trim snapshots", err)
		}
		result.SnapshotsDeleted += int(tag.RowsAffected())
	}

	return result, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// saveScript writes a snapshot only if its revision is newer.
// KEYS[1] document key; ARGV: content, revision, updated_at ms, ttl ms.
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'revision')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'content', ARGV[1], 'revision', ARGV[2], 'updated_at', ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// RedisAdapter stores the latest snapshot of each document in a Redis hash
type RedisAdapter struct {
	config    *StorageConfig
	client    *redis.Client
	connected bool
}

// NewRedisAdapter creates a Redis storage adapter from config.ConnectionString
func NewRedisAdapter(config *StorageConfig) (*RedisAdapter, error) {
	if config == nil {
		config = DefaultStorageConfig()
	}

	opt, err := redis.ParseURL(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &RedisAdapter{
		config: config,
		client: redis.NewClient(opt),
	}, nil
}

// NewRedisAdapterWithClient creates an adapter from an existing client
func NewRedisAdapterWithClient(client *redis.Client, config *StorageConfig) *RedisAdapter {
	if config == nil {
		config = DefaultStorageConfig()
	}
	return &RedisAdapter{config: config, client: client}
}

func (r *RedisAdapter) Connect(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return NewConnectionError("failed to connect to Redis", err)
	}
	r.connected = true
	return nil
}

func (r *RedisAdapter) Disconnect(ctx context.Context) error {
	r.connected = false
	return r.client.Close()
}

func (r *RedisAdapter) IsConnected() bool {
	return r.connected
}

func (r *RedisAdapter) HealthCheck(ctx context.Context) (bool, error) {
	err := r.client.Ping(ctx).Err()
	return err == nil, err
}

func (r *RedisAdapter) key(id string) string {
	return r.config.KeyPrefix + ":document:" + id
}

// Load reads the snapshot hash
func (r *RedisAdapter) Load(ctx context.Context, id string) (*DocumentSnapshot, error) {
	if !r.IsConnected() {
		return nil, ErrNotConnected
	}

	fields, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, NewQueryError("failed to load document", err)
	}
	if len(fields) == 0 {
		return nil, NewNotFoundError(id)
	}

	revision, err := strconv.ParseInt(fields["revision"], 10, 64)
	if err != nil {
		return nil, NewQueryError("corrupt revision field", err)
	}
	updatedMs, _ := strconv.ParseInt(fields["updated_at"], 10, 64)

	return &DocumentSnapshot{
		ID:        id,
		Content:   fields["content"],
		Revision:  revision,
		UpdatedAt: time.UnixMilli(updatedMs),
	}, nil
}

// Save runs the compare-and-set script
func (r *RedisAdapter) Save(ctx context.Context, id, content string, revision int64) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}

	err := saveScript.Run(ctx, r.client, []string{r.key(id)},
		content,
		revision,
		time.Now().UnixMilli(),
		r.config.DocumentTTL.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return NewQueryError("failed to save document", err)
	}
	return nil
}

// Cleanup is a no-op; Redis keeps only the latest snapshot and expiry is
// handled by DocumentTTL.
func (r *RedisAdapter) Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error) {
	return &CleanupResult{}, nil
}

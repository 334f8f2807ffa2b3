package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event types published on document channels
const (
	EventOperation = "operation"
	EventPresence  = "presence"
	EventSaved     = "saved"
)

// DocumentEvent describes a change to a live document
type DocumentEvent struct {
	Type         string `json:"type"`
	DocumentID   string `json:"documentId"`
	Revision     int64  `json:"revision"`
	ConnectionID string `json:"connectionId,omitempty"`
	Data         any    `json:"data,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// EventPublisher receives document events
type EventPublisher interface {
	Publish(ctx context.Context, event *DocumentEvent) error
}

// RedisEvents publishes document events over Redis pub/sub so other
// services (indexers, translation workers) can follow live edits.
type RedisEvents struct {
	client        *redis.Client
	log           *slog.Logger
	mu            sync.RWMutex
	connected     bool
	channelPrefix string
}

// RedisEventsConfig holds Redis connection configuration
type RedisEventsConfig struct {
	URL           string
	ChannelPrefix string
	MaxRetries    int
}

// DefaultRedisEventsConfig returns sensible defaults
func DefaultRedisEventsConfig() *RedisEventsConfig {
	return &RedisEventsConfig{
		ChannelPrefix: "collab",
		MaxRetries:    3,
	}
}

// NewRedisEvents creates a new Redis event feed
func NewRedisEvents(config *RedisEventsConfig, log *slog.Logger) (*RedisEvents, error) {
	if config == nil {
		config = DefaultRedisEventsConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opt.MaxRetries = config.MaxRetries

	return &RedisEvents{
		client:        redis.NewClient(opt),
		log:           log,
		channelPrefix: config.ChannelPrefix,
	}, nil
}

// Connect checks the Redis connection
func (r *RedisEvents) Connect(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	r.log.Debug("document event feed connected", slog.String("prefix", r.channelPrefix))
	return nil
}

// Disconnect closes the client
func (r *RedisEvents) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	return r.client.Close()
}

// Publish sends an event to the document channel
func (r *RedisEvents) Publish(ctx context.Context, event *DocumentEvent) error {
	r.mu.RLock()
	connected := r.connected
	r.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.DocumentChannel(event.DocumentID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}
	return nil
}

// DocumentChannel is the pub/sub channel carrying documentID's events
func (r *RedisEvents) DocumentChannel(documentID string) string {
	return r.channelPrefix + ":doc:" + documentID
}

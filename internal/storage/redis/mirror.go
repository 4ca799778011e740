// Package redis mirrors accepted mentions into a Redis key-value store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// Config holds Redis connection configuration.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// Mirror stores each record as JSON under <prefix>:mention:<id> and indexes
// record IDs per target in the set <prefix>:target:<target>.
type Mirror struct {
	client *redis.Client
	prefix string
}

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New wraps an existing client.
func New(client *redis.Client, keyPrefix string) *Mirror {
	if keyPrefix == "" {
		keyPrefix = "webmention"
	}
	return &Mirror{client: client, prefix: keyPrefix}
}

// Name identifies the mirror in logs.
func (m *Mirror) Name() string {
	return "redis"
}

// RecordKey is the key holding a record's JSON.
func (m *Mirror) RecordKey(id string) string {
	return fmt.Sprintf("%s:mention:%s", m.prefix, id)
}

// TargetKey is the set of record IDs that mention target.
func (m *Mirror) TargetKey(target string) string {
	return fmt.Sprintf("%s:target:%s", m.prefix, target)
}

// Mirror writes the record and its target index in one transaction.
func (m *Mirror) Mirror(ctx context.Context, record webmention.Record) error {
	if record.ID == "" {
		return errors.New("record id is required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.RecordKey(record.ID), payload, 0)
		pipe.SAdd(ctx, m.TargetKey(record.Target), record.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mirror: %w", err)
	}
	return nil
}

// Get loads a mirrored record by ID.
func (m *Mirror) Get(ctx context.Context, id string) (webmention.Record, error) {
	raw, err := m.client.Get(ctx, m.RecordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return webmention.Record{}, fmt.Errorf("%w: %s", webmention.ErrRecordNotFound, id)
	}
	if err != nil {
		return webmention.Record{}, fmt.Errorf("redis get: %w", err)
	}
	var record webmention.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return webmention.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

// MentionsOf lists the record IDs mirrored for target.
func (m *Mirror) MentionsOf(ctx context.Context, target string) ([]string, error) {
	ids, err := m.client.SMembers(ctx, m.TargetKey(target)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return ids, nil
}

// Close releases the client.
func (m *Mirror) Close() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

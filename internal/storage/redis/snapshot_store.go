// Package redis provides a Redis-backed snapshot store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// DefaultKeyPrefix namespaces snapshot keys when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "scraper:snapshot:"

// Config controls the Redis client used for snapshots.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Name      string
	// TTL expires the snapshot when positive.
	TTL time.Duration
}

// SnapshotStore keeps the latest result under a single key.
type SnapshotStore struct {
	client goredis.Cmdable
	closer func() error
	key    string
	ttl    time.Duration
}

// New connects to Redis and verifies the server answers PING.
func New(ctx context.Context, cfg Config) (*SnapshotStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	store, err := NewWithClient(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	store.closer = client.Close
	return store, nil
}

// NewWithClient builds a store on an existing client (primarily for testing).
// The caller keeps ownership of the client.
func NewWithClient(client goredis.Cmdable, cfg Config) (*SnapshotStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("snapshot name is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &SnapshotStore{
		client: client,
		key:    prefix + cfg.Name,
		ttl:    cfg.TTL,
	}, nil
}

// Key returns the Redis key holding the snapshot.
func (s *SnapshotStore) Key() string {
	return s.key
}

// Save replaces the stored snapshot.
func (s *SnapshotStore) Save(ctx context.Context, result scrape.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return nil
}

// Load returns the stored snapshot. A missing key yields scrape.ErrNotFound.
func (s *SnapshotStore) Load(ctx context.Context) (scrape.Result, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return scrape.Result{}, scrape.ErrNotFound
		}
		return scrape.Result{}, fmt.Errorf("get %s: %w", s.key, err)
	}
	var result scrape.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return scrape.Result{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return result, nil
}

// Close releases the client when the store created it.
func (s *SnapshotStore) Close() error {
	if s.closer == nil {
		return nil
	}
	if err := s.closer(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

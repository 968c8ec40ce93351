package scoring

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss reports that no snapshot is cached for the entity.
var ErrCacheMiss = errors.New("scoring: cache miss")

// SnapshotCache is the fast read-through store for score snapshots. A failing
// cache must never fail a score read; the engine degrades to direct compute.
type SnapshotCache interface {
	Get(ctx context.Context, entityID string) (*Snapshot, error)
	Set(ctx context.Context, snap *Snapshot, ttl time.Duration) error
	Delete(ctx context.Context, entityID string) error
	Close() error
}

// RedisCacheConfig configures the Redis-backed snapshot cache.
type RedisCacheConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// DefaultRedisCacheConfig returns sane connection defaults.
func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		KeyPrefix:    "riskgraph:score:",
	}
}

// RedisSnapshotCache stores snapshots as JSON values with a TTL.
type RedisSnapshotCache struct {
	client *redis.Client
	prefix string
}

func NewRedisSnapshotCache(cfg RedisCacheConfig) (*RedisSnapshotCache, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "riskgraph:score:"
	}
	return &RedisSnapshotCache{client: client, prefix: prefix}, nil
}

func (c *RedisSnapshotCache) key(entityID string) string {
	return c.prefix + entityID
}

func (c *RedisSnapshotCache) Get(ctx context.Context, entityID string) (*Snapshot, error) {
	raw, err := c.client.Get(ctx, c.key(entityID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("corrupt cached snapshot for %s: %w", entityID, err)
	}
	return &snap, nil
}

func (c *RedisSnapshotCache) Set(ctx context.Context, snap *Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(snap.EntityID), raw, ttl).Err()
}

func (c *RedisSnapshotCache) Delete(ctx context.Context, entityID string) error {
	return c.client.Del(ctx, c.key(entityID)).Err()
}

func (c *RedisSnapshotCache) Close() error {
	return c.client.Close()
}

// MemorySnapshotCache is an in-process cache for tests and single-node runs.
type MemorySnapshotCache struct {
	mu     sync.RWMutex
	data   map[string]*Snapshot
	expiry map[string]time.Time

	// FailNext forces the next operations to error, simulating an outage.
	FailNext bool
}

func NewMemorySnapshotCache() *MemorySnapshotCache {
	return &MemorySnapshotCache{
		data:   make(map[string]*Snapshot),
		expiry: make(map[string]time.Time),
	}
}

func (c *MemorySnapshotCache) Get(ctx context.Context, entityID string) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.FailNext {
		return nil, errors.New("cache unavailable")
	}
	if exp, ok := c.expiry[entityID]; ok && time.Now().After(exp) {
		return nil, ErrCacheMiss
	}
	snap, ok := c.data[entityID]
	if !ok {
		return nil, ErrCacheMiss
	}
	cp := *snap
	return &cp, nil
}

func (c *MemorySnapshotCache) Set(ctx context.Context, snap *Snapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailNext {
		return errors.New("cache unavailable")
	}
	cp := *snap
	c.data[snap.EntityID] = &cp
	if ttl > 0 {
		c.expiry[snap.EntityID] = time.Now().Add(ttl)
	}
	return nil
}

func (c *MemorySnapshotCache) Delete(ctx context.Context, entityID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, entityID)
	delete(c.expiry, entityID)
	return nil
}

func (c *MemorySnapshotCache) Close() error { return nil }
